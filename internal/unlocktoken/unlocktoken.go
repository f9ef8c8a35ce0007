// Package unlocktoken derives the single installation-scoped UnlockToken
// (spec §3, §9 design notes) used to gate tool execution until the AI has
// read a tool's readme at least once.
//
// The pre-distillation source hardcodes a single test constant
// ("e5076d" in original_source/remote.py). The spec's own design notes
// flag that as a hardening gap and recommend deriving it via HMAC over an
// installation id and code version instead, so it stays stable per
// install without being a guessable global constant shared by every
// deployment. This package follows that recommendation.
package unlocktoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// CodeVersion identifies the relay build whose unlock token semantics this
// package implements. Bumping it rotates every installation's token.
const CodeVersion = "1"

// Derive computes the installation-scoped unlock token from a secret and
// an installation id. The result is stable for a given (secret,
// installationID, CodeVersion) triple and re-derivable by the provider via
// the readme operation, never per-call or per-user.
func Derive(secret []byte, installationID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(installationID))
	mac.Write([]byte{0})
	mac.Write([]byte(CodeVersion))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:12]
}
