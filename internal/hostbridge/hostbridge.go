// Package hostbridge defines the interface the relay core depends on to
// reach the host's HTTP/SSE transport. The core never talks to a socket or
// session table directly; it only ever calls through this interface, and
// the concrete implementation lives in internal/transport.
package hostbridge

import "context"

// ToolHandler is the function the host invokes for a registered tool name.
// ctx carries the CallContext (see internal/dispatch) describing the
// originating AI request; args is the raw JSON arguments payload.
type ToolHandler func(ctx context.Context, args []byte) (Result, error)

// Result is the tagged outcome of a ToolHandler invocation. Exactly one of
// Immediate or Deferred is meaningful, selected by Kind. This is the typed
// stand-in for the source's "return nil means reply later" convention
// (spec design notes: Deferred vs Immediate).
type Result struct {
	Kind      ResultKind
	Immediate []byte // JSON-encoded content envelope, valid when Kind == Immediate
}

// ResultKind distinguishes an immediately-available result from one that
// will be produced later by an independent tools/reply invocation.
type ResultKind int

const (
	// Immediate means Result.Immediate holds the final content envelope now.
	Immediate ResultKind = iota
	// Deferred means no response is available yet; it will arrive later
	// through the reply path and be delivered via Bridge.SendToSession.
	Deferred
)

// Bridge is the set of operations the host provides to the relay core.
type Bridge interface {
	// SendToSession delivers a JSON-encoded message over the named
	// session's event stream. It may fail silently if the session died
	// mid-send; callers must treat that as a provider disconnect, not a
	// hard error.
	SendToSession(ctx context.Context, sessionID string, message []byte) error

	// RegisterTool adds name to the AI-facing tool surface.
	RegisterTool(name, description string, inputSchema []byte, handler ToolHandler) error

	// Unregister removes name from the AI-facing tool surface.
	Unregister(name string) error

	// RegisterSessionCleanupCallback subscribes fn to be invoked once per
	// dead session. Idempotent: calling it more than once must not result
	// in fn being invoked more than once per session death.
	RegisterSessionCleanupCallback(fn func(sessionID string)) error

	// TriggerClientRefresh asks the host to nudge AI clients to re-fetch
	// the tool list after delaySeconds, batching rapid successive calls.
	TriggerClientRefresh(delaySeconds float64)

	// SessionAlive reports whether sessionID is still connected. Used by
	// the Tool Registry's conflict-resolution liveness check (spec §4.4).
	SessionAlive(sessionID string) bool
}
