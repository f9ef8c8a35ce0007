package dispatch

import (
	"context"
	"encoding/json"
)

// CallContext carries the AI-facing transport coordinates for one inbound
// tools/call invocation. Per spec §9 design notes, this replaces the
// source's practice of smuggling session_id/request_id/live transport
// handles inside a JSON "handler_info" field of the arguments payload:
// here they travel as a typed value on the context, never marshaled
// through JSON.
//
// RequestID is kept as the raw JSON-RPC id bytes, not re-decoded into a
// string: JSON-RPC 2.0 ids are legally strings or numbers, and unmarshaling
// a numeric id into a Go string silently zeroes it instead of erroring.
type CallContext struct {
	SessionID    string          // the AI client's transport session
	RequestID    json.RawMessage // the AI's original JSON-RPC request id, verbatim
	ToolName     string          // the tool name the host resolved this call to
	ClientHandle any             // opaque host-owned handle, unused by core logic
}

type ctxKey struct{}

// WithCallContext returns a context carrying cc, retrievable with CallContextFrom.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, cc)
}

// CallContextFrom extracts the CallContext previously attached with
// WithCallContext. ok is false if none was attached.
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(ctxKey{}).(CallContext)
	return cc, ok
}
