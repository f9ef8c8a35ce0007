package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/jsonrpc"
)

// seeReadmePlaceholder is the literal token a provider's error text may
// contain to request inline readme substitution (spec §4.3.2 step 3, §7).
const seeReadmePlaceholder = "{see readme}"

// replyParams is the params shape of an inbound tools/reply (spec §6.4).
type replyParams struct {
	Result jsonrpc.ContentEnvelope `json:"result"`
}

// HandleReply implements the reply path (spec §4.3.2): it resolves the
// PendingCall named by callID, applies readme substitution, and delivers
// the AI-facing response via the Host Bridge. An unknown call_id does not
// crash or return an error: it is logged as a warning and counted, and
// nothing is sent back to the replying session.
func (d *Dispatcher) HandleReply(ctx context.Context, callID string, rawParams []byte) {
	ctx, span := d.tracer.Start(ctx, "dispatch.reply")
	defer span.End()

	call, ok := d.pending.Pop(callID)
	if !ok {
		d.logger.Warn(ctx, "reply for unknown call_id", "call_id", callID)
		d.metrics.IncCounter("dispatch.reply.unknown_call_id", 1)
		return
	}

	var params replyParams
	result := jsonrpc.ContentEnvelope{
		Content: []jsonrpc.ContentItem{{Type: "text", Text: "(no result provided)"}},
		IsError: true,
	}
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err == nil && len(params.Result.Content) > 0 {
			result = params.Result
		}
	}

	if result.IsError {
		result = d.substituteSeeReadme(call.ToolName, result)
	}

	responseBody := struct {
		JSONRPC string                  `json:"jsonrpc"`
		ID      json.RawMessage         `json:"id"`
		Result  jsonrpc.ContentEnvelope `json:"result"`
	}{
		JSONRPC: "2.0",
		ID:      call.Origin.RequestID,
		Result:  result,
	}
	data, err := json.Marshal(responseBody)
	if err != nil {
		d.logger.Error(ctx, "failed to encode ai-facing response", "call_id", callID, "error", err.Error())
		return
	}

	if err := d.bridge.SendToSession(ctx, call.Origin.SessionID, data); err != nil {
		span.RecordError(err)
		d.logger.Warn(ctx, "failed to deliver ai-facing response", "call_id", callID, "error", err.Error())
		return
	}
	d.metrics.IncCounter("dispatch.reply", 1, "tool", call.ToolName)
}

// substituteSeeReadme replaces the {see readme} placeholder in any text
// content item with the tool's current readme, or a fallback message if
// the readme cannot be produced (spec §4.3.2 step 3).
func (d *Dispatcher) substituteSeeReadme(toolName string, result jsonrpc.ContentEnvelope) jsonrpc.ContentEnvelope {
	record := d.registry.Lookup(toolName)
	for i, item := range result.Content {
		if item.Type != "text" || !strings.Contains(item.Text, seeReadmePlaceholder) {
			continue
		}
		var replacement string
		if record != nil && record.Readme != "" {
			replacement = fmt.Sprintf("\n\nDocumentation:\n%s", record.Readme)
		} else {
			replacement = "\n\n[Error: Could not retrieve readme documentation]"
		}
		result.Content[i].Text = strings.ReplaceAll(item.Text, seeReadmePlaceholder, replacement)
	}
	return result
}

// OrphanSession implements the PendingCall half of Session Lifecycle (spec
// §4.4): every call owned by the dead provider session transitions to
// Orphaned and receives a synthetic AI-facing error.
func (d *Dispatcher) OrphanSession(ctx context.Context, sessionID string) {
	orphaned := d.pending.OrphanForSession(sessionID)
	for _, call := range orphaned {
		d.deliverOrphanError(ctx, call)
	}
}

func (d *Dispatcher) deliverOrphanError(ctx context.Context, call *PendingCall) {
	text := fmt.Sprintf("Error: the provider for tool %s disconnected before replying", call.ToolName)
	d.deliverSyntheticError(ctx, call, "dispatch.orphan", text)
}

// SweepExpired implements the optional PendingCall TTL (spec §5): calls
// older than ttl are popped and receive a synthetic timeout error, the same
// way an orphaned call does. ttl <= 0 disables sweeping entirely: the
// guard below returns before PendingStore.Sweep is reached, which matters
// because MemoryPendingStore.Sweep(0) would evict every pending call.
func (d *Dispatcher) SweepExpired(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	expired := d.pending.Sweep(ttl)
	for _, call := range expired {
		text := fmt.Sprintf("Error: tool %s did not reply within %s", call.ToolName, ttl)
		d.deliverSyntheticError(ctx, call, "dispatch.sweep_expired", text)
	}
}

func (d *Dispatcher) deliverSyntheticError(ctx context.Context, call *PendingCall, metric, text string) {
	responseBody := struct {
		JSONRPC string                  `json:"jsonrpc"`
		ID      json.RawMessage         `json:"id"`
		Result  jsonrpc.ContentEnvelope `json:"result"`
	}{
		JSONRPC: "2.0",
		ID:      call.Origin.RequestID,
		Result:  jsonrpc.TextResult(text, true),
	}
	data, err := json.Marshal(responseBody)
	if err != nil {
		d.logger.Error(ctx, "failed to encode synthetic error response", "call_id", call.CallID, "error", err.Error())
		return
	}
	if err := d.bridge.SendToSession(ctx, call.Origin.SessionID, data); err != nil {
		d.logger.Warn(ctx, "failed to deliver synthetic error response", "call_id", call.CallID, "error", err.Error())
	}
	d.metrics.IncCounter(metric, 1, "tool", call.ToolName)
}
