package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuraFriday/remote-mcp/internal/hostbridge"
	"github.com/AuraFriday/remote-mcp/internal/jsonrpc"
	"github.com/AuraFriday/remote-mcp/internal/registry"
)

type recordedMessage struct {
	sessionID string
	payload   map[string]any
}

type fakeBridge struct {
	mu       sync.Mutex
	alive    map[string]bool
	sent     []recordedMessage
	handlers map[string]hostbridge.ToolHandler
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{alive: map[string]bool{}, handlers: map[string]hostbridge.ToolHandler{}}
}

func (b *fakeBridge) SendToSession(_ context.Context, sessionID string, message []byte) error {
	var payload map[string]any
	_ = json.Unmarshal(message, &payload)
	b.mu.Lock()
	b.sent = append(b.sent, recordedMessage{sessionID: sessionID, payload: payload})
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) RegisterTool(name, _ string, _ []byte, handler hostbridge.ToolHandler) error {
	b.handlers[name] = handler
	return nil
}
func (b *fakeBridge) Unregister(name string) error                     { delete(b.handlers, name); return nil }
func (b *fakeBridge) RegisterSessionCleanupCallback(func(string)) error { return nil }
func (b *fakeBridge) TriggerClientRefresh(float64)                     {}
func (b *fakeBridge) SessionAlive(sessionID string) bool                { return b.alive[sessionID] }

func (b *fakeBridge) lastSent() recordedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

func registerBrowser(t *testing.T, d *Dispatcher, providerSession string) jsonrpc.ContentEnvelope {
	t.Helper()
	args := []byte(`{"input":{
		"operation":"register",
		"tool_name":"browser",
		"description":"D",
		"parameters":{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]},
		"callback_endpoint":"x://y",
		"TOOL_API_KEY":"k"
	}}`)
	return d.RegisterTool(context.Background(), providerSession, args)
}

func newTestDispatcher(bridge *fakeBridge, unlockToken string) (*Dispatcher, *registry.Registry) {
	reg := registry.New(bridge)
	pending := NewMemoryPendingStore()
	callCounter := 0
	d := New(reg, pending, bridge, unlockToken, WithIDGenerator(func() string {
		callCounter++
		return "call-" + itoaTest(callCounter)
	}))
	return d, reg
}

func itoaTest(n int) string {
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if len(digits) == 0 {
		return "0"
	}
	return string(digits)
}

func TestHappyPathRegisterAndCall(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")

	resp := registerBrowser(t, d, "provider-1")
	require.False(t, resp.IsError)
	assert.Contains(t, resp.FirstText(), "Successfully registered tool: browser")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`), ToolName: "browser"})
	callArgs := []byte(`{"input":{"operation":"execute","tool_unlock_token":"TOK","url":"https://example.com"}}`)
	result, err := d.CreateToolHandler("browser")(ctx, callArgs)
	require.NoError(t, err)
	assert.Equal(t, hostbridge.Deferred, result.Kind)

	sent := bridge.lastSent()
	assert.Equal(t, "provider-1", sent.sessionID)
	reverse := sent.payload["reverse"].(map[string]any)
	assert.Equal(t, "browser", reverse["tool"])
	input := reverse["input"].(map[string]any)
	params := input["params"].(map[string]any)
	arguments := params["arguments"].(map[string]any)
	assert.Equal(t, "https://example.com", arguments["url"])
	callID := reverse["call_id"].(string)
	require.NotEmpty(t, callID)

	replyParams := []byte(`{"result":{"content":[{"type":"text","text":"OK"}],"isError":false}}`)
	d.HandleReply(context.Background(), callID, replyParams)

	finalMsg := bridge.lastSent()
	assert.Equal(t, "ai-session", finalMsg.sessionID)
	assert.Equal(t, "req-1", finalMsg.payload["id"])
	resultField := finalMsg.payload["result"].(map[string]any)
	content := resultField["content"].([]any)
	assert.Equal(t, "OK", content[0].(map[string]any)["text"])
}

func TestNumericRequestIDRoundTripsUnchanged(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")
	registerBrowser(t, d, "provider-1")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`2`), ToolName: "browser"})
	callArgs := []byte(`{"input":{"operation":"execute","tool_unlock_token":"TOK","url":"https://example.com"}}`)
	_, err := d.CreateToolHandler("browser")(ctx, callArgs)
	require.NoError(t, err)

	reverse := bridge.lastSent().payload["reverse"].(map[string]any)
	callID := reverse["call_id"].(string)

	replyParams := []byte(`{"result":{"content":[{"type":"text","text":"OK"}],"isError":false}}`)
	d.HandleReply(context.Background(), callID, replyParams)

	finalMsg := bridge.lastSent()
	assert.Equal(t, float64(2), finalMsg.payload["id"], "a numeric id must round-trip as a number, not be coerced to a string or zeroed")
}

func TestReadmeOperation(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")
	registerBrowser(t, d, "provider-1")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`), ToolName: "browser"})
	result, err := d.CreateToolHandler("browser")(ctx, []byte(`{"input":{"operation":"readme"}}`))
	require.NoError(t, err)
	require.Equal(t, hostbridge.Immediate, result.Kind)

	var env jsonrpc.ContentEnvelope
	require.NoError(t, json.Unmarshal(result.Immediate, &env))
	assert.False(t, env.IsError)
	assert.Contains(t, env.FirstText(), "TOK")
	assert.Contains(t, env.FirstText(), `"url": "example_url" // REQUIRED`)
}

func TestMissingTokenProducesDocumentationError(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")
	registerBrowser(t, d, "provider-1")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`), ToolName: "browser"})
	result, err := d.CreateToolHandler("browser")(ctx, []byte(`{"input":{"operation":"execute","url":"https://example.com"}}`))
	require.NoError(t, err)

	var env jsonrpc.ContentEnvelope
	require.NoError(t, json.Unmarshal(result.Immediate, &env))
	assert.True(t, env.IsError)
	assert.Contains(t, env.FirstText(), "Error: Missing required tool_unlock_token for browser.")
	assert.Contains(t, env.FirstText(), "Documentation:")
}

func TestIncorrectTokenIsDistinguishedFromMissing(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")
	registerBrowser(t, d, "provider-1")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`)})
	result, err := d.CreateToolHandler("browser")(ctx, []byte(`{"input":{"operation":"execute","tool_unlock_token":"WRONG","url":"x"}}`))
	require.NoError(t, err)

	var env jsonrpc.ContentEnvelope
	require.NoError(t, json.Unmarshal(result.Immediate, &env))
	assert.Contains(t, env.FirstText(), "Error: Incorrect tool_unlock_token for browser.")
}

func TestNameCollisionBothLiveGetDistinctNames(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	bridge.alive["provider-2"] = true
	d, _ := newTestDispatcher(bridge, "TOK")

	first := registerBrowser(t, d, "provider-1")
	second := registerBrowser(t, d, "provider-2")

	assert.Contains(t, first.FirstText(), "Successfully registered tool: browser")
	assert.Contains(t, second.FirstText(), "Successfully registered tool: browser2")
}

func TestSessionDeathOrphansPendingCalls(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")
	registerBrowser(t, d, "provider-1")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`)})
	_, err := d.CreateToolHandler("browser")(ctx, []byte(`{"input":{"operation":"execute","tool_unlock_token":"TOK","url":"x"}}`))
	require.NoError(t, err)

	d.OrphanSession(context.Background(), "provider-1")

	finalMsg := bridge.lastSent()
	assert.Equal(t, "ai-session", finalMsg.sessionID)
	resultField := finalMsg.payload["result"].(map[string]any)
	assert.Equal(t, true, resultField["isError"])
	content := resultField["content"].([]any)
	assert.Contains(t, content[0].(map[string]any)["text"], "disconnected")
}

func TestSweepExpiredDeliversTimeoutAndRemovesCall(t *testing.T) {
	bridge := newFakeBridge()
	d, _ := newTestDispatcher(bridge, "TOK")

	d.pending.Put(&PendingCall{
		CallID:    "stale-call",
		ToolName:  "browser",
		Origin:    CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`)},
		CreatedAt: time.Now().Add(-time.Hour),
	})

	d.SweepExpired(context.Background(), time.Minute)

	finalMsg := bridge.lastSent()
	assert.Equal(t, "ai-session", finalMsg.sessionID)
	resultField := finalMsg.payload["result"].(map[string]any)
	assert.Equal(t, true, resultField["isError"])
	content := resultField["content"].([]any)
	assert.Contains(t, content[0].(map[string]any)["text"], "did not reply")

	_, ok := d.pending.Pop("stale-call")
	assert.False(t, ok, "swept call must be removed from the pending store")
}

func TestSweepExpiredNoopWhenTTLDisabled(t *testing.T) {
	bridge := newFakeBridge()
	d, _ := newTestDispatcher(bridge, "TOK")
	d.pending.Put(&PendingCall{CallID: "stale-call", CreatedAt: time.Now().Add(-time.Hour)})

	d.SweepExpired(context.Background(), 0)

	_, ok := d.pending.Pop("stale-call")
	assert.True(t, ok, "ttl <= 0 must disable sweeping entirely")
}

func TestSeeReadmeSubstitution(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")
	registerBrowser(t, d, "provider-1")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`)})
	_, err := d.CreateToolHandler("browser")(ctx, []byte(`{"input":{"operation":"execute","tool_unlock_token":"TOK","url":"x"}}`))
	require.NoError(t, err)

	sent := bridge.lastSent()
	callID := sent.payload["reverse"].(map[string]any)["call_id"].(string)

	replyParams := []byte(`{"result":{"content":[{"type":"text","text":"bad input {see readme}"}],"isError":true}}`)
	d.HandleReply(context.Background(), callID, replyParams)

	finalMsg := bridge.lastSent()
	resultField := finalMsg.payload["result"].(map[string]any)
	content := resultField["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "bad input \n\nDocumentation:\n")
}

func TestDoubleWrappedArgumentsProduceIdenticalReverseMessage(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["provider-1"] = true
	d, _ := newTestDispatcher(bridge, "TOK")
	registerBrowser(t, d, "provider-1")

	ctx := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`)})
	_, err := d.CreateToolHandler("browser")(ctx, []byte(`{"input":{"operation":"execute","tool_unlock_token":"TOK","url":"x"}}`))
	require.NoError(t, err)
	single := bridge.lastSent().payload["reverse"].(map[string]any)["input"]

	bridge2 := newFakeBridge()
	bridge2.alive["provider-1"] = true
	d2, _ := newTestDispatcher(bridge2, "TOK")
	registerBrowser(t, d2, "provider-1")
	ctx2 := WithCallContext(context.Background(), CallContext{SessionID: "ai-session", RequestID: json.RawMessage(`"req-1"`)})
	_, err = d2.CreateToolHandler("browser")(ctx2, []byte(`{"input":{"input":{"operation":"execute","tool_unlock_token":"TOK","url":"x"}}}`))
	require.NoError(t, err)
	double := bridge2.lastSent().payload["reverse"].(map[string]any)["input"]

	singleParams := single.(map[string]any)["params"].(map[string]any)["arguments"]
	doubleParams := double.(map[string]any)["params"].(map[string]any)["arguments"]
	assert.Equal(t, singleParams, doubleParams)
}

func TestReplyForUnknownCallIDDoesNotPanic(t *testing.T) {
	bridge := newFakeBridge()
	d, _ := newTestDispatcher(bridge, "TOK")
	assert.NotPanics(t, func() {
		d.HandleReply(context.Background(), "nonexistent", []byte(`{"result":{"content":[],"isError":false}}`))
	})
}
