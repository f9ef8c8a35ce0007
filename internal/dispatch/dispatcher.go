// Package dispatch implements the Reverse Dispatcher (spec §4.3): the
// state machine that turns an inbound AI tools/call into an outbound
// reverse message on the provider's event stream, tracks pending calls by
// call_id, and turns a later provider tools/reply into the AI-facing
// response.
//
// Grounded on runtime/toolregistry/executor/executor.go's send-then-
// await-on-correlation-id shape (there backed by a Pulse/Redis stream,
// here by PendingStore per spec §5) and on
// original_source/{remote.py,reverse_mcp.py} for the exact wire shapes.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AuraFriday/remote-mcp/internal/hostbridge"
	"github.com/AuraFriday/remote-mcp/internal/jsonrpc"
	"github.com/AuraFriday/remote-mcp/internal/registry"
	"github.com/AuraFriday/remote-mcp/internal/schema"
	"github.com/AuraFriday/remote-mcp/internal/telemetry"
)

// ToolRegistry is the subset of *registry.Registry the dispatcher needs,
// narrowed to an interface for testability.
type ToolRegistry interface {
	Insert(ctx context.Context, record *registry.ToolRecord, handler hostbridge.ToolHandler) (string, error)
	Lookup(name string) *registry.ToolRecord
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger sets the structured logger used for dispatch operations.
func WithLogger(l telemetry.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics sets the metrics recorder used for dispatch operations.
func WithMetrics(m telemetry.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithTracer sets the tracer used for dispatch operations.
func WithTracer(t telemetry.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// WithIDGenerator overrides call_id minting, primarily for deterministic tests.
func WithIDGenerator(gen func() string) Option { return func(d *Dispatcher) { d.newCallID = gen } }

// Dispatcher is the Reverse Dispatcher.
type Dispatcher struct {
	registry    ToolRegistry
	pending     PendingStore
	bridge      hostbridge.Bridge
	unlockToken string

	newCallID func() string
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer
}

// New constructs a Dispatcher. unlockToken is the single installation-
// scoped UnlockToken (spec §3), typically produced by
// internal/unlocktoken.Derive.
func New(reg ToolRegistry, pending PendingStore, bridge hostbridge.Bridge, unlockToken string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    reg,
		pending:     pending,
		bridge:      bridge,
		unlockToken: unlockToken,
		newCallID:   func() string { return uuid.NewString() },
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// registrationInput mirrors spec §6.1's params.arguments.input shape for
// the "remote" meta-tool's register operation.
type registrationInput struct {
	Operation        string          `json:"operation"`
	ToolName         string          `json:"tool_name"`
	Description      string          `json:"description"`
	Parameters       json.RawMessage `json:"parameters"`
	CallbackEndpoint string          `json:"callback_endpoint"`
	TOOLAPIKey       string          `json:"TOOL_API_KEY"`
	Readme           string          `json:"readme"`
}

// RegisterTool implements spec §6.1: registration call handling. sessionID
// is the provider session making the registration (its CallContext's
// SessionID). The ToolHandler handed to the registry serves later AI
// invocations of the registered tool under the final name Insert assigns
// (wired back through Dispatcher.handleInvocation).
func (d *Dispatcher) RegisterTool(ctx context.Context, sessionID string, args []byte) jsonrpc.ContentEnvelope {
	ctx, span := d.tracer.Start(ctx, "dispatch.register")
	defer span.End()

	var wrapper struct {
		Input registrationInput `json:"input"`
	}
	if err := json.Unmarshal(args, &wrapper); err != nil {
		return jsonrpc.TextResult("Invalid input format. Expected dictionary with 'input' key containing tool parameters.", true)
	}
	in := wrapper.Input

	if in.Operation != "register" {
		return jsonrpc.TextResult(fmt.Sprintf("Invalid operation: '%s'. Only 'register' operation is supported.", in.Operation), true)
	}
	if missing := firstMissingField(in); missing != "" {
		return jsonrpc.TextResult("Missing required parameter: "+missing, true)
	}
	if err := schema.ValidateOriginalSchema(in.Parameters); err != nil {
		return jsonrpc.TextResult(err.Error(), true)
	}

	wrapped, err := schema.Wrap(in.ToolName, in.Description, in.Readme, in.Parameters, d.unlockToken)
	if err != nil {
		span.RecordError(err)
		return jsonrpc.TextResult(fmt.Sprintf("Error generating tool schema: %s", err), true)
	}

	record := &registry.ToolRecord{
		Name:             in.ToolName,
		Description:      wrapped.AIDescription,
		WrappedSchema:    wrapped.WrappedSchema,
		SyntheticSchema:  wrapped.SyntheticSchema,
		OriginalSchema:   in.Parameters,
		Readme:           wrapped.ReadmeText,
		CallbackEndpoint: in.CallbackEndpoint,
		APIKey:           in.TOOLAPIKey,
		SessionID:        sessionID,
		RegisteredAt:     time.Now(),
	}

	requestedName := in.ToolName
	// Insert may rename the record on a live collision; the handler reads
	// record.Name when invoked so a renamed tool routes to its own record.
	handler := func(ctx context.Context, args []byte) (hostbridge.Result, error) {
		return d.handleInvocation(ctx, record.Name, args)
	}
	finalName, err := d.registry.Insert(ctx, record, handler)
	if err != nil {
		span.RecordError(err)
		return jsonrpc.TextResult(fmt.Sprintf("Error registering tool with host: %s", err), true)
	}

	text := "Successfully registered tool: " + finalName
	if finalName != requestedName {
		text += fmt.Sprintf(" (renamed from %s due to naming conflict)", requestedName)
	}
	d.logger.Info(ctx, "registered tool", "tool", finalName, "session_id", sessionID)
	d.metrics.IncCounter("dispatch.register", 1, "tool", finalName)
	return jsonrpc.TextResult(text, false)
}

func firstMissingField(in registrationInput) string {
	switch {
	case in.ToolName == "":
		return "tool_name"
	case in.Description == "":
		return "description"
	case len(in.Parameters) == 0:
		return "parameters"
	case in.CallbackEndpoint == "":
		return "callback_endpoint"
	case in.TOOLAPIKey == "":
		return "TOOL_API_KEY"
	default:
		return ""
	}
}

// CreateToolHandler builds the hostbridge.ToolHandler registered for
// toolName's AI-facing wrapped schema (spec §4.3.1). The returned handler
// expects the host to have attached a CallContext to ctx via
// WithCallContext before invoking it.
func (d *Dispatcher) CreateToolHandler(toolName string) hostbridge.ToolHandler {
	return func(ctx context.Context, args []byte) (hostbridge.Result, error) {
		return d.handleInvocation(ctx, toolName, args)
	}
}

func (d *Dispatcher) handleInvocation(ctx context.Context, toolName string, rawArgs []byte) (hostbridge.Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.call")
	defer span.End()

	cc, _ := CallContextFrom(ctx)

	unwrapped, err := unwrapArgs(rawArgs)
	if err != nil {
		return immediate(jsonrpc.TextResult("Invalid arguments: "+err.Error(), true))
	}

	operation, _ := unwrapped["operation"].(string)
	if operation == "readme" {
		return d.readmeResult(toolName)
	}

	token, _ := unwrapped["tool_unlock_token"].(string)
	if token != d.unlockToken {
		return d.unlockErrorResult(toolName, token == "")
	}

	record := d.registry.Lookup(toolName)
	if record == nil {
		return immediate(jsonrpc.TextResult("Tool "+toolName+" is no longer registered", true))
	}

	strippedArgs := stripSyntheticFields(unwrapped)
	strippedJSON, err := json.Marshal(strippedArgs)
	if err != nil {
		return immediate(jsonrpc.TextResult("Error encoding arguments: "+err.Error(), true))
	}

	callID := d.newCallID()
	call := &PendingCall{
		CallID:            callID,
		ToolName:          toolName,
		Origin:            cc,
		ProviderSessionID: record.SessionID,
		OriginalArgs:      strippedJSON,
		CreatedAt:         time.Now(),
		State:             AwaitingReply,
	}
	d.pending.Put(call)

	envelope, err := buildReverseEnvelope(toolName, callID, cc.RequestID, strippedArgs)
	if err != nil {
		d.pending.Pop(callID)
		return immediate(jsonrpc.TextResult("Error building reverse message: "+err.Error(), true))
	}

	if err := d.bridge.SendToSession(ctx, record.SessionID, envelope); err != nil {
		d.pending.Pop(callID)
		span.RecordError(err)
		return immediate(jsonrpc.TextResult("Error: provider is unavailable", true))
	}

	span.AddEvent("dispatch.sent_reverse", "tool", toolName, "call_id", callID)
	d.metrics.IncCounter("dispatch.call", 1, "tool", toolName)
	return hostbridge.Result{Kind: hostbridge.Deferred}, nil
}

func immediate(env jsonrpc.ContentEnvelope) (hostbridge.Result, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return hostbridge.Result{}, err
	}
	return hostbridge.Result{Kind: hostbridge.Immediate, Immediate: data}, nil
}

func (d *Dispatcher) readmeResult(toolName string) (hostbridge.Result, error) {
	record := d.registry.Lookup(toolName)
	if record == nil {
		return immediate(jsonrpc.TextResult("Tool "+toolName+" not found in registered tools", true))
	}
	return immediate(jsonrpc.TextResult(record.Readme, false))
}

func (d *Dispatcher) unlockErrorResult(toolName string, missing bool) (hostbridge.Result, error) {
	record := d.registry.Lookup(toolName)
	readme := ""
	if record != nil {
		readme = record.Readme
	}
	var lead string
	if missing {
		lead = fmt.Sprintf("Error: Missing required tool_unlock_token for %s.\n\n", toolName)
	} else {
		lead = fmt.Sprintf("Error: Incorrect tool_unlock_token for %s.\n\n", toolName)
	}
	lead += "This tool requires a security token to ensure proper understanding of its usage. "
	lead += "Please read the documentation below and include the tool_unlock_token in your request.\n\n"
	lead += "Documentation:\n" + readme
	return immediate(jsonrpc.TextResult(lead, true))
}

// unwrapArgs repeatedly unwraps a double-wrapped {"input":{"input":X}}
// payload down to X, per spec §4.3.1. Stops as soon as the value is not an
// object with exactly the single key "input" holding an object.
func unwrapArgs(rawArgs []byte) (map[string]any, error) {
	var current map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &current); err != nil {
			return nil, err
		}
	}
	for {
		if len(current) != 1 {
			break
		}
		inner, ok := current["input"]
		if !ok {
			break
		}
		innerMap, ok := inner.(map[string]any)
		if !ok {
			break
		}
		current = innerMap
	}
	return current, nil
}

// stripSyntheticFields removes the dispatcher-injected operation and
// tool_unlock_token keys before forwarding arguments to the provider
// (spec §4.3.1 step 1).
func stripSyntheticFields(args map[string]any) map[string]any {
	stripped := make(map[string]any, len(args))
	for k, v := range args {
		if k == "operation" || k == "tool_unlock_token" {
			continue
		}
		stripped[k] = v
	}
	return stripped
}

// reverseEnvelope mirrors spec §6.3's wire shape exactly.
type reverseEnvelope struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      string       `json:"id"`
	Reverse reverseInner `json:"reverse"`
}

type reverseInner struct {
	Tool    string         `json:"tool"`
	Input   innerToolsCall `json:"input"`
	CallID  string         `json:"call_id"`
	IsError bool           `json:"isError"`
}

type innerToolsCall struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Method  string             `json:"method"`
	Params  innerToolsCallArgs `json:"params"`
}

type innerToolsCallArgs struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// buildReverseEnvelope carries originalRequestID through as raw JSON bytes
// so a numeric AI-supplied id reaches the provider unchanged instead of
// being coerced into a JSON string.
func buildReverseEnvelope(toolName, callID string, originalRequestID json.RawMessage, strippedArgs map[string]any) ([]byte, error) {
	env := reverseEnvelope{
		JSONRPC: "2.0",
		ID:      callID,
		Reverse: reverseInner{
			Tool: toolName,
			Input: innerToolsCall{
				JSONRPC: "2.0",
				ID:      originalRequestID,
				Method:  "tools/call",
				Params: innerToolsCallArgs{
					Name:      toolName,
					Arguments: strippedArgs,
				},
			},
			CallID:  callID,
			IsError: false,
		},
	}
	return json.Marshal(env)
}
