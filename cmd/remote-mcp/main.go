// Command remote-mcp runs the relay: one HTTP/SSE process exposing a
// "remote" meta-tool that lets external tool providers register
// themselves, and a reverse-dispatch state machine that routes AI
// tools/call invocations to whichever provider registered the name.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AuraFriday/remote-mcp/internal/config"
	"github.com/AuraFriday/remote-mcp/internal/dispatch"
	"github.com/AuraFriday/remote-mcp/internal/hostbridge"
	"github.com/AuraFriday/remote-mcp/internal/jsonrpc"
	"github.com/AuraFriday/remote-mcp/internal/registry"
	"github.com/AuraFriday/remote-mcp/internal/session"
	"github.com/AuraFriday/remote-mcp/internal/telemetry"
	"github.com/AuraFriday/remote-mcp/internal/transport"
	"github.com/AuraFriday/remote-mcp/internal/unlocktoken"
)

// remoteToolName is the name AI clients invoke to register a new tool
// (spec §6.1).
const remoteToolName = "remote"

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	installationID := flag.String("installation-id", "", "stable id identifying this relay installation, mixed into the unlock token")
	flag.Parse()

	if err := run(*configPath, *installationID); err != nil {
		slog.Error("remote-mcp exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, installationID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	secret, err := cfg.UnlockSecret()
	if err != nil {
		return fmt.Errorf("loading unlock secret: %w", err)
	}
	token := unlocktoken.Derive([]byte(secret), installationID)

	// srv doubles as the hostbridge.Bridge for the registry and dispatcher
	// built below, so it is constructed before its own RPCHandler exists;
	// SetHandler closes the loop once the rest of the wiring is in place.
	srv := transport.NewServer(nil,
		transport.WithLogger(logger),
		transport.WithMetrics(metrics),
		transport.WithTracer(tracer),
		transport.WithRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	)

	reg := registry.New(srv,
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
		registry.WithTracer(tracer),
		registry.WithRefreshDelay(cfg.RefreshDebounce),
	)

	pending := buildPendingStore(cfg)

	disp := dispatch.New(reg, pending, srv, token,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithTracer(tracer),
	)

	lifecycle := session.New(reg, disp,
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithTracer(tracer),
	)
	if err := srv.RegisterSessionCleanupCallback(func(sessionID string) {
		lifecycle.OnSessionEnd(context.Background(), sessionID)
	}); err != nil {
		return fmt.Errorf("registering session cleanup callback: %w", err)
	}

	srv.SetHandler(buildRPCHandler(reg, disp, srv))

	mux := http.NewServeMux()
	srv.Routes(mux)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PendingCallTTL > 0 {
		go runPendingSweep(ctx, disp, cfg.PendingCallTTL)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	logger.Info(ctx, "remote-mcp listening", "addr", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		return httpServer.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// runPendingSweep periodically evicts PendingCalls older than ttl (spec §5),
// checking at one tenth of ttl so stale calls are found promptly without a
// separate configuration knob for the check interval. It exits when ctx is
// canceled, i.e. on shutdown.
func runPendingSweep(ctx context.Context, disp *dispatch.Dispatcher, ttl time.Duration) {
	interval := ttl / 10
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disp.SweepExpired(ctx, ttl)
		}
	}
}

func buildPendingStore(cfg config.Config) dispatch.PendingStore {
	if cfg.RedisAddr == "" {
		return dispatch.NewMemoryPendingStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return dispatch.NewRedisPendingStore(client, "remote-mcp:")
}

// buildRPCHandler wires the transport's decoded JSON-RPC requests to the
// registry (tools/list, remote registration) and dispatcher (tools/call,
// tools/reply). It injects a dispatch.CallContext derived from each
// request's id and the routing session id, satisfying the design note
// that transport coordinates travel on the context, never through JSON.
func buildRPCHandler(reg *registry.Registry, disp *dispatch.Dispatcher, srv *transport.Server) transport.RPCHandler {
	return func(ctx context.Context, sessionID string, req jsonrpc.Request) []byte {
		switch req.Method {
		case "tools/list":
			return encodeResponse(req.ID, toolsListResult(reg))
		case "tools/reply":
			handleReply(ctx, disp, req)
			return nil
		case "tools/call":
			return handleToolsCall(ctx, reg, disp, srv, sessionID, req)
		default:
			return encodeError(req.ID, jsonrpc.MethodNotFound, "unknown method: "+req.Method)
		}
	}
}

func toolsListResult(reg *registry.Registry) map[string]any {
	records := reg.All()
	tools := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		tools = append(tools, map[string]any{
			"name":        rec.Name,
			"description": rec.Description,
			"inputSchema": json.RawMessage(rec.WrappedSchema),
		})
	}
	return map[string]any{"tools": tools}
}

func handleReply(ctx context.Context, disp *dispatch.Dispatcher, req jsonrpc.Request) {
	var callID string
	_ = json.Unmarshal(req.ID, &callID)
	disp.HandleReply(ctx, callID, req.Params)
}

func handleToolsCall(ctx context.Context, reg *registry.Registry, disp *dispatch.Dispatcher, srv *transport.Server, sessionID string, req jsonrpc.Request) []byte {
	var params jsonrpc.ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return encodeError(req.ID, jsonrpc.InvalidParams, "malformed tools/call params")
	}

	if params.Name == remoteToolName {
		result := disp.RegisterTool(ctx, sessionID, params.Arguments)
		return encodeResponse(req.ID, result)
	}

	handler, ok := srv.ToolHandler(params.Name)
	if !ok {
		return encodeResponse(req.ID, jsonrpc.TextResult("Tool "+params.Name+" is not registered", true))
	}

	// req.ID travels unchanged: re-decoding it into a Go string would
	// silently zero out a numeric or null JSON-RPC id.
	cc := dispatch.CallContext{SessionID: sessionID, RequestID: req.ID, ToolName: params.Name}
	result, err := handler(dispatch.WithCallContext(ctx, cc), params.Arguments)
	if err != nil {
		return encodeError(req.ID, jsonrpc.InternalError, err.Error())
	}
	if result.Kind == hostbridge.Immediate {
		raw := json.RawMessage(result.Immediate)
		return encodeResponse(req.ID, raw)
	}
	// Deferred: the eventual response is delivered independently via
	// Bridge.SendToSession once the provider's tools/reply arrives.
	return nil
}

func encodeResponse(id json.RawMessage, result any) []byte {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return encodeError(id, jsonrpc.InternalError, err.Error())
	}
	data, _ := json.Marshal(jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: resultBytes})
	return data
}

func encodeError(id json.RawMessage, code int, message string) []byte {
	data, _ := json.Marshal(jsonrpc.Response{JSONRPC: "2.0", ID: id, Error: &jsonrpc.Error{Code: code, Message: message}})
	return data
}
