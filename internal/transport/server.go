// Package transport implements the relay's HTTP/SSE surface (spec
// SPEC_FULL.md §4.6): one net/http server exposing GET /sse for the
// server-sent-events session handshake and POST /messages/ for inbound
// JSON-RPC requests, plus the concrete hostbridge.Bridge this transport
// satisfies for the relay core.
//
// Grounded on runtime/mcp/ssecaller.go's SSE frame reader (adapted from
// client role to server role: that file reads event:/data: frames off an
// http.Response.Body, this one writes them) and on
// features/mcp/runtime/{rpc.go,httpcaller.go}'s JSON-RPC envelope types,
// reused directly from internal/jsonrpc. The write side has no teacher or
// pack analogue (the corpus contains only MCP clients) so it is built
// directly against net/http's http.Flusher, the standard library's only
// mechanism for incrementally flushed HTTP responses (see DESIGN.md).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/AuraFriday/remote-mcp/internal/hostbridge"
	"github.com/AuraFriday/remote-mcp/internal/jsonrpc"
	"github.com/AuraFriday/remote-mcp/internal/telemetry"
)

// RPCHandler processes one decoded inbound JSON-RPC request for a given
// session and returns the bytes to deliver back over that session's SSE
// stream. It is supplied by whatever wires the Tool Registry, Reverse
// Dispatcher, and Session Lifecycle together (see cmd/remote-mcp).
type RPCHandler func(ctx context.Context, sessionID string, req jsonrpc.Request) []byte

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger sets the structured logger used for transport operations.
func WithLogger(l telemetry.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics sets the metrics recorder used for transport operations.
func WithMetrics(m telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithTracer sets the tracer used for transport operations.
func WithTracer(t telemetry.Tracer) Option { return func(s *Server) { s.tracer = t } }

// WithRateLimit bounds each session's POST /messages/ rate to perSecond
// with the given burst, using golang.org/x/time/rate. The zero value
// (perSecond <= 0) disables rate limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.rateLimitPerSecond, s.rateLimitBurst = perSecond, burst }
}

// session is one connected SSE client.
type session struct {
	id      string
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	limiter *rate.Limiter
}

// Server is the relay's HTTP/SSE surface and the concrete hostbridge.Bridge
// implementation backing it.
type Server struct {
	handlerMu sync.RWMutex
	handler   RPCHandler

	mu       sync.Mutex
	sessions map[string]*session
	tools    map[string]hostbridge.ToolHandler

	cleanupMu sync.Mutex
	cleanup   []func(sessionID string)

	refreshMu      sync.Mutex
	refreshPending bool

	rateLimitPerSecond float64
	rateLimitBurst     int

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// SetHandler installs the RPCHandler invoked for every decoded inbound
// JSON-RPC request. Callers that must construct the Server before the
// registry/dispatcher it hands requests to exist (a common wiring shape
// since both depend on the Server as their hostbridge.Bridge) construct
// with a nil handler and call SetHandler once the rest is built.
func (s *Server) SetHandler(h RPCHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// NewServer constructs a Server. handler is invoked for every decoded
// inbound JSON-RPC request once a session exists for it; pass nil and call
// SetHandler later if the handler depends on collaborators constructed
// after the Server.
func NewServer(handler RPCHandler, opts ...Option) *Server {
	s := &Server{
		handler:  handler,
		sessions: make(map[string]*session),
		tools:    make(map[string]hostbridge.ToolHandler),
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the relay's two endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /messages/", s.handleMessages)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	sess := &session{id: id, w: w, flusher: flusher, done: make(chan struct{})}
	if s.rateLimitPerSecond > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(s.rateLimitPerSecond), s.rateLimitBurst)
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages/?session_id=%s\n\n", id)
	flusher.Flush()

	s.logger.Info(r.Context(), "sse session opened", "session_id", id)
	s.metrics.IncCounter("transport.sse.open", 1)

	select {
	case <-r.Context().Done():
	case <-sess.done:
	}
	s.endSession(id)
}

func (s *Server) endSession(id string) {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !existed {
		return
	}

	s.logger.Info(context.Background(), "sse session closed", "session_id", id)
	s.metrics.IncCounter("transport.sse.close", 1)

	s.cleanupMu.Lock()
	callbacks := append([]func(string){}, s.cleanup...)
	s.cleanupMu.Unlock()
	for _, fn := range callbacks {
		fn(id)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session_id", http.StatusNotFound)
		return
	}
	if sess.limiter != nil && !sess.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		s.metrics.IncCounter("transport.messages.rate_limited", 1)
		return
	}

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json-rpc request", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	ctx := r.Context()
	go func() {
		data := handler(context.Background(), sessionID, req)
		if data == nil {
			return
		}
		_ = s.SendToSession(ctx, sessionID, data)
	}()
}

// SendToSession implements hostbridge.Bridge.
func (s *Server) SendToSession(_ context.Context, sessionID string, message []byte) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not connected", sessionID)
	}
	if _, err := fmt.Fprintf(sess.w, "data: %s\n\n", message); err != nil {
		return err
	}
	sess.flusher.Flush()
	return nil
}

// RegisterTool implements hostbridge.Bridge.
func (s *Server) RegisterTool(name, _ string, _ []byte, handler hostbridge.ToolHandler) error {
	s.mu.Lock()
	s.tools[name] = handler
	s.mu.Unlock()
	return nil
}

// Unregister implements hostbridge.Bridge.
func (s *Server) Unregister(name string) error {
	s.mu.Lock()
	delete(s.tools, name)
	s.mu.Unlock()
	return nil
}

// RegisterSessionCleanupCallback implements hostbridge.Bridge.
func (s *Server) RegisterSessionCleanupCallback(fn func(sessionID string)) error {
	s.cleanupMu.Lock()
	s.cleanup = append(s.cleanup, fn)
	s.cleanupMu.Unlock()
	return nil
}

// TriggerClientRefresh implements hostbridge.Bridge. It debounces rapid
// successive calls into a single tools-list-changed notification fanned
// out to every connected session after delaySeconds.
func (s *Server) TriggerClientRefresh(delaySeconds float64) {
	s.refreshMu.Lock()
	if s.refreshPending {
		s.refreshMu.Unlock()
		return
	}
	s.refreshPending = true
	s.refreshMu.Unlock()

	go func() {
		time.Sleep(time.Duration(delaySeconds * float64(time.Second)))
		s.refreshMu.Lock()
		s.refreshPending = false
		s.refreshMu.Unlock()
		s.broadcastRefresh()
	}()
}

func (s *Server) broadcastRefresh() {
	notification := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.SendToSession(context.Background(), id, notification)
	}
}

// SessionAlive implements hostbridge.Bridge.
func (s *Server) SessionAlive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// ToolHandler returns the handler registered for name, or nil if absent.
// Used by the dispatching layer that wires RPCHandler to resolve which
// registered tool a tools/call names.
func (s *Server) ToolHandler(name string) (hostbridge.ToolHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tools[name]
	return h, ok
}
