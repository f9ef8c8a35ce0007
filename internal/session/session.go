// Package session implements Session Lifecycle (spec §4.4): the single
// callback registered once with the Host Bridge that, on transport-session
// death, evicts every tool the dying session owned and resolves every
// PendingCall it was the provider for.
//
// Grounded on original_source/remote.py's cleanup_tools_for_session, split
// here across the Tool Registry (internal/registry) and the Reverse
// Dispatcher's PendingCall table (internal/dispatch) rather than one
// monolithic function, per the teacher's pattern of small collaborators
// wired together by a thin orchestrator (runtime/registry/manager.go's
// session-death handling).
package session

import (
	"context"

	"github.com/AuraFriday/remote-mcp/internal/telemetry"
)

// ToolRegistry is the subset of *registry.Registry this package needs.
type ToolRegistry interface {
	NamesForSession(sessionID string) []string
	Remove(ctx context.Context, name string)
}

// Dispatcher is the subset of *dispatch.Dispatcher this package needs.
type Dispatcher interface {
	OrphanSession(ctx context.Context, sessionID string)
}

// Option configures a Lifecycle at construction time.
type Option func(*Lifecycle)

// WithLogger sets the structured logger used for lifecycle operations.
func WithLogger(l telemetry.Logger) Option { return func(lc *Lifecycle) { lc.logger = l } }

// WithMetrics sets the metrics recorder used for lifecycle operations.
func WithMetrics(m telemetry.Metrics) Option { return func(lc *Lifecycle) { lc.metrics = m } }

// WithTracer sets the tracer used for lifecycle operations.
func WithTracer(t telemetry.Tracer) Option { return func(lc *Lifecycle) { lc.tracer = t } }

// Lifecycle ties the Tool Registry and Reverse Dispatcher together into the
// single contract the Host Bridge invokes once per dead session.
type Lifecycle struct {
	registry   ToolRegistry
	dispatcher Dispatcher

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New constructs a Lifecycle. Register its OnSessionEnd method with the
// Host Bridge via RegisterSessionCleanupCallback at startup.
func New(reg ToolRegistry, dispatcher Dispatcher, opts ...Option) *Lifecycle {
	lc := &Lifecycle{
		registry:   reg,
		dispatcher: dispatcher,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

// OnSessionEnd implements the cleanup contract (spec §4.4): it evicts every
// tool sessionID owned, then orphans every PendingCall awaiting a reply
// from that session. Order matters: eviction happens first so that a
// tools/list issued concurrently with orphaning never shows a tool whose
// provider is already gone.
func (lc *Lifecycle) OnSessionEnd(ctx context.Context, sessionID string) {
	ctx, span := lc.tracer.Start(ctx, "session.cleanup")
	defer span.End()

	names := lc.registry.NamesForSession(sessionID)
	for _, name := range names {
		lc.registry.Remove(ctx, name)
	}

	lc.dispatcher.OrphanSession(ctx, sessionID)

	if len(names) > 0 {
		lc.logger.Info(ctx, "session cleanup evicted tools", "session_id", sessionID, "tool_count", len(names))
	}
	lc.metrics.IncCounter("session.cleanup", 1)
	span.AddEvent("session.cleanup.done", "session_id", sessionID, "tools_evicted", len(names))
}
