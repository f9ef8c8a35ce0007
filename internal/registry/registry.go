// Package registry implements the Tool Registry: the canonical map of
// registered tool name to ToolRecord, with conflict resolution and the
// invariant that the registry and the host's handler table are always in
// lock-step (spec §4.1, DATA MODEL invariant iii).
//
// Grounded on runtime/registry/manager.go's mutex-map + functional-Option
// shape from the teacher, generalized from a federated read-catalog to a
// single-process read/write registration table.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/AuraFriday/remote-mcp/internal/hostbridge"
	"github.com/AuraFriday/remote-mcp/internal/telemetry"
)

// ToolRecord is one registered tool (spec §3).
type ToolRecord struct {
	Name             string
	Description      string
	WrappedSchema    []byte // the compressed {input:object} schema exposed to AI clients
	SyntheticSchema  []byte // inner schema plus injected operation/tool_unlock_token
	OriginalSchema   []byte // verbatim provider-supplied parameter schema
	Readme           string
	CallbackEndpoint string
	APIKey           string // stored, never validated on the call path (spec §9)
	SessionID        string
	RegisteredAt     time.Time
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger sets the structured logger used for registry operations.
func WithLogger(l telemetry.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics sets the metrics recorder used for registry operations.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithTracer sets the tracer used for registry operations.
func WithTracer(t telemetry.Tracer) Option { return func(r *Registry) { r.tracer = t } }

// WithRefreshDelay overrides the debounce delay (default 2s) applied before
// triggering a client-facing tool-list refresh.
func WithRefreshDelay(d time.Duration) Option { return func(r *Registry) { r.refreshDelay = d } }

// Registry is the single process-wide Tool Registry.
type Registry struct {
	bridge hostbridge.Bridge

	mu      sync.Mutex
	records map[string]*ToolRecord

	logger       telemetry.Logger
	metrics      telemetry.Metrics
	tracer       telemetry.Tracer
	refreshDelay time.Duration

	refreshMu      sync.Mutex
	refreshPending bool
}

// New constructs a Registry bound to the given Host Bridge. Unset
// telemetry options default to no-ops.
func New(bridge hostbridge.Bridge, opts ...Option) *Registry {
	r := &Registry{
		bridge:       bridge,
		records:      make(map[string]*ToolRecord),
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		tracer:       telemetry.NewNoopTracer(),
		refreshDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert registers record, resolving name conflicts per spec §4.1: a dead
// owning session is evicted and the bare name reused; otherwise a numeric
// suffix is appended starting at 2. The final name is reserved in the
// registry before the paired Host Bridge RegisterTool call, so a concurrent
// tools/list may list it while that call runs; on Host Bridge failure the
// reservation is undone and any evicted dead record restored, leaving the
// registry unchanged. handler is the ToolHandler the host should invoke for
// the final name.
func (r *Registry) Insert(ctx context.Context, record *ToolRecord, handler hostbridge.ToolHandler) (string, error) {
	ctx, span := r.tracer.Start(ctx, "registry.insert")
	defer span.End()

	r.mu.Lock()
	finalName, evicted := r.resolveNameLocked(record.Name)
	record.Name = finalName
	// Reserve finalName under the same lock so a concurrent Insert cannot
	// resolve to it as well.
	r.records[finalName] = record
	r.mu.Unlock()

	// Host Bridge calls happen outside the internal lock (spec §5) to
	// avoid ordering hazards with host-held locks.
	if err := r.bridge.RegisterTool(finalName, record.Description, record.WrappedSchema, handler); err != nil {
		span.RecordError(err)
		r.metrics.IncCounter("registry.insert.error", 1, "tool", finalName)
		// Drop the reservation and restore any dead record
		// resolveNameLocked evicted: Insert's contract is that a failed
		// RegisterTool leaves the registry unchanged.
		r.mu.Lock()
		if r.records[finalName] == record {
			if evicted != nil {
				r.records[finalName] = evicted
			} else {
				delete(r.records, finalName)
			}
		}
		r.mu.Unlock()
		return "", err
	}

	span.AddEvent("registry.inserted", "tool", finalName, "session_id", record.SessionID)
	r.logger.Info(ctx, "registered tool", "tool", finalName, "session_id", record.SessionID)
	r.metrics.IncCounter("registry.insert", 1, "tool", finalName)
	r.scheduleRefresh()
	return finalName, nil
}

// resolveNameLocked must be called with r.mu held. It evicts a dead
// existing owner before falling back to numeric suffixing, per the
// ordering confirmed in original_source/remote.py (evict-then-suffix). The
// deletion happens here, not after the caller's Host Bridge call, and Insert
// reserves the resolved name before releasing the lock, so two concurrent
// Inserts can never both resolve to the same name; evicted
// is returned so Insert can restore it if the Host Bridge call that follows
// fails, preserving the all-or-nothing contract documented on Insert.
func (r *Registry) resolveNameLocked(base string) (name string, evicted *ToolRecord) {
	existing, ok := r.records[base]
	if !ok {
		return base, nil
	}
	if !r.sessionAliveLocked(existing) {
		delete(r.records, base)
		// the caller is responsible for calling bridge.Unregister(base)
		// for the evicted entry; Insert overwrites the handler anyway.
		return base, existing
	}
	for counter := 2; ; counter++ {
		candidate := suffixed(base, counter)
		if _, taken := r.records[candidate]; !taken {
			return candidate, nil
		}
	}
}

func (r *Registry) sessionAliveLocked(record *ToolRecord) bool {
	if record.SessionID == "" {
		return false // corrupt/legacy record, per liveness check (c)
	}
	return r.bridge.SessionAlive(record.SessionID)
}

func suffixed(base string, n int) string {
	return base + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Lookup returns the record for name, or nil if not present.
func (r *Registry) Lookup(name string) *ToolRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[name]
}

// Exists reports whether name is currently registered.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[name]
	return ok
}

// Remove deletes name from the registry and the host handler table. It is
// idempotent: removing an absent name is a no-op.
func (r *Registry) Remove(ctx context.Context, name string) {
	_, span := r.tracer.Start(ctx, "registry.remove")
	defer span.End()

	r.mu.Lock()
	_, existed := r.records[name]
	delete(r.records, name)
	r.mu.Unlock()

	if !existed {
		return
	}
	if err := r.bridge.Unregister(name); err != nil {
		span.RecordError(err)
		r.logger.Warn(ctx, "failed to unregister tool from host", "tool", name, "error", err.Error())
	}
	span.AddEvent("registry.removed", "tool", name)
	r.metrics.IncCounter("registry.remove", 1, "tool", name)
	r.scheduleRefresh()
}

// All returns a snapshot of every currently registered record, for
// tools/list (spec §5: "tools/list results are therefore a point-in-time
// snapshot").
func (r *Registry) All() []*ToolRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]*ToolRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	return records
}

// NamesForSession returns every tool name currently owned by sessionID.
func (r *Registry) NamesForSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, rec := range r.records {
		if rec.SessionID == sessionID {
			names = append(names, name)
		}
	}
	return names
}

// scheduleRefresh debounces the client-facing refresh signal: rapid
// successive calls within the debounce window collapse into a single
// TriggerClientRefresh call (spec §4.1).
func (r *Registry) scheduleRefresh() {
	r.refreshMu.Lock()
	if r.refreshPending {
		r.refreshMu.Unlock()
		return
	}
	r.refreshPending = true
	r.refreshMu.Unlock()

	r.bridge.TriggerClientRefresh(r.refreshDelay.Seconds())

	go func() {
		time.Sleep(r.refreshDelay)
		r.refreshMu.Lock()
		r.refreshPending = false
		r.refreshMu.Unlock()
	}()
}
