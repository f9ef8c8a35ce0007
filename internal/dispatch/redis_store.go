package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPendingStore is an optional PendingCall durability backend that
// satisfies the same PendingStore interface as MemoryPendingStore. It lets
// the relay's PendingCall table survive a process restart within a single
// installation; it is never the default and does not imply horizontal
// scaling or cross-process sharing (spec §1 Non-goals still apply to the
// Tool Registry, which has no Redis-backed counterpart).
//
// Grounded on runtime/toolregistry/executor's use of Redis/Pulse-backed
// result streams for the same "await a correlated reply" shape; here it is
// a pluggable implementation of the PendingStore interface, not a copy of
// the executor's stream-sink machinery.
type RedisPendingStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPendingStore constructs a RedisPendingStore. keyPrefix namespaces
// keys for this relay installation, e.g. "remote-mcp:pending:".
func NewRedisPendingStore(client *redis.Client, keyPrefix string) *RedisPendingStore {
	return &RedisPendingStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisPendingStore) callKey(callID string) string {
	return s.keyPrefix + "call:" + callID
}

func (s *RedisPendingStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

// Put inserts call, indexing it under its ProviderSessionID for OrphanForSession.
func (s *RedisPendingStore) Put(call *PendingCall) {
	ctx := context.Background()
	data, err := json.Marshal(call)
	if err != nil {
		return
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.callKey(call.CallID), data, 0)
	pipe.SAdd(ctx, s.sessionKey(call.ProviderSessionID), call.CallID)
	_, _ = pipe.Exec(ctx)
}

// Pop removes and returns the call for callID.
func (s *RedisPendingStore) Pop(callID string) (*PendingCall, bool) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, s.callKey(callID)).Bytes()
	if err != nil {
		return nil, false
	}
	var call PendingCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, false
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.callKey(callID))
	pipe.SRem(ctx, s.sessionKey(call.ProviderSessionID), callID)
	_, _ = pipe.Exec(ctx)
	return &call, true
}

// OrphanForSession removes every call indexed under sessionID.
func (s *RedisPendingStore) OrphanForSession(sessionID string) []*PendingCall {
	ctx := context.Background()
	ids, err := s.client.SMembers(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil
	}
	var orphaned []*PendingCall
	for _, id := range ids {
		if call, ok := s.Pop(id); ok {
			call.State = Orphaned
			orphaned = append(orphaned, call)
		}
	}
	return orphaned
}

// Sweep is unimplemented for the Redis backend: TTL expiry is delegated to
// Redis key expiration when callers set one via SETEX out of band. Callers
// that need active sweeping should use MemoryPendingStore or layer their
// own scan-based sweep; returning nil keeps the interface satisfiable
// without pretending to scan the whole keyspace on every tick.
func (s *RedisPendingStore) Sweep(time.Duration) []*PendingCall { return nil }
