package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuraFriday/remote-mcp/internal/hostbridge"
)

type fakeBridge struct {
	alive        map[string]bool
	handlers     map[string]hostbridge.ToolHandler
	refreshes    int
	registerErrs map[string]error // next RegisterTool(name, ...) call fails with this
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{alive: map[string]bool{}, handlers: map[string]hostbridge.ToolHandler{}, registerErrs: map[string]error{}}
}

func (b *fakeBridge) SendToSession(context.Context, string, []byte) error { return nil }

func (b *fakeBridge) RegisterTool(name, _ string, _ []byte, handler hostbridge.ToolHandler) error {
	if err, ok := b.registerErrs[name]; ok {
		delete(b.registerErrs, name)
		return err
	}
	b.handlers[name] = handler
	return nil
}

func (b *fakeBridge) Unregister(name string) error {
	delete(b.handlers, name)
	return nil
}

func (b *fakeBridge) RegisterSessionCleanupCallback(func(string)) error { return nil }

func (b *fakeBridge) TriggerClientRefresh(float64) { b.refreshes++ }

func (b *fakeBridge) SessionAlive(sessionID string) bool { return b.alive[sessionID] }

func newRecord(name, session string) *ToolRecord {
	return &ToolRecord{Name: name, Description: "d", SessionID: session}
}

func TestInsertAssignsBareNameWhenVacant(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["s1"] = true
	reg := New(bridge)

	final, err := reg.Insert(context.Background(), newRecord("browser", "s1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "browser", final)
	assert.True(t, reg.Exists("browser"))
}

func TestInsertSuffixesOnLiveCollision(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["s1"] = true
	bridge.alive["s2"] = true
	reg := New(bridge)

	first, err := reg.Insert(context.Background(), newRecord("browser", "s1"), nil)
	require.NoError(t, err)
	second, err := reg.Insert(context.Background(), newRecord("browser", "s2"), nil)
	require.NoError(t, err)

	assert.Equal(t, "browser", first)
	assert.Equal(t, "browser2", second)
	assert.True(t, reg.Exists("browser"))
	assert.True(t, reg.Exists("browser2"))
}

func TestInsertEvictsDeadOwnerBeforeSuffixing(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["s1"] = false // dead at insertion time of the second registration
	reg := New(bridge)

	first, err := reg.Insert(context.Background(), newRecord("browser", "s1"), nil)
	require.NoError(t, err)
	require.Equal(t, "browser", first)

	second, err := reg.Insert(context.Background(), newRecord("browser", "s2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "browser", second, "dead owner's name must be reused unchanged, not suffixed")

	rec := reg.Lookup("browser")
	require.NotNil(t, rec)
	assert.Equal(t, "s2", rec.SessionID)
}

func TestInsertRestoresEvictedDeadOwnerOnBridgeFailure(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["s1"] = false // dead at insertion time of the second registration
	reg := New(bridge)

	_, err := reg.Insert(context.Background(), newRecord("browser", "s1"), nil)
	require.NoError(t, err)

	bridge.registerErrs["browser"] = errors.New("host bridge unavailable")
	_, err = reg.Insert(context.Background(), newRecord("browser", "s2"), nil)
	require.Error(t, err)

	rec := reg.Lookup("browser")
	require.NotNil(t, rec, "a failed Insert must leave the registry unchanged, not drop the evicted dead owner")
	assert.Equal(t, "s1", rec.SessionID)
}

func TestInsertThirdCollisionUsesNextInteger(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["s1"] = true
	bridge.alive["s2"] = true
	bridge.alive["s3"] = true
	reg := New(bridge)

	_, err := reg.Insert(context.Background(), newRecord("browser", "s1"), nil)
	require.NoError(t, err)
	_, err = reg.Insert(context.Background(), newRecord("browser", "s2"), nil)
	require.NoError(t, err)
	third, err := reg.Insert(context.Background(), newRecord("browser", "s3"), nil)
	require.NoError(t, err)

	assert.Equal(t, "browser3", third)
}

func TestRemoveIsIdempotent(t *testing.T) {
	bridge := newFakeBridge()
	reg := New(bridge)

	reg.Remove(context.Background(), "nonexistent")
	assert.False(t, reg.Exists("nonexistent"))
}

func TestNamesForSession(t *testing.T) {
	bridge := newFakeBridge()
	bridge.alive["s1"] = true
	bridge.alive["s2"] = true
	reg := New(bridge)

	_, err := reg.Insert(context.Background(), newRecord("browser", "s1"), nil)
	require.NoError(t, err)
	_, err = reg.Insert(context.Background(), newRecord("sqlite", "s1"), nil)
	require.NoError(t, err)
	_, err = reg.Insert(context.Background(), newRecord("notes", "s2"), nil)
	require.NoError(t, err)

	names := reg.NamesForSession("s1")
	assert.ElementsMatch(t, []string{"browser", "sqlite"}, names)
}
