package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

func TestIsDuplicate_FirstSeenThenRepeat(t *testing.T) {
	svc := New(nil)
	svc.Register("tx", NamespaceConfig{MaxSize: 10, TTL: time.Minute})

	require.False(t, svc.IsDuplicate("tx", "abc"))
	require.True(t, svc.IsDuplicate("tx", "abc"))
	require.False(t, svc.IsDuplicate("tx", "def"))
}

func TestIsDuplicate_ExpiresAfterTTL(t *testing.T) {
	svc := New(nil)
	svc.Register("tx", NamespaceConfig{MaxSize: 10, TTL: time.Millisecond})

	require.False(t, svc.IsDuplicate("tx", "abc"))
	time.Sleep(5 * time.Millisecond)
	require.False(t, svc.IsDuplicate("tx", "abc"), "expired entry must not count as duplicate")
}

func TestIsDuplicate_UnregisteredNamespaceUsesDefaults(t *testing.T) {
	svc := New(nil)
	require.False(t, svc.IsDuplicate("unseen-ns", "k"))
	require.True(t, svc.IsDuplicate("unseen-ns", "k"))
}

func TestEviction_BoundedByMaxSize(t *testing.T) {
	svc := New(nil)
	svc.Register("bounded", NamespaceConfig{MaxSize: 2, TTL: time.Minute})

	svc.IsDuplicate("bounded", "a")
	svc.IsDuplicate("bounded", "b")
	svc.IsDuplicate("bounded", "c") // evicts "a"

	stats := svc.Stats("bounded")
	require.Equal(t, 2, stats.Size)
	require.Equal(t, int64(1), stats.Evictions)
	require.False(t, svc.Has("bounded", "a"))
	require.True(t, svc.Has("bounded", "c"))
}

func TestDelete_RemovesSingleKey(t *testing.T) {
	svc := New(nil)
	svc.Register("ns", NamespaceConfig{MaxSize: 10, TTL: time.Minute})
	svc.IsDuplicate("ns", "k")
	svc.Delete("ns", "k")
	require.False(t, svc.Has("ns", "k"))
}

func TestClear_EmptiesNamespace(t *testing.T) {
	svc := New(nil)
	svc.Register("ns", NamespaceConfig{MaxSize: 10, TTL: time.Minute})
	svc.IsDuplicate("ns", "a")
	svc.IsDuplicate("ns", "b")
	svc.Clear("ns")
	require.Equal(t, 0, svc.Stats("ns").Size)
}

// fakePersistence is an in-memory store.DedupPersistence for exercising the
// flush/restore loop without a real database.
type fakePersistence struct {
	rows map[string][]store.DedupStateRow
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{rows: make(map[string][]store.DedupStateRow)}
}

func (f *fakePersistence) LoadNamespace(ctx context.Context, ns string, now int64) ([]store.DedupStateRow, error) {
	return f.rows[ns], nil
}

func (f *fakePersistence) FlushNamespace(ctx context.Context, ns string, rows []store.DedupStateRow) error {
	f.rows[ns] = rows
	return nil
}

func TestFlushAndRestore_RoundTrips(t *testing.T) {
	persist := newFakePersistence()
	svc := New(persist)
	svc.Register("durable", NamespaceConfig{MaxSize: 10, TTL: time.Minute, Persist: true})
	svc.IsDuplicate("durable", "k1")
	svc.IsDuplicate("durable", "k2")

	svc.flushAll(context.Background())
	require.Len(t, persist.rows["durable"], 2)

	fresh := New(persist)
	fresh.Register("durable", NamespaceConfig{MaxSize: 10, TTL: time.Minute, Persist: true})
	fresh.restoreAll(context.Background())
	require.True(t, fresh.Has("durable", "k1"))
	require.True(t, fresh.Has("durable", "k2"))
}

func TestStartStop_LoopsExitCleanly(t *testing.T) {
	svc := New(nil)
	svc.Register("ns", NamespaceConfig{MaxSize: 10, TTL: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	cancel()
	svc.Stop()
}
