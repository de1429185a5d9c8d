package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/l0p7/resilcache/internal/badgerdb"
	"github.com/stretchr/testify/require"
)

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := backend.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, backend.Put(ctx, "a", []byte{0x00, 0xff, 0x10}))
	require.NoError(t, backend.Put(ctx, "b", []byte("beta")))
	sealed, ok, err := backend.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0x00, 0xff, 0x10}, sealed)

	require.NoError(t, backend.Evict(ctx, "b"))
	require.NoError(t, backend.Evict(ctx, "b"))

	all, err := backend.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": {0x00, 0xff, 0x10}}, all)

	require.NoError(t, backend.Hydrate(ctx, map[string][]byte{"x": []byte("1"), "y": []byte("2")}))
	all, err = backend.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"x": []byte("1"), "y": []byte("2")}, all)

	require.NoError(t, backend.Hydrate(ctx, nil))
	all, err = backend.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	require.NoError(t, backend.Ping(ctx))
}

func TestMemoryBackend(t *testing.T) {
	backend := NewMemoryBackend()
	exerciseBackend(t, backend)
	require.NoError(t, backend.Close(context.Background()))
}

func TestBadgerBackend(t *testing.T) {
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	backend, err := NewBadgerBackend(db)
	require.NoError(t, err)
	exerciseBackend(t, backend)

	require.NoError(t, backend.Close(context.Background()))
	require.Error(t, backend.Ping(context.Background()))
}

func TestBadgerHydrateKeepsRecordsWhenInterrupted(t *testing.T) {
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	backend, err := NewBadgerBackend(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "a", []byte("1")))
	require.NoError(t, backend.Put(ctx, "b", []byte("2")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, backend.Hydrate(cancelled, map[string][]byte{"c": []byte("3")}), context.Canceled)
	all, err := backend.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, all)

	require.NoError(t, backend.Hydrate(ctx, map[string][]byte{"b": []byte("20"), "c": []byte("3")}))
	all, err = backend.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"b": []byte("20"), "c": []byte("3")}, all)
}

func TestBadgerBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock()

	db, err := badgerdb.Open(badgerdb.Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	backend, err := NewBadgerBackend(db)
	require.NoError(t, err)
	s, err := New(backend, newTestSealer(t), Options{Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "durable", []byte("yes"), 0))
	require.NoError(t, s.Close(ctx))

	db, err = badgerdb.Open(badgerdb.Config{Path: dir})
	require.NoError(t, err)
	backend, err = NewBadgerBackend(db)
	require.NoError(t, err)
	reopened := newTestStore(t, backend, clock, nil)
	loaded, corrupt, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Zero(t, corrupt)
	value, ok := reopened.Get(ctx, "durable")
	require.True(t, ok)
	require.Equal(t, "yes", string(value))
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	backend, err := NewRedisBackend(RedisConfig{Address: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	defer backend.Close(context.Background())

	require.NoError(t, mr.Set("unrelated", "keep"))
	exerciseBackend(t, backend)
	require.True(t, mr.Exists("unrelated"), "hydrate only touches prefixed keys")

	require.NoError(t, backend.Put(context.Background(), "z", []byte("zed")))
	require.True(t, mr.Exists("test:z"))
}

func TestRedisBackendRequiresAddress(t *testing.T) {
	_, err := NewRedisBackend(RedisConfig{})
	require.Error(t, err)
}

func TestRedisBackendUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedisBackend(RedisConfig{Address: addr})
	require.Error(t, err)
}
