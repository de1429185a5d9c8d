package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/badgerdb"
	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/conflict"
	"github.com/l0p7/resilcache/internal/queue"
	"github.com/l0p7/resilcache/internal/recovery"
	"github.com/l0p7/resilcache/internal/store"
	"github.com/stretchr/testify/require"
)

const testSecretEnv = "RESILCACHE_TEST_SECRET"

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	t.Setenv(testSecretEnv, "node test secret")
	cfg := config.DefaultConfig()
	cfg.Store.Dir = t.TempDir()
	cfg.Store.Backend = backend
	cfg.Store.Encryption.SecretEnv = testSecretEnv
	cfg.Store.Badger.GCInterval = 0
	cfg.Snapshot.Interval = 0
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newNode(t *testing.T, cfg config.Config) (*Node, *audit.Recorder) {
	t.Helper()
	rec := &audit.Recorder{}
	n, err := New(context.Background(), cfg, Options{Logger: quietLogger(), Audit: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n, rec
}

func TestNodeMemoryBackend(t *testing.T) {
	cfg := testConfig(t, "memory")
	n, _ := newNode(t, cfg)
	require.Equal(t, backendMemory, n.BackendKind())
	require.True(t, n.Healthy())

	out, err := n.Resolver.Submit(context.Background(), "profile:1", conflict.SourceValue{
		Origin: conflict.OriginRemote, Value: []byte(`{"id":1}`), TrustScore: 0.9,
	})
	require.NoError(t, err)
	require.True(t, out.Committed)

	value, ok := n.Store.Get(context.Background(), "profile:1")
	require.True(t, ok)
	require.JSONEq(t, `{"id":1}`, string(value))

	st := n.Stats()
	require.Equal(t, 1, st.Store.Entries)
	require.Equal(t, uint64(1), st.Conflicts.Direct)
	require.Equal(t, recovery.Healthy, st.Recovery.State)

	require.NoError(t, n.Close(context.Background()))
	require.NoError(t, n.Close(context.Background()))

	_, err = os.Stat(filepath.Join(cfg.Store.Dir, "keyref.json"))
	require.NoError(t, err)
	infos, err := n.Snapshots.List()
	require.NoError(t, err)
	require.Len(t, infos, 1, "close takes a final snapshot")
}

func TestNodeBadgerBackendSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "badger")
	cfg.Retry.Destinations = map[string]config.DestinationConfig{
		"origin": {URL: "http://127.0.0.1:1/sync"},
	}

	first, err := New(context.Background(), cfg, Options{Logger: quietLogger(), Audit: &audit.Recorder{}})
	require.NoError(t, err)
	require.Equal(t, backendBadger, first.BackendKind())
	require.NoError(t, first.Store.Put(context.Background(), "settings:theme", []byte(`"dark"`), time.Hour))
	first.Queue.Enqueue(context.Background(), queue.Command{Destination: "origin", Payload: []byte(`{}`)})
	require.NoError(t, first.Close(context.Background()))

	second, _ := newNode(t, cfg)
	value, ok := second.Store.Get(context.Background(), "settings:theme")
	require.True(t, ok)
	require.Equal(t, `"dark"`, string(value))
	require.Equal(t, 1, second.Queue.Len())
	require.Equal(t, first.KeyRef.Salt, second.KeyRef.Salt)
	require.Equal(t, filepath.Join(cfg.Store.Dir, "live"), second.db.Path())
}

func TestNodeRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, "redis")
	cfg.Store.Redis.Address = mr.Addr()

	n, _ := newNode(t, cfg)
	require.Equal(t, backendRedis, n.BackendKind())
	require.NoError(t, n.Store.Put(context.Background(), "k", []byte("v"), 0))
	require.True(t, mr.Exists("resilcache:entry:k"))
}

func TestNodeRedisFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t, "redis")
	cfg.Store.Redis.Address = addr
	n, _ := newNode(t, cfg)
	require.Equal(t, backendMemory, n.BackendKind())
}

func TestNodeRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t, "etcd")
	_, err := New(context.Background(), cfg, Options{Logger: quietLogger()})
	require.Error(t, err)
}

func TestNodeDeliveriesFeedRemoteTelemetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig(t, "memory")
	cfg.Retry.Destinations = map[string]config.DestinationConfig{"origin": {URL: srv.URL}}
	n, _ := newNode(t, cfg)

	n.Queue.Enqueue(context.Background(), queue.Command{Destination: "origin", Payload: []byte(`{"op":"sync"}`)})
	report := n.Queue.DrainNow(context.Background())
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, int32(1), hits.Load())

	telemetry := n.Stats().Telemetry
	require.Contains(t, telemetry, string(conflict.OriginRemote))
	require.Equal(t, 1, telemetry[string(conflict.OriginRemote)].Samples)
}

func TestNodeChaosStorageFaultSignalsRecovery(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Chaos = config.ChaosConfig{
		Profile: "disk",
		Seed:    7,
		Profiles: map[string]config.ChaosProfileConfig{
			"disk": {Kind: "io_error", Probability: 1, FailCount: 2},
		},
	}
	n, _ := newNode(t, cfg)

	err := n.Store.Put(context.Background(), "k", []byte("v"), 0)
	var se *store.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 2, n.Stats().Chaos.Injected)
	require.Equal(t, recovery.Degraded, n.Recovery.State())
	require.False(t, n.Healthy())

	report := n.Recovery.Recover(context.Background(), recovery.Signal{Kind: recovery.SignalChaosFault})
	require.Equal(t, recovery.OutcomeRecovered, report.Outcome)
	require.Equal(t, recovery.Healthy, n.Recovery.State())
}

func TestNodeRunStopsWithContext(t *testing.T) {
	cfg := testConfig(t, "memory")
	n, _ := newNode(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestOpenSnapshotsReadsStoppedNode(t *testing.T) {
	cfg := testConfig(t, "memory")
	n, _ := newNode(t, cfg)
	require.NoError(t, n.Store.Put(context.Background(), "a", []byte("1"), 0))
	require.NoError(t, n.Close(context.Background()))

	snaps, err := OpenSnapshots(cfg, quietLogger())
	require.NoError(t, err)
	rec, err := snaps.LatestValid()
	require.NoError(t, err)
	require.Equal(t, 1, rec.Len())

	cfg.Store.Dir = ""
	_, err = OpenSnapshots(cfg, quietLogger())
	require.Error(t, err)
}

// crash releases the node's files without the final snapshot Close takes.
func crash(t *testing.T, n *Node) {
	t.Helper()
	n.Resolver.Close()
	n.Recovery.Close()
	require.NoError(t, n.db.Close())
}

func seqKey(i int) string { return fmt.Sprintf("item:%03d", i) }

func TestNodeRestartHydratesMemoryBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "memory")

	first, err := New(ctx, cfg, Options{Logger: quietLogger(), Audit: &audit.Recorder{}})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, first.Store.Put(ctx, seqKey(i), []byte(fmt.Sprint(i)), time.Hour))
	}
	require.NoError(t, first.Close(ctx))

	second, _ := newNode(t, cfg)
	require.Equal(t, 100, second.Store.Len())
	value, ok := second.Store.Get(ctx, seqKey(42))
	require.True(t, ok)
	require.Equal(t, "42", string(value))
	require.Equal(t, recovery.Healthy, second.Recovery.State())
}

func TestNodeRefusesStartWithoutSecret(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "badger")

	first, err := New(ctx, cfg, Options{Logger: quietLogger(), Audit: &audit.Recorder{}})
	require.NoError(t, err)
	require.NoError(t, first.Store.Put(ctx, "settings:theme", []byte(`"dark"`), 0))
	require.NoError(t, first.Close(ctx))

	t.Setenv(testSecretEnv, "")
	_, err = New(ctx, cfg, Options{Logger: quietLogger(), Audit: &audit.Recorder{}})
	require.ErrorIs(t, err, store.ErrSecretMismatch)

	t.Setenv(testSecretEnv, "node test secret")
	second, _ := newNode(t, cfg)
	value, ok := second.Store.Get(ctx, "settings:theme")
	require.True(t, ok)
	require.Equal(t, `"dark"`, string(value))
}

func TestNodeStartupCorruptionSignalsRecovery(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "badger")

	first, err := New(ctx, cfg, Options{Logger: quietLogger(), Audit: &audit.Recorder{}})
	require.NoError(t, err)
	require.NoError(t, first.Store.Put(ctx, "good", []byte("1"), 0))
	require.NoError(t, first.Store.Put(ctx, "bad", []byte("2"), 0))
	require.NoError(t, first.Close(ctx))

	db, err := badgerdb.Open(badgerdb.Config{Path: filepath.Join(cfg.Store.Dir, liveDir)})
	require.NoError(t, err)
	backend, err := store.NewBadgerBackend(db)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, "bad", []byte("bytes that will never authenticate")))
	require.NoError(t, backend.Close(ctx))

	second, _ := newNode(t, cfg)
	require.Equal(t, recovery.Degraded, second.Recovery.State())
	_, ok := second.Store.Get(ctx, "good")
	require.True(t, ok)

	report := second.Recovery.Recover(ctx, recovery.Signal{Kind: recovery.SignalCorruption})
	require.Equal(t, recovery.OutcomeRecovered, report.Outcome)
	require.True(t, report.SnapshotFound)
	value, ok := second.Store.Get(ctx, "bad")
	require.True(t, ok, "the snapshot copy replaces the damaged record")
	require.Equal(t, "2", string(value))
	require.Equal(t, recovery.Healthy, second.Recovery.State())
}

func TestNodeCrashRecoveryKeepsSnapshottedState(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx := context.Background()
	cfg := testConfig(t, "memory")
	cfg.Retry.Destinations = map[string]config.DestinationConfig{"origin": {URL: srv.URL}}

	first, err := New(ctx, cfg, Options{Logger: quietLogger(), Audit: &audit.Recorder{}})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, first.Store.Put(ctx, seqKey(i), []byte(fmt.Sprint(i)), time.Hour))
	}
	snap, err := first.Store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 100, snap.Len())

	// Writes after the snapshot live only in memory and die with the process.
	for i := 100; i < 110; i++ {
		require.NoError(t, first.Store.Put(ctx, seqKey(i), []byte(fmt.Sprint(i)), time.Hour))
	}
	for i := 0; i < 3; i++ {
		first.Queue.Enqueue(ctx, queue.Command{Destination: "origin", Payload: []byte(fmt.Sprintf(`{"seq":%d}`, i))})
	}
	crash(t, first)

	second, _ := newNode(t, cfg)
	require.Equal(t, 100, second.Store.Len())
	require.Equal(t, 3, second.Queue.Len(), "spooled commands survive the crash")

	report := second.Recovery.Recover(ctx, recovery.Signal{Kind: recovery.SignalManual})
	require.Equal(t, recovery.OutcomeRecovered, report.Outcome, report.Error)
	require.True(t, report.SnapshotFound)
	require.Equal(t, snap.ID, report.SnapshotID)
	require.Equal(t, 100, report.Hydrated)
	require.Equal(t, 3, report.Delivered)
	require.Zero(t, report.DataLoss)
	require.Less(t, report.Duration, cfg.Recovery.TimeBudget)
	require.Equal(t, recovery.Healthy, second.Recovery.State())

	require.Equal(t, int32(3), delivered.Load())
	require.Zero(t, second.Queue.Len())
	for i := 0; i < 100; i++ {
		value, ok := second.Store.Get(ctx, seqKey(i))
		require.True(t, ok, seqKey(i))
		require.Equal(t, fmt.Sprint(i), string(value))
	}
}
