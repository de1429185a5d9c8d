package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/badgerdb"
	"github.com/stretchr/testify/require"
)

func exerciseSpool(t *testing.T, spool Spool) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	second := Command{ID: uuid.New(), Destination: "origin", Payload: []byte("b"), EnqueuedAt: at, Seq: 2}
	first := Command{ID: uuid.New(), Destination: "origin", Payload: []byte("a"), EnqueuedAt: at, Seq: 1, Critical: true}
	require.NoError(t, spool.Put(ctx, second))
	require.NoError(t, spool.Put(ctx, first))

	loaded, err := spool.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, first.ID, loaded[0].ID)
	require.True(t, loaded[0].Critical)
	require.Equal(t, "b", string(loaded[1].Payload))
	require.True(t, at.Equal(loaded[1].EnqueuedAt))

	first.Attempts = 3
	require.NoError(t, spool.Put(ctx, first))
	require.NoError(t, spool.Delete(ctx, second.ID))
	loaded, err = spool.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, 3, loaded[0].Attempts)
}

func TestMemorySpool(t *testing.T) {
	exerciseSpool(t, NewMemorySpool())
}

func TestBadgerSpool(t *testing.T) {
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	exerciseSpool(t, NewBadgerSpool(db))
}

func TestBadgerSpoolSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := badgerdb.Open(badgerdb.Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	sender := &scriptedSender{}
	q, err := Open(context.Background(), Options{Sender: sender, Spool: NewBadgerSpool(db)})
	require.NoError(t, err)
	q.Enqueue(context.Background(), Command{Destination: "origin", Payload: []byte("survivor")})
	require.NoError(t, db.Close())

	db, err = badgerdb.Open(badgerdb.Config{Path: dir})
	require.NoError(t, err)
	defer db.Close()
	reopened, err := Open(context.Background(), Options{Sender: sender, Spool: NewBadgerSpool(db)})
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Len())
	require.Equal(t, 1, reopened.Drain(context.Background()).Delivered)
	require.Equal(t, []string{"survivor"}, sender.got())
}
