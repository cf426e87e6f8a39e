package recordsqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

func TestPendingQueueOrderAndCoalescing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock := newTestClock()
	q := NewPendingQueue(store, clock.Now)

	require.NoError(t, q.Enqueue(ctx, 7))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, 3))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, 7)) // keeps its original position

	entries, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(7), entries[0].RecordID)
	require.Equal(t, int64(3), entries[1].RecordID)
	require.Equal(t, recordsync.KindViolation, entries[0].Kind)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPendingQueueFailureAndResolve(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock := newTestClock()
	q := NewPendingQueue(store, clock.Now)

	require.NoError(t, q.Enqueue(ctx, 42))
	require.NoError(t, q.RecordFailure(ctx, 42, errors.New("timeout")))
	require.NoError(t, q.RecordFailure(ctx, 42, errors.New("connection refused")))

	entries, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].Attempts)
	require.Equal(t, "connection refused", entries[0].LastError)
	require.True(t, entries[0].LastAttemptAt.Equal(clock.Now()))

	ok, err := q.Contains(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Resolve(ctx, 42))
	ok, err = q.Contains(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPendingQueueCompleteClearsMarker(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock := newTestClock()
	q := NewPendingQueue(store, clock.Now)
	now := clock.Now()

	require.NoError(t, store.Upsert(ctx, []Record{mustViolationRecord(t, 42, testSubject, now, now)}))
	require.NoError(t, store.MarkMutated(ctx, 42))
	require.NoError(t, q.Enqueue(ctx, 42))

	entries, err := q.Pending(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, entries[0], now))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	rec, err := store.Get(ctx, recordsync.KindViolation, 42)
	require.NoError(t, err)
	require.True(t, rec.Acknowledged)
	require.False(t, rec.LocalChanges)
}

func TestPendingQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := dir + "/cache.db"

	db, err := OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, initializeDatabase(ctx, db))
	require.NoError(t, NewPendingQueue(NewStore(db, nil), nil).Enqueue(ctx, 11))
	require.NoError(t, db.Close())

	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()
	ok, err := NewPendingQueue(NewStore(db, nil), nil).Contains(ctx, 11)
	require.NoError(t, err)
	require.True(t, ok)
}
