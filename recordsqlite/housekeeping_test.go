package recordsqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

func TestHousekeeperRunOnce(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := openTestStore(t)
	now := clock.Now()

	require.NoError(t, store.Upsert(ctx, []Record{
		mustViolationRecord(t, 1, testSubject, now.Add(-100*24*time.Hour), now),
		mustViolationRecord(t, 2, testSubject, now.Add(-100*24*time.Hour), now),
		mustViolationRecord(t, 3, testSubject, now, now),
	}))
	require.NoError(t, store.MarkMutated(ctx, 2))

	old, err := RecordFromAttendance(testAttendance(10, testSubject, now.Add(-200*24*time.Hour)), now)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, []Record{old}))

	remote := newFakeRemote()
	remote.downloads["http://img/a.png"] = pngBytes(t)
	assets, err := NewAssetCache(store, remote, filepath.Join(t.TempDir(), "assets"), 24*time.Hour, time.Second, clock.Now, nil)
	require.NoError(t, err)
	require.True(t, assets.EnsureCached(ctx, testSubject, "http://img/a.png"))

	clock.Advance(8 * 24 * time.Hour)

	var mu sync.Mutex
	var stages []string
	cfg := DefaultConfig("http://records.invalid", testSubject)
	cfg.Now = clock.Now
	cfg.StageMetrics = StageMetricsRecorderFunc(func(ctx context.Context, timing StageTiming) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, timing.Stage)
	})

	h := NewHousekeeper(cfg, store, assets, nil)
	report, err := h.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, HousekeepingReport{Violations: 1, Attendance: 1, Assets: 1}, report)

	n, err := store.Count(ctx, recordsync.KindViolation, testSubject)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{MetricsStagePruneRecords, MetricsStageEvictAssets}, stages)
}

func TestHousekeeperKeepsJustSyncedUndatedRecord(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := openTestStore(t)

	v := testViolation(7, testSubject, clock.Now())
	v.DateRecorded = "07/10/2025 08:30 AM"
	rec, err := RecordFromViolation(v, clock.Now())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, []Record{rec}))

	cfg := DefaultConfig("http://records.invalid", testSubject)
	cfg.Now = clock.Now
	report, err := NewHousekeeper(cfg, store, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Violations)

	n, err := store.Count(ctx, recordsync.KindViolation, testSubject)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHousekeeperSchedule(t *testing.T) {
	store := openTestStore(t)
	cfg := DefaultConfig("http://records.invalid", testSubject)

	cfg.HousekeepingSchedule = "not a schedule"
	h := NewHousekeeper(cfg, store, nil, nil)
	require.Error(t, h.Start(context.Background()))
	h.Stop()

	cfg.HousekeepingSchedule = ""
	require.NoError(t, h.Start(context.Background()))
	h.Stop()

	cfg.HousekeepingSchedule = "@every 1h"
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Start(context.Background()))
	h.Stop()
}
