package recordsqlite

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSyncer struct {
	calls atomic.Int32
}

func (s *countingSyncer) Sync(ctx context.Context, force bool) bool {
	s.calls.Add(1)
	return true
}

func schedulerConfig(clock *testClock) *Config {
	cfg := DefaultConfig("http://records.invalid", testSubject)
	if clock != nil {
		cfg.Now = clock.Now
	}
	return cfg
}

func TestSchedulerIntervalFollowsActivity(t *testing.T) {
	clock := newTestClock()
	s := NewScheduler(schedulerConfig(clock), &countingSyncer{}, NewNetworkMonitor(), nil)

	require.Equal(t, 10*time.Minute, s.Interval(), "active at creation")

	clock.Advance(6 * time.Minute)
	require.Equal(t, 30*time.Minute, s.Interval())

	s.NotifyUserInteraction()
	require.Equal(t, 10*time.Minute, s.Interval())

	clock.Advance(time.Hour)
	s.SetForeground(true)
	clock.Advance(time.Hour)
	require.Equal(t, 10*time.Minute, s.Interval(), "foreground stays active")

	s.SetForeground(false)
	clock.Advance(6 * time.Minute)
	require.Equal(t, 30*time.Minute, s.Interval())
}

func TestSchedulerActivityGate(t *testing.T) {
	clock := newTestClock()
	s := NewScheduler(schedulerConfig(clock), &countingSyncer{}, NewNetworkMonitor(), nil)

	clock.Advance(6 * time.Minute)
	require.True(t, s.shouldRun(), "first run always passes")

	s.lastRun = clock.Now()
	clock.Advance(20 * time.Minute)
	require.False(t, s.shouldRun())

	clock.Advance(10 * time.Minute)
	require.True(t, s.shouldRun())
}

func TestSchedulerTicksOnlyWhenOnline(t *testing.T) {
	cfg := schedulerConfig(nil)
	cfg.ActiveInterval = 20 * time.Millisecond
	cfg.IdleInterval = 20 * time.Millisecond
	syncer := &countingSyncer{}
	network := NewNetworkMonitor()
	s := NewScheduler(cfg, syncer, network, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, syncer.calls.Load(), "unknown network skips ticks")

	network.SetAvailable(true)
	require.Eventually(t, func() bool { return syncer.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerWakeTriggersSync(t *testing.T) {
	syncer := &countingSyncer{}
	network := NewNetworkMonitor()
	network.SetAvailable(true)
	s := NewScheduler(schedulerConfig(nil), syncer, network, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.Wake()
	require.Eventually(t, func() bool { return syncer.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStopAndRestart(t *testing.T) {
	syncer := &countingSyncer{}
	network := NewNetworkMonitor()
	network.SetAvailable(true)
	s := NewScheduler(schedulerConfig(nil), syncer, network, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.True(t, s.Running())

	s.Stop()
	s.Stop()
	require.False(t, s.Running())

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	s.SetForeground(true)
	require.Eventually(t, func() bool { return syncer.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
