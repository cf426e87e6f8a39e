// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler triggers sync cycles on an adaptive timer: ActiveInterval while the
// app is in the foreground or the user interacted recently, IdleInterval otherwise.
// Ticks are skipped while the network is not available.
type Scheduler struct {
	syncer          Syncer
	network         *NetworkMonitor
	activeInterval  time.Duration
	idleInterval    time.Duration
	activityTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger

	wake chan struct{}

	mu              sync.Mutex
	foreground      bool
	lastInteraction time.Time
	lastRun         time.Time
	running         bool
	cancel          context.CancelFunc
	done            chan struct{}
}

// NewScheduler creates a stopped scheduler. The user counts as active at creation.
func NewScheduler(cfg *Config, syncer Syncer, network *NetworkMonitor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		syncer:          syncer,
		network:         network,
		activeInterval:  cfg.ActiveInterval,
		idleInterval:    cfg.IdleInterval,
		activityTimeout: cfg.ActivityTimeout,
		now:             now,
		logger:          logger,
		wake:            make(chan struct{}, 1),
		lastInteraction: now(),
	}
}

// Start launches the scheduling loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true

	go s.loop(loopCtx, done)
	s.logger.Debug("scheduler started", "interval", s.intervalLocked())
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Debug("scheduler stopped")
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wake requests an immediate cycle. Multiple wakes before the loop reacts coalesce into one.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// NotifyUserInteraction records user activity, keeping the active cadence
func (s *Scheduler) NotifyUserInteraction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInteraction = s.now()
}

// SetForeground records whether the app is visible. Coming to the foreground wakes the loop.
func (s *Scheduler) SetForeground(foreground bool) {
	s.mu.Lock()
	was := s.foreground
	s.foreground = foreground
	if foreground {
		s.lastInteraction = s.now()
	}
	s.mu.Unlock()

	if foreground && !was {
		s.Wake()
	}
}

// Interval returns the delay until the next tick under the current activity state
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked()
}

func (s *Scheduler) intervalLocked() time.Duration {
	if s.activeLocked() {
		return s.activeInterval
	}
	return s.idleInterval
}

func (s *Scheduler) activeLocked() bool {
	return s.foreground || s.now().Sub(s.lastInteraction) < s.activityTimeout
}

// shouldRun is the activity gate for timer ticks: active users always pass,
// idle ones only once a full idle interval has elapsed since the last run
func (s *Scheduler) shouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked() || s.lastRun.IsZero() {
		return true
	}
	return s.now().Sub(s.lastRun) >= s.idleInterval
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, false)
		case <-s.wake:
			s.tick(ctx, true)
		}
		timer.Reset(s.Interval())
	}
}

func (s *Scheduler) tick(ctx context.Context, woken bool) {
	if !s.network.Available() {
		s.logger.Debug("skipping sync tick, network not available", "state", s.network.State().String())
		return
	}
	if !woken && !s.shouldRun() {
		s.logger.Debug("skipping sync tick, user idle")
		return
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	if ok := s.syncer.Sync(ctx, false); !ok && ctx.Err() == nil {
		s.logger.Debug("scheduled sync did not complete", "woken", woken)
	}
}
