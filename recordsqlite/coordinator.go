// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// Syncer runs one sync cycle
type Syncer interface {
	Sync(ctx context.Context, forceRefresh bool) bool
}

// Coordinator runs sync cycles for the configured subject: smart-cache
// short-circuit, delta or full fetch, pending acknowledgment drain, and the
// follow-up asset refresh. It owns the SyncStatus.
type Coordinator struct {
	cfg     *Config
	store   *Store
	pending *PendingQueue
	assets  *AssetCache // optional
	remote  Remote
	network *NetworkMonitor
	logger  *slog.Logger
	stages  *stageObserver
	now     func() time.Time

	flight   singleflight.Group
	cycleMu  sync.Mutex
	cycles   map[string]*sharedCycle
	subjMu   sync.Mutex
	subjects map[string]*sync.Mutex

	statusMu sync.RWMutex
	status   SyncStatus
	last     *SyncResult
	watchers map[chan SyncStatus]struct{}

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewCoordinator wires a coordinator. assets may be nil.
func NewCoordinator(cfg *Config, store *Store, pending *PendingQueue, assets *AssetCache, remote Remote, network *NetworkMonitor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		pending:  pending,
		assets:   assets,
		remote:   remote,
		network:  network,
		logger:   logger,
		stages:   &stageObserver{recorder: cfg.StageMetrics, logTimes: cfg.LogStageTimings, logger: logger},
		now:      now,
		cycles:   make(map[string]*sharedCycle),
		subjects: make(map[string]*sync.Mutex),
		watchers: make(map[chan SyncStatus]struct{}),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

// Sync runs a cycle for the configured subject and reports whether records were
// synced (or served from a fresh cache). Details are available via LastResult.
func (c *Coordinator) Sync(ctx context.Context, forceRefresh bool) bool {
	return c.SyncSubject(ctx, c.cfg.Subject, forceRefresh).OK()
}

// SyncSubject runs a cycle for subject. Overlapping calls with the same
// arguments share one cycle; cycles of one subject never run concurrently.
// A shared cycle is cancelled only once every caller waiting on it has had
// its context cancelled.
func (c *Coordinator) SyncSubject(ctx context.Context, subject string, forceRefresh bool) SyncResult {
	key := fmt.Sprintf("%s|%t", subject, forceRefresh)
	cycle := c.joinCycle(ctx, key)
	stop := context.AfterFunc(ctx, func() { c.leaveCycle(key, cycle) })
	defer func() {
		if stop() {
			c.leaveCycle(key, cycle)
		}
	}()

	v, _, _ := c.flight.Do(key, func() (any, error) {
		mu := c.subjectLock(subject)
		mu.Lock()
		defer mu.Unlock()
		return c.runCycle(cycle.ctx, subject, forceRefresh), nil
	})
	return v.(SyncResult)
}

// sharedCycle is the context of a de-duplicated cycle and the number of
// callers still waiting on it
type sharedCycle struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Coordinator) joinCycle(ctx context.Context, key string) *sharedCycle {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	cycle, ok := c.cycles[key]
	if !ok {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cycle = &sharedCycle{ctx: cctx, cancel: cancel}
		c.cycles[key] = cycle
	}
	cycle.waiters++
	return cycle
}

func (c *Coordinator) leaveCycle(key string, cycle *sharedCycle) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	cycle.waiters--
	if cycle.waiters > 0 {
		return
	}
	cycle.cancel()
	if c.cycles[key] == cycle {
		delete(c.cycles, key)
	}
}

func (c *Coordinator) subjectLock(subject string) *sync.Mutex {
	c.subjMu.Lock()
	defer c.subjMu.Unlock()
	mu, ok := c.subjects[subject]
	if !ok {
		mu = &sync.Mutex{}
		c.subjects[subject] = mu
	}
	return mu
}

func (c *Coordinator) runCycle(ctx context.Context, subject string, force bool) (result SyncResult) {
	start := c.now()
	logger := c.logger.With("subject", subject, "cycle", uuid.NewString()[:8], "force", force)
	result = SyncResult{Subject: subject, Force: force, StartedAt: start}

	prev := c.Status()
	c.setStatus(statusSyncing(prev))

	finished := false
	defer func() {
		if finished {
			return
		}
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("sync aborted")
		}
		c.setStatus(statusError(prev, cause))
	}()

	totalStart := c.stages.start()
	logger.Debug("sync cycle started", "network", c.network.State().String())

	kinds := []string{recordsync.KindViolation, recordsync.KindAttendance}
	results := make([]KindResult, len(kinds))
	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			results[i] = c.syncKind(ctx, logger, subject, kind, force, start)
			return nil
		})
	}
	_ = g.Wait()
	result.Kinds = results
	for _, kr := range results {
		if kr.LocalFailure {
			result.StoreFailure = true
		}
	}

	if c.network.Available() {
		drainStart := c.stages.start()
		sent, dropped, remaining, err := c.drain(ctx, logger)
		c.stages.observe(ctx, MetricsOpAck, MetricsStageDrain, drainStart, sent, err != nil)
		result.AcksSent, result.AcksDropped, result.AcksPending, result.DrainErr = sent, dropped, remaining, err
	} else if n, err := c.pending.Count(ctx); err == nil {
		result.AcksPending = n
	}

	if err := result.Err(); err != nil {
		logger.Warn("sync cycle failed", "error", err, "acks_sent", result.AcksSent, "acks_pending", result.AcksPending)
		c.setStatus(statusError(prev, err))
	} else {
		logger.Info("sync cycle completed",
			"violations", result.Kinds[0].Fetched,
			"attendance", result.Kinds[1].Fetched,
			"cached", result.Kinds[0].Skipped && result.Kinds[1].Skipped,
			"acks_sent", result.AcksSent,
			"acks_pending", result.AcksPending)
		at := start
		if result.Kinds[0].Skipped && result.Kinds[1].Skipped {
			at = prev.LastSyncTime
		}
		c.setStatus(statusSuccess(at))
		c.scheduleAssetRefresh(subject)
	}
	finished = true
	c.stages.observe(ctx, MetricsOpSync, MetricsStageTotal, totalStart, result.Kinds[0].Fetched+result.Kinds[1].Fetched, !result.OK())

	c.statusMu.Lock()
	r := result
	c.last = &r
	c.statusMu.Unlock()
	return result
}

func (c *Coordinator) syncKind(ctx context.Context, logger *slog.Logger, subject, kind string, force bool, start time.Time) KindResult {
	kr := KindResult{Kind: kind}

	if !force {
		fresh, err := c.store.IsFresh(ctx, kind, subject, start, c.cfg.CacheTTL)
		if err != nil {
			kr.Err = fmt.Errorf("failed to check %s cache: %w", kind, err)
			kr.LocalFailure = true
			return kr
		}
		if fresh {
			kr.Skipped = true
			return kr
		}
	}

	if c.network.State() == NetworkUnavailable {
		kr.Err = fmt.Errorf("%s: %w", kind, ErrOffline)
		return kr
	}

	var since int64
	if !force {
		last, ok, err := c.store.LastSync(ctx, kind, subject)
		if err != nil {
			kr.Err = err
			kr.LocalFailure = true
			return kr
		}
		if ok {
			since = last.UnixMilli()
		}
	}
	kr.Delta = since > 0

	limit := 0
	if since == 0 {
		limit = c.cfg.FullFetchLimit
		if limit <= 0 || limit > recordsync.MaxPageSize {
			limit = recordsync.MaxPageSize
		}
	}

	fetchStart := c.stages.start()
	records, err := c.fetch(ctx, kind, subject, since, limit, start)
	stage := MetricsStageFetchViolations
	if kind == recordsync.KindAttendance {
		stage = MetricsStageFetchAttendance
	}
	c.stages.observe(ctx, MetricsOpSync, stage, fetchStart, len(records), err != nil)
	if err != nil {
		kr.Err = fmt.Errorf("failed to fetch %s: %w", kind, err)
		return kr
	}
	kr.Fetched = len(records)

	storeStart := c.stages.start()
	if force {
		err = c.store.ReplaceForSubject(ctx, kind, subject, records)
	} else {
		err = c.store.Upsert(ctx, records)
	}
	if err == nil {
		err = c.store.SetLastSync(ctx, kind, subject, start, since == 0)
	}
	c.stages.observe(ctx, MetricsOpSync, MetricsStageStore, storeStart, len(records), err != nil)
	if err != nil {
		kr.Err = fmt.Errorf("failed to store %s: %w", kind, err)
		kr.LocalFailure = true
		return kr
	}

	logger.Debug("kind synced", "kind", kind, "delta", kr.Delta, "since", since, "fetched", kr.Fetched)
	return kr
}

func (c *Coordinator) fetch(ctx context.Context, kind, subject string, since int64, limit int, syncedAt time.Time) ([]Record, error) {
	fctx, cancel := withOptionalTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var out []Record
	switch kind {
	case recordsync.KindViolation:
		items, err := c.remote.FetchViolations(fctx, subject, since, limit)
		if err != nil {
			return nil, err
		}
		out = make([]Record, 0, len(items))
		for _, v := range items {
			r, err := RecordFromViolation(v, syncedAt)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			out = append(out, r)
		}
	case recordsync.KindAttendance:
		items, err := c.remote.FetchAttendance(fctx, subject, since, limit)
		if err != nil {
			return nil, err
		}
		out = make([]Record, 0, len(items))
		for _, a := range items {
			r, err := RecordFromAttendance(a, syncedAt)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			out = append(out, r)
		}
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	for i := range out {
		if out[i].SubjectKey == "" {
			out[i].SubjectKey = subject
		}
	}
	return out, nil
}

// drain makes one delivery attempt per pending acknowledgment
func (c *Coordinator) drain(ctx context.Context, logger *slog.Logger) (sent, dropped, remaining int, err error) {
	entries, err := c.pending.Pending(ctx)
	if err != nil {
		return 0, 0, 0, err
	}

	for i, p := range entries {
		if ctx.Err() != nil {
			return sent, dropped, remaining + len(entries) - i, ctx.Err()
		}

		actx, cancel := withOptionalTimeout(ctx, c.cfg.AckTimeout)
		ackErr := c.remote.Acknowledge(actx, p.RecordID)
		cancel()

		switch {
		case ackErr == nil:
			if err := c.pending.Complete(ctx, p, c.now()); err != nil {
				logger.Error("failed to resolve acknowledgment", "id", p.RecordID, "error", err)
				remaining++
				continue
			}
			sent++
		case errors.Is(ackErr, ErrNotFound):
			logger.Warn("record no longer exists remotely, dropping acknowledgment", "id", p.RecordID)
			if err := c.pending.Complete(ctx, p, c.now()); err != nil {
				logger.Error("failed to drop acknowledgment", "id", p.RecordID, "error", err)
				remaining++
				continue
			}
			dropped++
		case ctx.Err() != nil:
			// interrupted, not a delivery failure
			return sent, dropped, remaining + len(entries) - i, ctx.Err()
		default:
			logger.Warn("acknowledgment delivery failed", "id", p.RecordID, "attempt", p.Attempts+1, "error", ackErr)
			if err := c.pending.RecordFailure(ctx, p.RecordID, ackErr); err != nil {
				logger.Error("failed to record acknowledgment failure", "id", p.RecordID, "error", err)
			}
			if c.cfg.MaxAckAttempts > 0 && p.Attempts+1 >= c.cfg.MaxAckAttempts {
				logger.Warn("acknowledgment attempts exhausted, dropping", "id", p.RecordID, "attempts", p.Attempts+1)
				if err := c.pending.Complete(ctx, p, c.now()); err == nil {
					dropped++
					continue
				}
			}
			remaining++
		}
	}
	return sent, dropped, remaining, nil
}

func (c *Coordinator) scheduleAssetRefresh(subject string) {
	if c.assets == nil || !c.network.Available() {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx := c.bgCtx
		start := c.stages.start()

		subjects := []string{subject}
		recent, err := c.store.RecentSubjects(ctx, recordsync.KindViolation, c.cfg.RecentAssetSubjects)
		if err != nil {
			c.logger.Warn("failed to list recent subjects", "error", err)
		}
		for _, s := range recent {
			if s != subject {
				subjects = append(subjects, s)
			}
		}

		refreshed := 0
		for _, s := range subjects {
			if ctx.Err() != nil {
				return
			}
			if a, err := c.assets.lookup(ctx, s); err == nil && a != nil && a.Valid && !a.Stale && fileExists(a.Path) {
				continue
			}
			if c.assets.Refresh(ctx, s) {
				refreshed++
			}
		}
		c.stages.observe(ctx, MetricsOpAsset, MetricsStageAssetRefresh, start, refreshed, false)
	}()
}

// Status returns a snapshot of the current status
func (c *Coordinator) Status() SyncStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// LastResult returns the outcome of the most recent completed cycle
func (c *Coordinator) LastResult() (SyncResult, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if c.last == nil {
		return SyncResult{}, false
	}
	return *c.last, true
}

// ResetStatus clears an error banner back to Idle. A running cycle is not affected.
func (c *Coordinator) ResetStatus() {
	cur := c.Status()
	if cur.State == StateSyncing {
		return
	}
	c.setStatus(SyncStatus{State: StateIdle, LastSyncTime: cur.LastSyncTime})
}

// WatchStatus delivers status transitions. Each watcher holds only the latest
// status; intermediate values may be skipped.
func (c *Coordinator) WatchStatus() (<-chan SyncStatus, func()) {
	ch := make(chan SyncStatus, 1)
	c.statusMu.Lock()
	c.watchers[ch] = struct{}{}
	c.statusMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.statusMu.Lock()
			delete(c.watchers, ch)
			c.statusMu.Unlock()
			close(ch)
		})
	}
}

func (c *Coordinator) setStatus(s SyncStatus) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = s
	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// restoreStatus seeds LastSyncTime from persisted metadata
func (c *Coordinator) restoreStatus(ctx context.Context) error {
	var latest time.Time
	for _, kind := range []string{recordsync.KindViolation, recordsync.KindAttendance} {
		t, ok, err := c.store.LastSync(ctx, kind, c.cfg.Subject)
		if err != nil {
			return err
		}
		if ok && t.After(latest) {
			latest = t
		}
	}
	c.statusMu.Lock()
	c.status.LastSyncTime = latest
	c.statusMu.Unlock()
	return nil
}

// Wait blocks until background asset refreshes finish
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// Close cancels background work and waits for it
func (c *Coordinator) Close() {
	c.bgCancel()
	c.bg.Wait()
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
