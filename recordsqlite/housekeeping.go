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

	"github.com/robfig/cron/v3"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// HousekeepingReport summarizes one pruning run
type HousekeepingReport struct {
	Violations int64
	Attendance int64
	Assets     int
}

// Housekeeper prunes old records and images on a cron schedule
type Housekeeper struct {
	store  *Store
	assets *AssetCache // optional
	cfg    *Config
	now    func() time.Time
	logger *slog.Logger
	stages *stageObserver

	mu   sync.Mutex
	cron *cron.Cron
}

// NewHousekeeper creates a stopped housekeeper
func NewHousekeeper(cfg *Config, store *Store, assets *AssetCache, logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Housekeeper{
		store:  store,
		assets: assets,
		cfg:    cfg,
		now:    now,
		logger: logger,
		stages: &stageObserver{recorder: cfg.StageMetrics, logTimes: cfg.LogStageTimings, logger: logger},
	}
}

// RunOnce prunes records past their retention and evicts old images.
// Rows with pending local changes are never pruned.
func (h *Housekeeper) RunOnce(ctx context.Context) (HousekeepingReport, error) {
	var report HousekeepingReport
	now := h.now()

	start := h.stages.start()
	var errs []error
	if h.cfg.ViolationRetention > 0 {
		n, err := h.store.PruneOlderThan(ctx, recordsync.KindViolation, "", now.Add(-h.cfg.ViolationRetention))
		if err != nil {
			errs = append(errs, err)
		}
		report.Violations = n
	}
	if h.cfg.AttendanceRetention > 0 {
		n, err := h.store.PruneOlderThan(ctx, recordsync.KindAttendance, "", now.Add(-h.cfg.AttendanceRetention))
		if err != nil {
			errs = append(errs, err)
		}
		report.Attendance = n
	}
	h.stages.observe(ctx, MetricsOpPrune, MetricsStagePruneRecords, start, int(report.Violations+report.Attendance), len(errs) > 0)

	if h.assets != nil && h.cfg.AssetRetention > 0 {
		start = h.stages.start()
		n, err := h.assets.EvictOlderThan(ctx, h.cfg.AssetRetention)
		if err != nil {
			errs = append(errs, err)
		}
		report.Assets = n
		h.stages.observe(ctx, MetricsOpPrune, MetricsStageEvictAssets, start, n, err != nil)
	}

	if err := errors.Join(errs...); err != nil {
		return report, fmt.Errorf("housekeeping failed: %w", err)
	}
	h.logger.Info("housekeeping completed",
		"violations_pruned", report.Violations,
		"attendance_pruned", report.Attendance,
		"assets_evicted", report.Assets)
	return report, nil
}

// Start schedules RunOnce using the configured cron spec
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		return nil
	}
	spec := h.cfg.HousekeepingSchedule
	if spec == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := h.RunOnce(ctx); err != nil {
			h.logger.Error("scheduled housekeeping failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", spec, err)
	}
	c.Start()
	h.cron = c
	return nil
}

// Stop halts the schedule and waits for a running job
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
