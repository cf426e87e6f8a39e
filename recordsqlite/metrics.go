// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpSync  = "sync"
	MetricsOpAck   = "ack"
	MetricsOpAsset = "asset"
	MetricsOpPrune = "prune"

	MetricsStageTotal = "total"

	// Sync stages.
	MetricsStageFetchViolations = "fetch_violations"
	MetricsStageFetchAttendance = "fetch_attendance"
	MetricsStageStore           = "store"
	MetricsStageDrain           = "drain"

	// Asset stages.
	MetricsStageAssetRefresh = "refresh"

	// Housekeeping stages.
	MetricsStagePruneRecords = "records"
	MetricsStageEvictAssets  = "assets"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver forwards stage timings to a recorder and, optionally, the debug log
type stageObserver struct {
	recorder StageMetricsRecorder
	logTimes bool
	logger   *slog.Logger
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.logTimes)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() || o == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}

	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimes && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
