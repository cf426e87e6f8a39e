// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports recordsqlite stage timings to Prometheus.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Bascode-040612V1/recordsync/recordsqlite"
)

// Recorder implements recordsqlite.StageMetricsRecorder
type Recorder struct {
	durations *prometheus.HistogramVec
	items     *prometheus.CounterVec
}

var _ recordsqlite.StageMetricsRecorder = (*Recorder)(nil)

// NewRecorder registers the collectors on reg (prometheus.DefaultRegisterer when nil)
func NewRecorder(reg prometheus.Registerer, namespace string) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of sync engine stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"op", "stage", "error"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_items_total",
			Help:      "Items processed by sync engine stages.",
		}, []string{"op", "stage"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.items} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveStage records one stage timing
func (r *Recorder) ObserveStage(_ context.Context, timing recordsqlite.StageTiming) {
	r.durations.WithLabelValues(timing.Operation, timing.Stage, strconv.FormatBool(timing.Error)).
		Observe(timing.Duration.Seconds())
	if timing.Count > 0 {
		r.items.WithLabelValues(timing.Operation, timing.Stage).Add(float64(timing.Count))
	}
}
