package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Bascode-040612V1/recordsync/recordsqlite"
)

func TestRecorderObservesStages(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg, "recordsync")
	require.NoError(t, err)

	rec.ObserveStage(context.Background(), recordsqlite.StageTiming{
		Operation: recordsqlite.MetricsOpSync,
		Stage:     recordsqlite.MetricsStageFetchViolations,
		Duration:  20 * time.Millisecond,
		Count:     3,
	})
	rec.ObserveStage(context.Background(), recordsqlite.StageTiming{
		Operation: recordsqlite.MetricsOpSync,
		Stage:     recordsqlite.MetricsStageFetchViolations,
		Duration:  5 * time.Millisecond,
		Count:     2,
		Error:     true,
	})

	require.Equal(t, 5.0, testutil.ToFloat64(rec.items.WithLabelValues("sync", "fetch_violations")))
	require.Equal(t, 2, testutil.CollectAndCount(rec.durations))
}

func TestRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg, "recordsync")
	require.NoError(t, err)

	_, err = NewRecorder(reg, "recordsync")
	require.Error(t, err)
}
