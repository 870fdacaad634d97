package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.SubmittedSubtasks.WithLabelValues("w1/numa-0").Inc()
	m.FinishedSubtasks.WithLabelValues("w1/numa-0", "succeeded").Inc()
	m.RunningSubtasks.WithLabelValues("w1/numa-0").Set(2)

	require.Equal(t, float64(1), testutil.ToFloat64(m.SubmittedSubtasks.WithLabelValues("w1/numa-0")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.FinishedSubtasks.WithLabelValues("w1/numa-0", "succeeded")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.RunningSubtasks.WithLabelValues("w1/numa-0")))
}

func TestNewDoesNotPanicOnDuplicateInstances(t *testing.T) {
	require.NotPanics(t, func() {
		New()
		New()
	})
}
