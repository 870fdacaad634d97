package subtask

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxRetriesRespectsRetryableFlag(t *testing.T) {
	st := &Subtask{Retryable: false, MaxRetry: 4}
	require.Equal(t, 0, st.MaxRetries())

	st.Retryable = true
	require.Equal(t, 4, st.MaxRetries())
}

func TestResultCloneIsIndependent(t *testing.T) {
	st := &Subtask{ID: "s1", Band: Band{Worker: "w1", Name: "numa-0"}}
	r := NewResult(st)
	cp := r.Clone()
	cp.Bands[0].Name = "numa-1"

	require.Equal(t, "numa-0", r.Bands[0].Name)
	require.Equal(t, StatusPending, r.Status)
}
