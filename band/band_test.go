package band

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workercore/adapters"
	"github.com/flowmesh/workercore/subtask"
)

func TestRefCacheResolvesOnceAndCaches(t *testing.T) {
	var calls int32
	c := NewRefCache(func(ctx context.Context, b subtask.Band) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "addr://" + b.Name, nil
	})

	b := subtask.Band{Worker: "w1", Name: "numa-0"}
	addr1, err := c.Get(context.Background(), b)
	require.NoError(t, err)
	addr2, err := c.Get(context.Background(), b)
	require.NoError(t, err)

	require.Equal(t, addr1, addr2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	c.InvalidateBand(b)
	_, err = c.Get(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSlotManagerAcquireReleaseAndRecovery(t *testing.T) {
	b := subtask.Band{Worker: "w1", Name: "numa-0"}
	m := NewInMemorySlotManager(b, 1)
	key := adapters.SlotKey{SessionID: "sess", SubtaskID: "s1"}

	slotID, err := m.AcquireFreeSlot(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 0, slotID)

	same, err := m.AcquireFreeSlot(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, slotID, same)

	_, err = m.AcquireFreeSlot(context.Background(), adapters.SlotKey{SessionID: "sess", SubtaskID: "s2"})
	require.Error(t, err)

	require.NoError(t, m.ReleaseFreeSlot(context.Background(), slotID, key))
	_, ok, err := m.GetSubtaskSlot(context.Background(), key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.KillSlot(context.Background(), slotID))
	require.True(t, m.WasKilled(slotID))
}

func TestQuotaManagerEnforcesBudget(t *testing.T) {
	q := NewInMemoryQuotaManager(100)

	require.NoError(t, q.RequestBatchQuota(context.Background(), map[string]int64{"a": 60}))
	require.Equal(t, int64(60), q.Used())

	err := q.RequestBatchQuota(context.Background(), map[string]int64{"b": 60})
	require.Error(t, err)

	require.NoError(t, q.ReleaseQuotas(context.Background(), []string{"a"}))
	require.Equal(t, int64(0), q.Used())
	require.NoError(t, q.RequestBatchQuota(context.Background(), map[string]int64{"b": 60}))
}
