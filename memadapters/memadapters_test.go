package memadapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workercore/adapters"
	"github.com/flowmesh/workercore/subtask"
)

func TestInMemoryStoragePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage(func(v any) (int64, int64) { return 10, 20 })

	res, err := s.Put(ctx, "a", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(10), res.StoreSize)
	require.Equal(t, int64(20), res.MemorySize)
	require.NotEmpty(t, res.ObjectID)

	v, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)

	infos, err := s.GetInfos(ctx, "a")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.True(t, infos[0].Level.Has(adapters.StorageLevelMemory))

	require.NoError(t, s.Delete(ctx, "a", false))
	_, err = s.Get(ctx, "a", false)
	require.Error(t, err)

	v, err = s.Get(ctx, "missing", true)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestInMemoryMetaExcludesObjectRefWhenAsked(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryMeta()

	err := m.SetChunkMeta(ctx, "b", adapters.ChunkMetaFields{MemorySize: 250, StoreSize: 150, ObjectRef: "obj-B"}, adapters.SetChunkMetaOptions{ExcludeObjectRef: true})
	require.NoError(t, err)

	got, err := m.GetChunkMeta(ctx, "b", nil)
	require.NoError(t, err)
	require.Empty(t, got.ObjectRef)
	require.Equal(t, int64(250), got.MemorySize)
}

func TestInMemoryTaskAPIRecordsResults(t *testing.T) {
	ctx := context.Background()
	api := NewInMemoryTaskAPI()

	r1 := &subtask.Result{SubtaskID: "s1", Status: subtask.StatusRunning}
	r2 := &subtask.Result{SubtaskID: "s1", Status: subtask.StatusSucceeded}
	require.NoError(t, api.SetSubtaskResult(ctx, r1))
	require.NoError(t, api.SetSubtaskResult(ctx, r2))

	require.Len(t, api.Results(), 2)
	require.Equal(t, subtask.StatusSucceeded, api.Last().Status)
}

func TestFuncSubtaskAPIDelegates(t *testing.T) {
	ctx := context.Background()
	called := false
	api := &FuncSubtaskAPI{
		RunFunc: func(ctx context.Context, band subtask.Band, slotID int, st *subtask.Subtask) (*subtask.Result, error) {
			called = true
			return subtask.NewResult(st), nil
		},
	}
	st := &subtask.Subtask{ID: "s1", Band: subtask.Band{Worker: "w1", Name: "numa-0"}}
	res, err := api.RunSubtaskInSlot(ctx, st.Band, 7, st)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "s1", res.SubtaskID)

	require.NoError(t, api.CancelSubtaskInSlot(ctx, st.Band, 7))
}
