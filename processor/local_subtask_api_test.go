package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workercore/chunkgraph"
	"github.com/flowmesh/workercore/memadapters"
	"github.com/flowmesh/workercore/subtask"
)

func TestLocalSubtaskAPIRunsToCompletion(t *testing.T) {
	g := buildGraph(func(ctx context.Context, ds chunkgraph.DataStore, op *chunkgraph.ComputeOperand) error {
		in, _ := ds.Get("a")
		ds.Set("b", append(in.([]byte), []byte("-done")...))
		return nil
	})
	st := buildSubtask(g)

	storageBacking := memadapters.NewInMemoryStorage(nil)
	_, err := storageBacking.Put(context.Background(), "a", []byte("input"))
	require.NoError(t, err)

	api := NewLocalSubtaskAPI(Deps{
		Storage:    storageBacking,
		Meta:       memadapters.NewInMemoryMeta(),
		WorkerMeta: memadapters.NewInMemoryMeta(),
		Task:       memadapters.NewInMemoryTaskAPI(),
	})

	result, err := api.RunSubtaskInSlot(context.Background(), st.Band, 0, st)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusSucceeded, result.Status)
}

func TestLocalSubtaskAPIThreadsUpdateMetaChunks(t *testing.T) {
	g := buildGraph(func(ctx context.Context, ds chunkgraph.DataStore, op *chunkgraph.ComputeOperand) error {
		in, _ := ds.Get("a")
		ds.Set("b", append(in.([]byte), []byte("-done")...))
		return nil
	})
	st := buildSubtask(g)
	st.UpdateMetaChunks = map[string]struct{}{"b": {}}

	storageBacking := memadapters.NewInMemoryStorage(nil)
	_, err := storageBacking.Put(context.Background(), "a", []byte("input"))
	require.NoError(t, err)

	workerMeta := memadapters.NewInMemoryMeta()
	api := NewLocalSubtaskAPI(Deps{
		Storage:    storageBacking,
		Meta:       memadapters.NewInMemoryMeta(),
		WorkerMeta: workerMeta,
		Task:       memadapters.NewInMemoryTaskAPI(),
	})

	result, err := api.RunSubtaskInSlot(context.Background(), st.Band, 0, st)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusSucceeded, result.Status)

	_, ok := workerMeta.Entry("b")
	require.True(t, ok)
}

func TestLocalSubtaskAPICancelStopsRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	g := buildGraph(func(ctx context.Context, ds chunkgraph.DataStore, op *chunkgraph.ComputeOperand) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	st := buildSubtask(g)

	storageBacking := memadapters.NewInMemoryStorage(nil)
	_, err := storageBacking.Put(context.Background(), "a", []byte("input"))
	require.NoError(t, err)

	api := NewLocalSubtaskAPI(Deps{
		Storage:    storageBacking,
		Meta:       memadapters.NewInMemoryMeta(),
		WorkerMeta: memadapters.NewInMemoryMeta(),
		Task:       memadapters.NewInMemoryTaskAPI(),
	})

	resultCh := make(chan *subtask.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, runErr := api.RunSubtaskInSlot(context.Background(), st.Band, 1, st)
		resultCh <- res
		errCh <- runErr
	}()

	<-started
	require.NoError(t, api.CancelSubtaskInSlot(context.Background(), st.Band, 1))
	close(release)

	select {
	case res := <-resultCh:
		require.Equal(t, subtask.StatusCancelled, res.Status)
		require.Error(t, <-errCh)
	case <-time.After(time.Second):
		t.Fatal("expected cancellation to unblock the run")
	}
}
