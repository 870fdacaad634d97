package transport_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workercore/chunkgraph"
	"github.com/flowmesh/workercore/subtask"
	"github.com/flowmesh/workercore/transport"
)

func TestHTTPTaskAPIRoundTripsResult(t *testing.T) {
	var received transport.WireResult
	srv := transport.NewServer(func(ctx context.Context, w transport.WireResult) error {
		received = w
		return nil
	}, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := transport.NewHTTPTaskAPI(ts.URL)
	result := &subtask.Result{SubtaskID: "s1", Status: subtask.StatusSucceeded, DataSize: 42}

	err := client.SetSubtaskResult(context.Background(), result)
	require.NoError(t, err)
	require.Equal(t, "s1", received.SubtaskID)
	require.Equal(t, int64(42), received.DataSize)
	require.Equal(t, "succeeded", received.Status)
}

func TestHTTPTaskAPIPropagatesHandlerError(t *testing.T) {
	srv := transport.NewServer(func(ctx context.Context, w transport.WireResult) error {
		return context.DeadlineExceeded
	}, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := transport.NewHTTPTaskAPI(ts.URL)
	err := client.SetSubtaskResult(context.Background(), &subtask.Result{SubtaskID: "s1"})
	require.Error(t, err)
}

func TestWireSubtaskToSubtaskBuildsFetchGraph(t *testing.T) {
	wire := transport.WireSubtask{
		ID:        "st-1",
		SessionID: "sess-1",
		Retryable: true,
		MaxRetry:  2,
		Chunks: []transport.WireChunk{
			{Key: "a", Kind: "fetch"},
			{Key: "b", Kind: "fetch_shuffle", MapperKeys: []string{"b-0", "b-1"}},
		},
		Edges:      [][2]string{{"a", "b"}},
		ResultKeys: []string{"b"},
	}

	band := subtask.Band{Worker: "worker-0", Name: "numa-0"}
	st, err := wire.ToSubtask(band)
	require.NoError(t, err)
	require.Equal(t, "st-1", st.ID)
	require.Equal(t, band, st.Band)
	require.Len(t, st.ChunkGraph.Chunks(), 2)
	require.Equal(t, []string{"b"}, chunkKeys(st.ChunkGraph.ResultChunks()))
}

func TestWireSubtaskToSubtaskRejectsUnknownResultKey(t *testing.T) {
	wire := transport.WireSubtask{
		ID:         "st-1",
		Chunks:     []transport.WireChunk{{Key: "a", Kind: "fetch"}},
		ResultKeys: []string{"missing"},
	}

	_, err := wire.ToSubtask(subtask.Band{Worker: "worker-0", Name: "numa-0"})
	require.Error(t, err)
}

func chunkKeys(cs []*chunkgraph.Chunk) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Key
	}
	return out
}
