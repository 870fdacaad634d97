package estimator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workercore/chunkgraph"
)

func buildChain(t *testing.T, fetchMem, computeCalc, computeStore int64) *chunkgraph.Graph {
	t.Helper()
	g := chunkgraph.NewGraph()

	a := &chunkgraph.Chunk{Key: "a"}
	a.Op = &chunkgraph.FetchOperand{OpKey: "op-a", Output: a, MemCost: fetchMem}
	g.AddChunk(a)

	b := &chunkgraph.Chunk{Key: "b"}
	b.Op = &chunkgraph.ComputeOperand{
		OpKey:       "op-b",
		OutputsList: []*chunkgraph.Chunk{b},
		EstimateSize: func(ctx chunkgraph.SizeContext, op *chunkgraph.ComputeOperand) error {
			ctx[b.Key] = chunkgraph.SizeEntry{StoreSize: computeStore, CalcSize: computeCalc}
			return nil
		},
	}
	g.AddEdge(a, b)
	g.SetResultChunks([]*chunkgraph.Chunk{b})
	return g
}

func TestEstimateHappyPathChain(t *testing.T) {
	g := buildChain(t, 100, 80, 50)

	res, err := Estimate(g)
	require.NoError(t, err)
	require.Equal(t, int64(180), res.TotalCost)
	require.Equal(t, int64(180), res.PeakCost)
}

func TestEstimateDoublingInputsAtLeastDoublesPeak(t *testing.T) {
	base := buildChain(t, 100, 80, 50)
	baseRes, err := Estimate(base)
	require.NoError(t, err)

	doubled := buildChain(t, 200, 160, 100)
	doubledRes, err := Estimate(doubled)
	require.NoError(t, err)

	require.GreaterOrEqual(t, doubledRes.PeakCost, 2*baseRes.PeakCost)
}

func TestEstimateMissingEstimateSizeErrors(t *testing.T) {
	g := chunkgraph.NewGraph()
	b := &chunkgraph.Chunk{Key: "b"}
	b.Op = &chunkgraph.ComputeOperand{OpKey: "op-b", OutputsList: []*chunkgraph.Chunk{b}}
	g.AddChunk(b)

	_, err := Estimate(g)
	require.Error(t, err)
}

func TestEstimateSharedOperandAcrossChunks(t *testing.T) {
	g := chunkgraph.NewGraph()

	a := &chunkgraph.Chunk{Key: "a"}
	a.Op = &chunkgraph.FetchOperand{OpKey: "op-a", Output: a, MemCost: 10}
	g.AddChunk(a)

	b1 := &chunkgraph.Chunk{Key: "b1"}
	b2 := &chunkgraph.Chunk{Key: "b2"}
	shared := &chunkgraph.ComputeOperand{
		OpKey:       "op-b",
		OutputsList: []*chunkgraph.Chunk{b1, b2},
		EstimateSize: func(ctx chunkgraph.SizeContext, op *chunkgraph.ComputeOperand) error {
			ctx[b1.Key] = chunkgraph.SizeEntry{StoreSize: 5, CalcSize: 20}
			ctx[b2.Key] = chunkgraph.SizeEntry{StoreSize: 5, CalcSize: 20}
			return nil
		},
	}
	b1.Op = shared
	b2.Op = shared
	g.AddEdge(a, b1)
	g.AddEdge(a, b2)
	g.SetResultChunks([]*chunkgraph.Chunk{b1, b2})

	res, err := Estimate(g)
	require.NoError(t, err)
	require.Equal(t, int64(50), res.TotalCost)
	require.Equal(t, int64(50), res.PeakCost)
}
