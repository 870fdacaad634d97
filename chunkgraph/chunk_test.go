package chunkgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapperKeyRoundTrip(t *testing.T) {
	k := MapperKey("shuffle-1", 3)
	require.True(t, IsMapperKey(k))
	require.False(t, IsMapperKey("plain-key"))
}

func TestChunkKeyToDataKeys(t *testing.T) {
	g := NewGraph()
	a := &Chunk{Key: "a"}
	a.Op = &FetchOperand{OpKey: "op-a", Output: a}
	g.AddChunk(a)

	shuffleOut := &Chunk{Key: "s"}
	shuffleOut.Op = &FetchShuffleOperand{
		OpKey:      "op-s",
		Output:     shuffleOut,
		MapperKeys: []string{MapperKey("s", 0), MapperKey("s", 1)},
	}
	g.AddChunk(shuffleOut)

	out := ChunkKeyToDataKeys(g)
	require.Equal(t, []string{"a"}, out["a"])
	require.Equal(t, []string{MapperKey("s", 0), MapperKey("s", 1)}, out["s"])
}

func TestGraphTraversal(t *testing.T) {
	g := NewGraph()
	a := &Chunk{Key: "a"}
	b := &Chunk{Key: "b"}
	a.Op = &FetchOperand{OpKey: "op-a", Output: a}
	b.Op = &ComputeOperand{OpKey: "op-b", OutputsList: []*Chunk{b}}
	g.AddEdge(a, b)
	g.SetResultChunks([]*Chunk{b})

	require.Equal(t, []*Chunk{a}, g.IndependentChunks())
	require.Equal(t, []*Chunk{b}, g.Successors(a))
	require.Equal(t, []*Chunk{a}, g.Predecessors(b))
	require.Equal(t, 1, g.CountSuccessors(a))
	require.Equal(t, []*Chunk{b}, g.ResultChunks())
	require.Equal(t, []*Chunk{a, b}, g.TopologicalOrder())
}
