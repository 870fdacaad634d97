package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopologicalOrderRespectsEdges(t *testing.T) {
	g := New[string]()
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "d")

	order := g.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, k := range order {
		pos[k] = i
	}
	require.Less(t, pos["a"], pos["b"])
	require.Less(t, pos["a"], pos["c"])
	require.Less(t, pos["b"], pos["d"])
	require.Less(t, pos["c"], pos["d"])
}

func TestIndepAndCounts(t *testing.T) {
	g := New[string]()
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddNode("z")

	require.ElementsMatch(t, []string{"a", "z"}, g.Indep())
	require.Equal(t, 2, g.CountSuccessors("a"))
	require.Equal(t, 1, g.CountPredecessors("b"))
	require.Equal(t, 0, g.CountPredecessors("a"))
}
