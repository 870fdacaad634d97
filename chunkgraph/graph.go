package chunkgraph

import "github.com/flowmesh/workercore/dag"

// Graph is a chunk DAG: a dag.Graph[string] keyed by chunk key, plus the
// chunk payload for each key and the set of chunks declared as the
// subtask's results.
type Graph struct {
	g            *dag.Graph[string]
	chunks       map[string]*Chunk
	resultChunks []*Chunk
}

// NewGraph creates an empty chunk graph.
func NewGraph() *Graph {
	return &Graph{g: dag.New[string](), chunks: make(map[string]*Chunk)}
}

// AddChunk registers c. Safe to call more than once for the same chunk.
func (g *Graph) AddChunk(c *Chunk) {
	g.g.AddNode(c.Key)
	g.chunks[c.Key] = c
}

// AddEdge records that from must be computed before to.
func (g *Graph) AddEdge(from, to *Chunk) {
	g.AddChunk(from)
	g.AddChunk(to)
	g.g.AddEdge(from.Key, to.Key)
}

// Chunk looks up a chunk by key.
func (g *Graph) Chunk(key string) (*Chunk, bool) {
	c, ok := g.chunks[key]
	return c, ok
}

// Chunks returns every chunk in insertion order.
func (g *Graph) Chunks() []*Chunk {
	keys := g.g.Nodes()
	out := make([]*Chunk, len(keys))
	for i, k := range keys {
		out[i] = g.chunks[k]
	}
	return out
}

// TopologicalOrder returns the chunks in a topological order.
func (g *Graph) TopologicalOrder() []*Chunk {
	keys := g.g.TopologicalOrder()
	out := make([]*Chunk, len(keys))
	for i, k := range keys {
		out[i] = g.chunks[k]
	}
	return out
}

// IndependentChunks returns the chunks with no predecessors.
func (g *Graph) IndependentChunks() []*Chunk {
	keys := g.g.Indep()
	out := make([]*Chunk, len(keys))
	for i, k := range keys {
		out[i] = g.chunks[k]
	}
	return out
}

// Successors returns c's direct successor chunks.
func (g *Graph) Successors(c *Chunk) []*Chunk {
	keys := g.g.Successors(c.Key)
	out := make([]*Chunk, len(keys))
	for i, k := range keys {
		out[i] = g.chunks[k]
	}
	return out
}

// Predecessors returns c's direct predecessor chunks.
func (g *Graph) Predecessors(c *Chunk) []*Chunk {
	keys := g.g.Predecessors(c.Key)
	out := make([]*Chunk, len(keys))
	for i, k := range keys {
		out[i] = g.chunks[k]
	}
	return out
}

// CountSuccessors returns the number of direct successors of c.
func (g *Graph) CountSuccessors(c *Chunk) int { return g.g.CountSuccessors(c.Key) }

// CountPredecessors returns the number of direct predecessors of c.
func (g *Graph) CountPredecessors(c *Chunk) int { return g.g.CountPredecessors(c.Key) }

// SetResultChunks declares which chunks are the subtask's outputs.
func (g *Graph) SetResultChunks(cs []*Chunk) { g.resultChunks = cs }

// ResultChunks returns the subtask's declared output chunks.
func (g *Graph) ResultChunks() []*Chunk { return g.resultChunks }
