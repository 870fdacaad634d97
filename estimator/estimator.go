// Package estimator computes the memory a subtask's chunk graph will need
// to run: the peak amount held at any one instant, and the cumulative
// amount materialized over the whole run. It condenses the chunk DAG
// into an operand DAG (several chunks can share one producing operand)
// and walks that with a LIFO ready-stack so the estimate tracks a
// depth-first executor's working set rather than a breadth-first one.
package estimator

import (
	"fmt"
	"sort"

	"github.com/flowmesh/workercore/chunkgraph"
	"github.com/flowmesh/workercore/dag"
)

// Result is the outcome of estimating a chunk graph.
type Result struct {
	// TotalCost is the sum of every operand's calc cost over the run —
	// how much memory was allocated in total, counting reuse.
	TotalCost int64
	// PeakCost is the highest instantaneous memory footprint observed.
	PeakCost int64
}

// Estimate walks g and produces a Result. It returns an error if any
// ComputeOperand in g has a nil EstimateSize function.
func Estimate(g *chunkgraph.Graph) (*Result, error) {
	opGraph, ops := condense(g)
	refCount := chunkRefCounts(g)
	resultKeys := make(map[string]struct{}, len(g.ResultChunks()))
	for _, c := range g.ResultChunks() {
		resultKeys[c.Key] = struct{}{}
	}

	sizeCtx := make(chunkgraph.SizeContext)
	var cur, total, peak int64

	for _, opKey := range opGraph.TopologicalOrderLIFO() {
		op := ops[opKey]

		calc, err := accountForOperand(sizeCtx, op)
		if err != nil {
			return nil, err
		}

		cur += calc
		if cur > peak {
			peak = cur
		}
		total += calc

		var storeSum int64
		for _, out := range op.Outputs() {
			storeSum += sizeCtx[out.Key].StoreSize
		}
		cur += storeSum - calc

		for _, in := range opInputs(g, op) {
			refCount[in.Key]--
			if refCount[in.Key] > 0 {
				continue
			}
			if _, isResult := resultKeys[in.Key]; isResult {
				continue
			}
			cur -= releaseAmount(sizeCtx, in)
		}
	}

	return &Result{TotalCost: total, PeakCost: peak}, nil
}

// accountForOperand populates sizeCtx for op's outputs and returns the
// in-flight calc cost incurred while op runs.
func accountForOperand(sizeCtx chunkgraph.SizeContext, op chunkgraph.Operand) (int64, error) {
	switch o := op.(type) {
	case *chunkgraph.FetchOperand:
		sizeCtx[o.Output.Key] = chunkgraph.SizeEntry{StoreSize: o.MemCost, CalcSize: o.MemCost}
		return o.MemCost, nil
	case *chunkgraph.FetchShuffleOperand:
		sizeCtx[o.Output.Key] = chunkgraph.SizeEntry{StoreSize: o.MemCost, CalcSize: o.MemCost}
		return o.MemCost, nil
	case *chunkgraph.ComputeOperand:
		if o.EstimateSize == nil {
			return 0, fmt.Errorf("estimator: operand %q has no EstimateSize function", o.Key())
		}
		if err := o.EstimateSize(sizeCtx, o); err != nil {
			return 0, fmt.Errorf("estimator: operand %q: %w", o.Key(), err)
		}
		var calc int64
		for _, out := range o.Outputs() {
			calc += sizeCtx[out.Key].CalcSize
		}
		return calc, nil
	default:
		return 0, fmt.Errorf("estimator: unknown operand kind for %q", op.Key())
	}
}

// releaseAmount picks the account a predecessor chunk's footprint is
// released from. Compute-produced chunks release their store size; a
// Fetch(Shuffle)-produced chunk's "calc slot" was set equal to its
// original memory cost rather than a real transient value, so releasing
// from either slot is equivalent there — the dispatch still follows the
// producing kind to keep the accounting legible as the source of each
// value rather than by coincidence of the numbers involved.
func releaseAmount(sizeCtx chunkgraph.SizeContext, c *chunkgraph.Chunk) int64 {
	entry := sizeCtx[c.Key]
	switch c.Op.Kind() {
	case chunkgraph.KindFetch, chunkgraph.KindFetchShuffle:
		return entry.CalcSize
	default:
		return entry.StoreSize
	}
}

// condense collapses g's chunk-level edges into an operand-level DAG:
// several chunks can share one producing operand, and the estimator
// only needs to visit each operand once.
func condense(g *chunkgraph.Graph) (*dag.Graph[string], map[string]chunkgraph.Operand) {
	opGraph := dag.New[string]()
	ops := make(map[string]chunkgraph.Operand)
	for _, c := range g.Chunks() {
		opGraph.AddNode(c.Op.Key())
		ops[c.Op.Key()] = c.Op
	}
	for _, c := range g.Chunks() {
		for _, s := range g.Successors(c) {
			if c.Op.Key() != s.Op.Key() {
				opGraph.AddEdge(c.Op.Key(), s.Op.Key())
			}
		}
	}
	return opGraph, ops
}

// chunkRefCounts counts, per chunk key, the number of distinct downstream
// operands still depending on it. Several output chunks of one consuming
// operand collapse to a single reference, since that operand releases its
// inputs exactly once when it runs.
func chunkRefCounts(g *chunkgraph.Graph) map[string]int {
	refCount := make(map[string]int, len(g.Chunks()))
	for _, c := range g.Chunks() {
		seen := make(map[string]struct{})
		for _, s := range g.Successors(c) {
			seen[s.Op.Key()] = struct{}{}
		}
		refCount[c.Key] = len(seen)
	}
	return refCount
}

// opInputs returns the chunks op consumes: the chunk-graph predecessors
// of any of op's own outputs, deduplicated and ordered deterministically.
func opInputs(g *chunkgraph.Graph, op chunkgraph.Operand) []*chunkgraph.Chunk {
	seen := make(map[string]*chunkgraph.Chunk)
	for _, out := range op.Outputs() {
		for _, pred := range g.Predecessors(out) {
			seen[pred.Key] = pred
		}
	}
	ins := make([]*chunkgraph.Chunk, 0, len(seen))
	for _, c := range seen {
		ins = append(ins, c)
	}
	sort.Slice(ins, func(i, j int) bool { return ins[i].Key < ins[j].Key })
	return ins
}
