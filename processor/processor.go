// Package processor runs one subtask's chunk graph inside an already
// allocated slot: load inputs, execute op by op off the calling
// goroutine, unpin, store outputs, publish meta, and report progress
// periodically until done. The coordinator owns admission and retry;
// the processor only owns this pipeline.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/workercore/adapters"
	"github.com/flowmesh/workercore/chunkgraph"
	"github.com/flowmesh/workercore/subtask"
	"github.com/flowmesh/workercore/xerrors"
	"github.com/flowmesh/workercore/xlog"
)

// Optimizer rewrites a chunk graph before execution. The real optimizer
// lives outside this core; IdentityOptimizer stands in for it wherever
// no rewrite is needed.
type Optimizer interface {
	Optimize(g *chunkgraph.Graph) (*chunkgraph.Graph, error)
}

// IdentityOptimizer returns its input unchanged.
type IdentityOptimizer struct{}

func (IdentityOptimizer) Optimize(g *chunkgraph.Graph) (*chunkgraph.Graph, error) { return g, nil }

const (
	progressInterval = 500 * time.Millisecond
	progressEpsilon  = 0.001
)

// dataStore is a mutex-guarded key/value mapping of chunk values. The
// run's context.Context reaches a compute op's Execute as its own
// argument, not through the store.
type dataStore struct {
	mu     sync.Mutex
	values map[string]any
}

func newDataStore() *dataStore { return &dataStore{values: make(map[string]any)} }

func (d *dataStore) Get(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[key]
	return v, ok
}

func (d *dataStore) Set(key string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = value
}

func (d *dataStore) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.values, key)
}

func (d *dataStore) snapshotKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.values))
	for k := range d.values {
		out = append(out, k)
	}
	return out
}

// Deps are the processor's collaborators for one run.
type Deps struct {
	Storage    adapters.StorageAPI
	Meta       adapters.MetaAPI
	WorkerMeta adapters.WorkerMetaAPI
	Task       adapters.TaskAPI
	Optimizer  Optimizer
	Log        *xlog.Logger
}

// UpdateMetaChunks maps a raw (un-optimized) result chunk key to its
// optimized counterpart, the translation the result-chunk meta update requires.
type UpdateMetaChunks map[string]string

// updateMetaChunksFor translates a subtask's declared update-meta set
// into the identity UpdateMetaChunks Run expects. A nil set is passed
// through unchanged so Run/publishMeta's own nil default (all result
// chunks) applies.
func updateMetaChunksFor(st *subtask.Subtask) UpdateMetaChunks {
	if st.UpdateMetaChunks == nil {
		return nil
	}
	umc := make(UpdateMetaChunks, len(st.UpdateMetaChunks))
	for k := range st.UpdateMetaChunks {
		umc[k] = k
	}
	return umc
}

// Processor runs a single subtask's pipeline.
type Processor struct {
	deps Deps
	st   *subtask.Subtask
	log  *xlog.Logger

	opProgress   map[string]float64
	opProgressMu sync.Mutex
	chunkCount   int

	result   *subtask.Result
	resultMu sync.Mutex
}

// New builds a processor for st using deps. If deps.Optimizer is nil,
// IdentityOptimizer is used.
func New(st *subtask.Subtask, deps Deps) *Processor {
	if deps.Optimizer == nil {
		deps.Optimizer = IdentityOptimizer{}
	}
	if deps.Log == nil {
		deps.Log = xlog.Default()
	}
	return &Processor{
		deps:       deps,
		st:         st,
		log:        deps.Log.With("subtask_id", st.ID, "band", st.Band.Name),
		opProgress: make(map[string]float64),
		result:     subtask.NewResult(st),
	}
}

// Run executes the full load-execute-unpin-store-publish-done pipeline.
// It always returns a terminal *subtask.Result, never an error: failures
// and cancellation are captured into the result itself, mirroring the
// single-filler result-capture design the coordinator relies on.
func (p *Processor) Run(ctx context.Context, updateMetaChunks UpdateMetaChunks) *subtask.Result {
	p.log.Info("processor run starting", "chunk_count", len(p.st.ChunkGraph.Chunks()))
	p.setResult(func(r *subtask.Result) { r.Status = subtask.StatusRunning; r.StartTime = now() })

	reportDone := make(chan struct{})
	go p.reportProgressPeriodically(ctx, reportDone)
	defer func() {
		close(reportDone)
	}()

	ds := newDataStore()

	loadedKeys, err := p.loadInputData(ctx, ds)
	if err != nil {
		p.fail(err)
		p.unpinData(loadedKeys, ds)
		return p.done()
	}

	optimized, err := p.deps.Optimizer.Optimize(p.st.ChunkGraph)
	if err != nil {
		p.fail(err)
		p.unpinData(loadedKeys, ds)
		return p.done()
	}
	p.chunkCount = len(optimized.Chunks())

	execErr := p.executeGraph(ctx, optimized, ds)

	p.unpinData(loadedKeys, ds)

	if execErr != nil {
		p.fail(execErr)
		return p.done()
	}

	storedSizes, storeErr := p.storeData(ctx, optimized, ds)
	if storeErr != nil {
		p.fail(storeErr)
		return p.done()
	}

	if err := p.publishMeta(context.Background(), optimized, storedSizes, updateMetaChunks); err != nil {
		p.fail(err)
		return p.done()
	}

	var dataSize int64
	for _, s := range storedSizes {
		dataSize += s.MemorySize
	}
	p.setResult(func(r *subtask.Result) {
		r.Status = subtask.StatusSucceeded
		r.Bands = []subtask.Band{p.st.Band}
		r.DataSize = dataSize
		r.Progress = 1.0
	})

	return p.done()
}

// loadInputData enumerates Fetch/FetchShuffle input keys, fetches them
// in a batch, and populates ds. Shuffle misses are tolerated and simply
// left absent. Returns every key that was requested, for unpinData.
func (p *Processor) loadInputData(ctx context.Context, ds *dataStore) ([]string, error) {
	var keys []string
	for _, c := range p.st.ChunkGraph.Chunks() {
		switch op := c.Op.(type) {
		case *chunkgraph.FetchOperand:
			keys = append(keys, c.Key)
		case *chunkgraph.FetchShuffleOperand:
			keys = append(keys, op.MapperKeys...)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := p.deps.Storage.GetBatch(ctx, keys, true)
	if err != nil {
		return keys, fmt.Errorf("processor: load input data: %w", err)
	}
	for k, v := range values {
		if v == nil {
			continue
		}
		ds.Set(k, v)
	}
	return keys, nil
}

// executeGraph topologically walks g, running every chunk whose key
// isn't already present in ds (already satisfied by loadInputData).
func (p *Processor) executeGraph(ctx context.Context, g *chunkgraph.Graph, ds *dataStore) error {
	refCount := p.initRefCounts(g)

	for _, c := range g.TopologicalOrder() {
		if _, ok := ds.Get(c.Key); ok {
			continue
		}

		if err := ctx.Err(); err != nil {
			p.setResult(func(r *subtask.Result) { r.Status = subtask.StatusCancelled })
			return err
		}

		if err := p.executeOperand(ctx, c.Op, ds); err != nil {
			if xerrors.IsCancellation(err) {
				return err
			}
			return xerrors.NewExecutionError(c.Op.Key(), err)
		}

		for _, pred := range g.Predecessors(c) {
			refCount[pred.Key]--
			if refCount[pred.Key] <= 0 {
				ds.Delete(pred.Key)
			}
		}
	}
	return nil
}

// initRefCounts seeds one reference per declared result chunk, then
// adds one per successor edge.
func (p *Processor) initRefCounts(g *chunkgraph.Graph) map[string]int {
	refCount := make(map[string]int, len(g.Chunks()))
	for _, c := range g.ResultChunks() {
		refCount[c.Key]++
	}
	for _, c := range g.Chunks() {
		refCount[c.Key] += g.CountSuccessors(c)
	}
	return refCount
}

// executeOperand runs op on a dedicated goroutine so a cancellation
// observed via ctx can be raced against it without blocking the caller
// indefinitely. A compute already in flight is allowed to finish rather
// than being torn down mid-op.
func (p *Processor) executeOperand(ctx context.Context, op chunkgraph.Operand, ds *dataStore) error {
	compute, ok := op.(*chunkgraph.ComputeOperand)
	if !ok {
		return nil
	}

	p.setOpProgress(compute.Key(), 0.0)

	done := make(chan error, 1)
	go func() {
		done <- compute.Execute(ctx, ds, compute)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		p.setOpProgress(compute.Key(), 1.0)
		return nil
	case <-ctx.Done():
		err := <-done // the compute itself is not interruptible mid-op
		p.setResult(func(r *subtask.Result) { r.Status = subtask.StatusCancelled })
		if err != nil {
			return err
		}
		return ctx.Err()
	}
}

// unpinData unpins every key that was loaded. Shuffle mapper keys use
// error=ignore since their presence was already best-effort.
func (p *Processor) unpinData(keys []string, ds *dataStore) {
	if len(keys) == 0 {
		return
	}
	for _, k := range keys {
		ignore := chunkgraph.IsMapperKey(k)
		_ = p.deps.Storage.Unpin(context.Background(), k, ignore)
	}
}

type outputSize struct {
	StoreSize  int64
	MemorySize int64
	ObjectID   string
}

// storeData puts every produced, non-Fetch* output into storage in a
// batch and drops the datastore afterward.
func (p *Processor) storeData(ctx context.Context, g *chunkgraph.Graph, ds *dataStore) (map[string]outputSize, error) {
	toStore := make(map[string]any)
	for _, c := range g.Chunks() {
		switch c.Op.(type) {
		case *chunkgraph.FetchOperand, *chunkgraph.FetchShuffleOperand:
			continue
		}
		if v, ok := ds.Get(c.Key); ok {
			toStore[c.Key] = v
		}
	}

	out := make(map[string]outputSize, len(toStore))
	if len(toStore) > 0 {
		results, err := p.deps.Storage.PutBatch(ctx, toStore)
		if err != nil {
			if ctx.Err() != nil {
				p.setResult(func(r *subtask.Result) { r.Status = subtask.StatusCancelled })
			}
			return nil, fmt.Errorf("processor: store outputs: %w", err)
		}
		for k, r := range results {
			out[k] = outputSize{StoreSize: r.StoreSize, MemorySize: r.MemorySize, ObjectID: r.ObjectID}
		}
	}

	for _, k := range ds.snapshotKeys() {
		ds.Delete(k)
	}
	return out, nil
}

// publishMeta writes per-result-chunk metadata to WorkerMetaAPI (for
// chunks named in updateMetaChunks, excluding object_ref; a nil
// updateMetaChunks defaults to every result chunk) and always to the
// supervisor MetaAPI (including object_ref). Both writes run
// concurrently and are shielded from ctx so a publish never completes
// partially.
func (p *Processor) publishMeta(ctx context.Context, g *chunkgraph.Graph, sizes map[string]outputSize, updateMetaChunks UpdateMetaChunks) error {
	if updateMetaChunks == nil {
		updateMetaChunks = make(UpdateMetaChunks, len(g.ResultChunks()))
		for _, c := range g.ResultChunks() {
			updateMetaChunks[c.Key] = c.Key
		}
	}

	workerKeys := make(map[string]struct{}, len(updateMetaChunks))
	for _, optimizedKey := range updateMetaChunks {
		workerKeys[optimizedKey] = struct{}{}
	}

	dataKeys := chunkgraph.ChunkKeyToDataKeys(g)

	workerFields := make(map[string]adapters.ChunkMetaFields)
	basicFields := make(map[string]adapters.ChunkMetaFields)

	for _, c := range g.ResultChunks() {
		var store, mem int64
		var refs []string
		for _, dk := range dataKeys[c.Key] {
			s := sizes[dk]
			store += s.StoreSize
			mem += s.MemorySize
			if s.ObjectID != "" {
				refs = append(refs, s.ObjectID)
			}
		}
		objectRef := ""
		if len(refs) == 1 {
			objectRef = refs[0]
		} else if len(refs) > 1 {
			objectRef = fmt.Sprintf("%v", refs)
		}

		fields := adapters.ChunkMetaFields{
			MemorySize: mem,
			StoreSize:  store,
			Bands:      []subtask.Band{p.st.Band},
			ObjectRef:  objectRef,
		}
		basicFields[c.Key] = fields

		if _, ok := workerKeys[c.Key]; ok {
			workerFields[c.Key] = fields
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	if len(workerFields) > 0 && p.deps.WorkerMeta != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.deps.WorkerMeta.SetChunkMetaBatch(ctx, workerFields, adapters.SetChunkMetaOptions{ExcludeObjectRef: true}); err != nil {
				errs <- fmt.Errorf("processor: publish worker meta: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.deps.Meta.SetChunkMetaBatch(ctx, basicFields, adapters.SetChunkMetaOptions{}); err != nil {
			errs <- fmt.Errorf("processor: publish meta: %w", err)
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) setOpProgress(key string, v float64) {
	p.opProgressMu.Lock()
	defer p.opProgressMu.Unlock()
	p.opProgress[key] = v
}

func (p *Processor) currentProgress() float64 {
	p.opProgressMu.Lock()
	defer p.opProgressMu.Unlock()
	if p.chunkCount == 0 {
		return 0
	}
	var sum float64
	for _, v := range p.opProgress {
		sum += v
	}
	return sum / float64(p.chunkCount)
}

func (p *Processor) reportProgressPeriodically(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	var last float64
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := p.currentProgress()
			if cur-last < progressEpsilon && last-cur < progressEpsilon {
				continue
			}
			last = cur
			r := p.snapshotResult()
			if r.Status == subtask.StatusSucceeded || r.Status == subtask.StatusFailed || r.Status == subtask.StatusCancelled {
				return
			}
			_ = p.deps.Task.SetSubtaskResult(ctx, r)
		}
	}
}

func (p *Processor) fail(err error) {
	status := subtask.StatusFailed
	if xerrors.IsCancellation(err) {
		status = subtask.StatusCancelled
	}
	if status == subtask.StatusCancelled {
		p.log.Info("processor run cancelled")
	} else {
		p.log.Error("processor run failed", "error", err)
	}
	p.setResult(func(r *subtask.Result) {
		r.Status = status
		r.Error = err
		r.Progress = 1.0
	})
}

func (p *Processor) done() *subtask.Result {
	p.setResult(func(r *subtask.Result) { r.EndTime = now() })
	result := p.snapshotResult()
	if result.Status == subtask.StatusSucceeded {
		p.log.Info("processor run succeeded", "data_size", result.DataSize)
	}
	return result
}

func (p *Processor) setResult(mutate func(*subtask.Result)) {
	p.resultMu.Lock()
	defer p.resultMu.Unlock()
	mutate(p.result)
}

func (p *Processor) snapshotResult() *subtask.Result {
	p.resultMu.Lock()
	defer p.resultMu.Unlock()
	return p.result.Clone()
}

func now() time.Time { return time.Now() }

// LocalSubtaskAPI implements adapters.SubtaskAPI by running subtasks
// in-process through a Processor, one goroutine per slot. This is the
// single-binary answer to the worker-actor pattern the original runtime
// splits across separate OS processes: cmd/workerd wires it in when no
// remote worker pool is configured.
type LocalSubtaskAPI struct {
	deps Deps

	mu      sync.Mutex
	running map[int]context.CancelFunc
}

// NewLocalSubtaskAPI builds a LocalSubtaskAPI sharing deps across every
// slot it runs.
func NewLocalSubtaskAPI(deps Deps) *LocalSubtaskAPI {
	return &LocalSubtaskAPI{deps: deps, running: make(map[int]context.CancelFunc)}
}

// RunSubtaskInSlot runs st to completion on a cancellable copy of ctx,
// tracked under slotID so a concurrent CancelSubtaskInSlot can reach it.
func (l *LocalSubtaskAPI) RunSubtaskInSlot(ctx context.Context, band subtask.Band, slotID int, st *subtask.Subtask) (*subtask.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.running[slotID] = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.running, slotID)
		l.mu.Unlock()
		cancel()
	}()

	p := New(st, l.deps)
	p.log = p.log.With("slot_id", slotID)
	result := p.Run(runCtx, updateMetaChunksFor(st))

	switch result.Status {
	case subtask.StatusSucceeded:
		return result, nil
	case subtask.StatusCancelled:
		return result, xerrors.Cancelled
	default:
		return result, result.Error
	}
}

// CancelSubtaskInSlot cancels the run tracked under slotID, if any is
// still in flight. Unknown or already-finished slots are a no-op.
func (l *LocalSubtaskAPI) CancelSubtaskInSlot(ctx context.Context, band subtask.Band, slotID int) error {
	l.mu.Lock()
	cancel, ok := l.running[slotID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
