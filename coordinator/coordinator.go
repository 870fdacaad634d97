// Package coordinator is the per-band entry point for subtask
// execution: it owns the SubtaskExecutionInfo table, drives data
// preparation, memory estimation, quota/slot admission, retry policy,
// cooperative-then-forced cancellation, and result capture around the
// processor's pipeline.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/flowmesh/workercore/adapters"
	"github.com/flowmesh/workercore/chunkgraph"
	"github.com/flowmesh/workercore/estimator"
	"github.com/flowmesh/workercore/processor"
	"github.com/flowmesh/workercore/subtask"
	"github.com/flowmesh/workercore/telemetry"
	"github.com/flowmesh/workercore/xerrors"
	"github.com/flowmesh/workercore/xlog"
)

// recentResultsCacheSize bounds the coordinator's idempotent-re-query
// cache of recently finished results.
const recentResultsCacheSize = 1024

// Config is the coordinator's tunable surface.
type Config struct {
	MaxRetries         int
	EnableKillSlot     bool
	DataPrepareTimeout time.Duration
	KillTimeout        time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         0,
		EnableKillSlot:     true,
		DataPrepareTimeout: 600 * time.Second,
		KillTimeout:        5 * time.Second,
	}
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Storage      adapters.StorageAPI
	Meta         adapters.MetaAPI
	WorkerMeta   adapters.WorkerMetaAPI
	SubtaskAPI   adapters.SubtaskAPI
	SlotManager  adapters.SlotManager
	QuotaManager adapters.QuotaManager
	TaskAPI      adapters.TaskAPI
	PoolWaiter   adapters.PoolWaiter
	Metrics      *telemetry.Metrics
	Log          *xlog.Logger
}

// executionInfo is the SubtaskExecutionInfo row for one in-flight subtask.
type executionInfo struct {
	mu         sync.Mutex
	band       subtask.Band
	result     *subtask.Result
	cancelling bool
	maxRetries int
	numRetries int
	slotID     *int
	killTO     *time.Duration

	// log carries subtask_id and band on every line logged for this run.
	log *xlog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (i *executionInfo) snapshot() *subtask.Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result.Clone()
}

func (i *executionInfo) setResult(mutate func(*subtask.Result)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	mutate(i.result)
}

func (i *executionInfo) isCancelling() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelling
}

// Coordinator runs subtasks for one band.
type Coordinator struct {
	mu    sync.Mutex
	infos map[string]*executionInfo

	// recent caches finished results by subtask ID so a supervisor that
	// re-queries after a dropped response gets the same terminal result
	// back instead of "unknown subtask". Bounded, not a correctness
	// mechanism: eviction just reverts to "unknown subtask" for very old
	// runs.
	recent *lru.Cache

	deps Deps
	cfg  Config
}

// New builds a coordinator. A zero Config.DataPrepareTimeout/KillTimeout
// falls back to DefaultConfig's values.
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.DataPrepareTimeout <= 0 {
		cfg.DataPrepareTimeout = DefaultConfig().DataPrepareTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultConfig().KillTimeout
	}
	if deps.Log == nil {
		deps.Log = xlog.Default()
	}
	recent, _ := lru.New(recentResultsCacheSize)
	return &Coordinator{infos: make(map[string]*executionInfo), recent: recent, deps: deps, cfg: cfg}
}

// RecentResult returns the cached terminal result for subtaskID, if one
// is still held, for a supervisor re-querying after a dropped response.
func (c *Coordinator) RecentResult(subtaskID string) (*subtask.Result, bool) {
	v, ok := c.recent.Get(subtaskID)
	if !ok {
		return nil, false
	}
	return v.(*subtask.Result).Clone(), true
}

func bandLabel(b subtask.Band) string { return fmt.Sprintf("%s/%s", b.Worker, b.Name) }

// RunSubtask accepts st for execution and blocks until it reaches a
// terminal status, returning its final result. It rejects a subtask
// whose id is already tracked.
func (c *Coordinator) RunSubtask(ctx context.Context, st *subtask.Subtask, supervisorAddress string) (*subtask.Result, error) {
	c.mu.Lock()
	if _, exists := c.infos[st.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator: subtask %q already running", st.ID)
	}

	maxRetries := c.cfg.MaxRetries
	if st.ExtraConfig != nil {
		if v, ok := st.ExtraConfig["subtask_max_retries"].(int); ok {
			maxRetries = v
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	info := &executionInfo{
		band:       st.Band,
		result:     subtask.NewResult(st),
		maxRetries: maxRetries,
		log:        c.deps.Log.With("subtask_id", st.ID, "band", bandLabel(st.Band)),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.infos[st.ID] = info
	c.mu.Unlock()

	info.log.Info("subtask admitted", "max_retries", maxRetries, "retryable", st.Retryable)

	if c.deps.Metrics != nil {
		c.deps.Metrics.SubmittedSubtasks.WithLabelValues(bandLabel(st.Band)).Inc()
	}

	go func() {
		defer close(info.done)
		c.internalRunSubtask(runCtx, st, info)
	}()

	<-info.done

	result := info.snapshot()
	info.log.Info("subtask finished", "status", result.Status.String())
	if c.deps.Metrics != nil {
		c.deps.Metrics.FinishedSubtasks.WithLabelValues(bandLabel(st.Band), result.Status.String()).Inc()
		if result.Status == subtask.StatusSucceeded {
			c.deps.Metrics.ExecutionSeconds.WithLabelValues(bandLabel(st.Band)).Observe(result.EndTime.Sub(result.StartTime).Seconds())
		}
	}
	return result, nil
}

// CancelSubtask marks subtaskID cancelling and waits for its coordinating
// goroutine to observe a terminal status. A miss is a no-op.
func (c *Coordinator) CancelSubtask(subtaskID string, killTimeout time.Duration) {
	c.mu.Lock()
	info, ok := c.infos[subtaskID]
	c.mu.Unlock()
	if !ok {
		return
	}

	info.mu.Lock()
	info.cancelling = true
	if c.cfg.EnableKillSlot {
		kt := killTimeout
		info.killTO = &kt
	}
	info.mu.Unlock()

	info.log.Info("subtask cancel requested", "kill_timeout", killTimeout)

	info.cancel()
	<-info.done
}

func (c *Coordinator) internalRunSubtask(ctx context.Context, st *subtask.Subtask, info *executionInfo) {
	defer func() {
		c.recent.Add(st.ID, info.snapshot())
		c.mu.Lock()
		delete(c.infos, st.ID)
		c.mu.Unlock()
	}()

	info.setResult(func(r *subtask.Result) { r.StartTime = time.Now() })

	mapperKeys, err := c.prepareInputData(ctx, st)
	if err != nil {
		c.fillWithException(info, err)
		return
	}
	if c.checkCancelling(info) {
		c.fillWithException(info, xerrors.Cancelled)
		return
	}

	if _, err := c.collectInputSizes(ctx, st); err != nil {
		c.fillWithException(info, err)
		return
	}
	est, err := estimator.Estimate(st.ChunkGraph)
	if err != nil {
		c.fillWithException(info, err)
		return
	}

	if c.checkCancelling(info) {
		c.fillWithException(info, xerrors.Cancelled)
		return
	}

	runErr := c.runSubtaskWithRetry(ctx, st, info, est)

	if runErr == nil && len(mapperKeys) > 0 {
		go c.removeMapperData(mapperKeys)
	}
	if runErr != nil {
		c.fillWithException(info, runErr)
	}

	if uploadErr := c.deps.SlotManager.UploadSlotUsages(context.Background(), false); uploadErr != nil {
		// Preserves an intentionally-flagged quirk: a post-success upload
		// failure overwrites an already-successful result with an error.
		c.fillWithException(info, uploadErr)
	}
}

func (c *Coordinator) checkCancelling(info *executionInfo) bool { return info.isCancelling() }

// prepareInputData prefetches every Fetch/FetchShuffle input of the
// chunk graph and returns the shuffle mapper keys that were fetched
// (they are not tracked by lifecycle and must be cleaned up on success).
func (c *Coordinator) prepareInputData(ctx context.Context, st *subtask.Subtask) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DataPrepareTimeout)
	defer cancel()

	var mapperKeys []string
	for _, ch := range st.ChunkGraph.Chunks() {
		switch op := ch.Op.(type) {
		case *chunkgraph.FetchOperand:
			bandName := "numa-0"
			if op.GPU() {
				bandName = st.Band.Name
			}
			if err := c.deps.Storage.Fetch(ctx, ch.Key, bandName, false); err != nil {
				return mapperKeys, err
			}
		case *chunkgraph.FetchShuffleOperand:
			bandName := "numa-0"
			if op.GPU() {
				bandName = st.Band.Name
			}
			for _, mk := range op.MapperKeys {
				if err := c.deps.Storage.Fetch(ctx, mk, bandName, true); err != nil {
					return mapperKeys, err
				}
				mapperKeys = append(mapperKeys, mk)
			}
		}
	}
	return mapperKeys, nil
}

// collectInputSizes queries meta and storage infos, one chunk at a time, for every
// independent Fetch input not in pure_depend_keys, and writes the
// resulting memory cost back onto the operand so the estimator can read
// it directly off the graph.
func (c *Coordinator) collectInputSizes(ctx context.Context, st *subtask.Subtask) (map[string]chunkgraph.SizeEntry, error) {
	out := make(map[string]chunkgraph.SizeEntry)
	for _, ch := range st.ChunkGraph.IndependentChunks() {
		fetch, ok := ch.Op.(*chunkgraph.FetchOperand)
		if !ok {
			continue
		}
		if st.PureDependKeys != nil {
			if _, excluded := st.PureDependKeys[ch.Key]; excluded {
				continue
			}
		}

		meta, err := c.deps.Meta.GetChunkMeta(ctx, ch.Key, []string{"memory_size", "store_size"})
		if err != nil {
			return nil, err
		}
		infos, err := c.deps.Storage.GetInfos(ctx, ch.Key)
		if err != nil {
			return nil, err
		}

		inMemory := false
		for _, i := range infos {
			if i.Level.Has(adapters.StorageLevelMemory) {
				inMemory = true
				break
			}
		}

		memCost := meta.MemorySize
		if inMemory {
			memCost = meta.MemorySize - meta.StoreSize
			if memCost < 0 {
				memCost = 0
			}
		}

		fetch.MemCost = memCost
		out[ch.Key] = chunkgraph.SizeEntry{StoreSize: meta.StoreSize, CalcSize: memCost}
	}
	return out, nil
}

// runSubtaskWithRetry dispatches to the retry-sensitive or single-shot
// path depending on st.Retryable.
func (c *Coordinator) runSubtaskWithRetry(ctx context.Context, st *subtask.Subtask, info *executionInfo, est *estimator.Result) error {
	if !st.Retryable {
		res, err := c.runSubtaskOnce(ctx, st, info, est)
		if err != nil {
			return xerrors.NewUnretryableException(nonRetryableOpKeys(st.ChunkGraph), err)
		}
		info.setResult(func(r *subtask.Result) { *r = *res })
		return nil
	}
	return c.retryRun(ctx, st, info, est)
}

// retryRun implements _retry_run: retry transient failures up to
// maxRetries, wrap exhaustion as ExceedMaxRerun, wrap any other failure
// as UnhandledException when retries are configured at all, and never
// intercept cancellation.
func (c *Coordinator) retryRun(ctx context.Context, st *subtask.Subtask, info *executionInfo, est *estimator.Result) error {
	for {
		res, err := c.runSubtaskOnce(ctx, st, info, est)
		if err == nil {
			info.setResult(func(r *subtask.Result) { *r = *res })
			return nil
		}
		if xerrors.IsCancellation(err) {
			return err
		}
		if isOSOrPeerError(err) {
			info.mu.Lock()
			retries := info.numRetries
			max := info.maxRetries
			info.mu.Unlock()
			if retries < max {
				info.mu.Lock()
				info.numRetries++
				info.mu.Unlock()
				info.log.Warn("subtask retrying after transient error", "attempt", retries+1, "max_retries", max, "error", err)
				continue
			}
			info.log.Error("subtask exceeded retry budget", "retries", retries, "error", err)
			return xerrors.NewExceedMaxRerun(retries, err)
		}
		if info.maxRetries > 0 {
			return xerrors.NewUnhandledException(err)
		}
		return err
	}
}

// runSubtaskOnce performs one quota -> slot -> run attempt, releasing in
// reverse order on every exit path.
func (c *Coordinator) runSubtaskOnce(ctx context.Context, st *subtask.Subtask, info *executionInfo, est *estimator.Result) (*subtask.Result, error) {
	if err := c.deps.QuotaManager.RequestBatchQuota(ctx, map[string]int64{st.ID: est.PeakCost}); err != nil {
		return nil, err
	}
	defer func() { _ = c.deps.QuotaManager.ReleaseQuotas(context.Background(), []string{st.ID}) }()

	if c.checkCancelling(info) {
		return nil, xerrors.Cancelled
	}

	slotKey := adapters.SlotKey{SessionID: st.SessionID, SubtaskID: st.ID}
	slotID, err := c.deps.SlotManager.AcquireFreeSlot(ctx, slotKey)
	if err != nil {
		return nil, err
	}
	info.mu.Lock()
	info.slotID = &slotID
	info.mu.Unlock()
	defer func() {
		_ = c.deps.SlotManager.ReleaseFreeSlot(context.Background(), slotID, slotKey)
		info.mu.Lock()
		info.slotID = nil
		info.mu.Unlock()
	}()

	if c.checkCancelling(info) {
		return nil, xerrors.Cancelled
	}

	info.setResult(func(r *subtask.Result) { r.Status = subtask.StatusRunning })

	return c.driveCancel(ctx, st, info, slotID)
}

type runOutcome struct {
	res *subtask.Result
	err error
}

// driveCancel runs the subtask in its slot under shield (so a cancelled
// ctx is observed here rather than torn straight through the inner
// call), races it against ctx cancellation, and on cancellation issues a
// graceful cancel bounded by the kill timeout before escalating to a
// forced slot kill.
func (c *Coordinator) driveCancel(ctx context.Context, st *subtask.Subtask, info *executionInfo, slotID int) (*subtask.Result, error) {
	runDone := make(chan runOutcome, 1)
	go func() {
		res, err := c.deps.SubtaskAPI.RunSubtaskInSlot(context.Background(), st.Band, slotID, st)
		runDone <- runOutcome{res, err}
	}()

	select {
	case o := <-runDone:
		if o.err != nil && isOSOrPeerError(o.err) {
			_ = c.waitSlotRecovered(st, slotID)
		}
		return o.res, o.err
	case <-ctx.Done():
		return c.forceCancel(st, info, slotID, runDone)
	}
}

func (c *Coordinator) forceCancel(st *subtask.Subtask, info *executionInfo, slotID int, runDone chan runOutcome) (*subtask.Result, error) {
	info.mu.Lock()
	kt := c.cfg.KillTimeout
	if info.killTO != nil {
		kt = *info.killTO
	}
	killDisabled := info.killTO == nil && !c.cfg.EnableKillSlot
	info.mu.Unlock()

	info.log.Info("subtask graceful cancel issued", "slot_id", slotID, "kill_timeout", kt)

	cancelCtx, cancel := context.WithTimeout(context.Background(), kt)
	defer cancel()
	_ = c.deps.SubtaskAPI.CancelSubtaskInSlot(cancelCtx, st.Band, slotID)

	if killDisabled {
		o := <-runDone
		_ = o
		return nil, xerrors.Cancelled
	}

	select {
	case o := <-runDone:
		_ = o
		return nil, xerrors.Cancelled
	case <-cancelCtx.Done():
		info.log.Warn("subtask graceful cancel timed out, killing slot", "slot_id", slotID)
		_ = c.deps.SlotManager.KillSlot(context.Background(), slotID)
		_ = c.waitSlotRecovered(st, slotID)
		<-runDone
		return nil, xerrors.Cancelled
	}
}

func (c *Coordinator) waitSlotRecovered(st *subtask.Subtask, slotID int) error {
	if c.deps.PoolWaiter == nil {
		return nil
	}
	addr, err := c.deps.SlotManager.GetSlotAddress(context.Background(), slotID)
	if err != nil {
		return err
	}
	return c.deps.PoolWaiter.WaitActorPoolRecovered(context.Background(), addr, st.Band.Worker)
}

func (c *Coordinator) removeMapperData(keys []string) {
	for _, k := range keys {
		_ = c.deps.Storage.Delete(context.Background(), k, true)
	}
}

// fillWithException is the single result-capture filler every
// non-success exit path routes through.
func (c *Coordinator) fillWithException(info *executionInfo, err error) {
	cause := err
	var execErr *xerrors.ExecutionError
	if errors.As(err, &execErr) {
		cause = execErr.Cause
	}

	status := subtask.StatusFailed
	if xerrors.IsCancellation(err) {
		status = subtask.StatusCancelled
	}

	info.setResult(func(r *subtask.Result) {
		r.Status = status
		r.Progress = 1.0
		r.Error = cause
		r.EndTime = time.Now()
	})
}

func isOSOrPeerError(err error) bool { return xerrors.IsTransient(err) }

func nonRetryableOpKeys(g *chunkgraph.Graph) []string {
	keys := mapset.NewThreadUnsafeSet[string]()
	for _, c := range g.Chunks() {
		if c.Op.Retryable() {
			continue
		}
		keys.Add(c.Op.Key())
	}
	out := keys.ToSlice()
	sort.Strings(out)
	return out
}

// UseProcessor is a convenience constructor gluing a processor.Deps
// together from the coordinator's own collaborators, so callers wiring
// a SubtaskAPI backed directly by an in-process Processor (rather than a
// remote worker actor) don't have to repeat the plumbing.
func (c *Coordinator) UseProcessor(opt processor.Optimizer) processor.Deps {
	return processor.Deps{
		Storage:    c.deps.Storage,
		Meta:       c.deps.Meta,
		WorkerMeta: c.deps.WorkerMeta,
		Task:       c.deps.TaskAPI,
		Optimizer:  opt,
		Log:        c.deps.Log,
	}
}
