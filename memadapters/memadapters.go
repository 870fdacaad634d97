// Package memadapters provides in-memory adapters.StorageAPI, MetaAPI,
// TaskAPI, SubtaskAPI and PoolWaiter implementations, used by the
// processor and coordinator test suites in place of a real cluster.
package memadapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/workercore/adapters"
	"github.com/flowmesh/workercore/subtask"
)

// SizerFunc estimates a value's (store_size, memory_size) pair. Tests
// that care about specific numbers supply one; NewInMemoryStorage
// defaults to a fixed-cost sizer when nil.
type SizerFunc func(value any) (storeSize, memorySize int64)

func defaultSizer(any) (int64, int64) { return 1, 1 }

// InMemoryStorage is a single-tier, map-backed adapters.StorageAPI.
type InMemoryStorage struct {
	mu     sync.Mutex
	values map[string]any
	sizer  SizerFunc
}

// NewInMemoryStorage builds an empty store. A nil sizer defaults every
// value to a (1, 1) store/memory size.
func NewInMemoryStorage(sizer SizerFunc) *InMemoryStorage {
	if sizer == nil {
		sizer = defaultSizer
	}
	return &InMemoryStorage{values: make(map[string]any), sizer: sizer}
}

func (s *InMemoryStorage) Fetch(_ context.Context, key string, _ string, ignoreMissing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok && !ignoreMissing {
		return fmt.Errorf("memadapters: key %q not found", key)
	}
	return nil
}

func (s *InMemoryStorage) FetchBatch(ctx context.Context, keys []string, bandName string, ignoreMissing bool) error {
	for _, k := range keys {
		if err := s.Fetch(ctx, k, bandName, ignoreMissing); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStorage) Get(_ context.Context, key string, ignoreMissing bool) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		if ignoreMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("memadapters: key %q not found", key)
	}
	return v, nil
}

func (s *InMemoryStorage) GetBatch(ctx context.Context, keys []string, ignoreMissing bool) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k, ignoreMissing)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStorage) Put(_ context.Context, key string, value any) (*adapters.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	store, mem := s.sizer(value)
	return &adapters.PutResult{Key: key, StoreSize: store, MemorySize: mem, ObjectID: uuid.NewString()}, nil
}

func (s *InMemoryStorage) PutBatch(ctx context.Context, values map[string]any) (map[string]*adapters.PutResult, error) {
	out := make(map[string]*adapters.PutResult, len(values))
	for k, v := range values {
		r, err := s.Put(ctx, k, v)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func (s *InMemoryStorage) Unpin(_ context.Context, key string, ignoreMissing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok && !ignoreMissing {
		return fmt.Errorf("memadapters: key %q not found", key)
	}
	return nil
}

func (s *InMemoryStorage) UnpinBatch(ctx context.Context, keys []string, ignoreMissing bool) error {
	for _, k := range keys {
		if err := s.Unpin(ctx, k, ignoreMissing); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStorage) Delete(_ context.Context, key string, ignoreMissing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok && !ignoreMissing {
		return fmt.Errorf("memadapters: key %q not found", key)
	}
	delete(s.values, key)
	return nil
}

func (s *InMemoryStorage) DeleteBatch(ctx context.Context, keys []string, ignoreMissing bool) error {
	for _, k := range keys {
		if err := s.Delete(ctx, k, ignoreMissing); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStorage) GetInfos(_ context.Context, key string) ([]adapters.StorageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil, nil
	}
	return []adapters.StorageInfo{{Level: adapters.StorageLevelMemory}}, nil
}

// InMemoryMeta is a single map-backed adapters.MetaAPI / WorkerMetaAPI.
// One instance can serve both roles, or two instances can be wired in
// to confirm the processor genuinely writes to two distinct targets.
type InMemoryMeta struct {
	mu      sync.Mutex
	entries map[string]adapters.ChunkMetaFields
}

// NewInMemoryMeta builds an empty meta store.
func NewInMemoryMeta() *InMemoryMeta {
	return &InMemoryMeta{entries: make(map[string]adapters.ChunkMetaFields)}
}

func (m *InMemoryMeta) GetChunkMeta(_ context.Context, key string, _ []string) (*adapters.ChunkMetaFields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("memadapters: no meta for key %q", key)
	}
	cp := e
	return &cp, nil
}

func (m *InMemoryMeta) SetChunkMeta(_ context.Context, key string, fields adapters.ChunkMetaFields, opts adapters.SetChunkMetaOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.ExcludeObjectRef {
		fields.ObjectRef = ""
	}
	m.entries[key] = fields
	return nil
}

func (m *InMemoryMeta) SetChunkMetaBatch(ctx context.Context, fields map[string]adapters.ChunkMetaFields, opts adapters.SetChunkMetaOptions) error {
	for k, f := range fields {
		if err := m.SetChunkMeta(ctx, k, f, opts); err != nil {
			return err
		}
	}
	return nil
}

// Entry exposes a stored entry directly, for test assertions.
func (m *InMemoryMeta) Entry(key string) (adapters.ChunkMetaFields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// InMemoryTaskAPI records every result reported to it, in order.
type InMemoryTaskAPI struct {
	mu      sync.Mutex
	results []*subtask.Result
}

// NewInMemoryTaskAPI builds an empty recorder.
func NewInMemoryTaskAPI() *InMemoryTaskAPI { return &InMemoryTaskAPI{} }

func (t *InMemoryTaskAPI) SetSubtaskResult(_ context.Context, result *subtask.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, result.Clone())
	return nil
}

// Results returns every result reported so far, oldest first.
func (t *InMemoryTaskAPI) Results() []*subtask.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*subtask.Result, len(t.results))
	copy(out, t.results)
	return out
}

// Last returns the most recently reported result, or nil if none yet.
func (t *InMemoryTaskAPI) Last() *subtask.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.results) == 0 {
		return nil
	}
	return t.results[len(t.results)-1]
}

// FuncSubtaskAPI adapts two plain functions to adapters.SubtaskAPI, so a
// test can script exactly how "running in a slot" behaves without
// standing up a real worker actor.
type FuncSubtaskAPI struct {
	RunFunc    func(ctx context.Context, band subtask.Band, slotID int, st *subtask.Subtask) (*subtask.Result, error)
	CancelFunc func(ctx context.Context, band subtask.Band, slotID int) error
}

func (f *FuncSubtaskAPI) RunSubtaskInSlot(ctx context.Context, band subtask.Band, slotID int, st *subtask.Subtask) (*subtask.Result, error) {
	return f.RunFunc(ctx, band, slotID, st)
}

func (f *FuncSubtaskAPI) CancelSubtaskInSlot(ctx context.Context, band subtask.Band, slotID int) error {
	if f.CancelFunc == nil {
		return nil
	}
	return f.CancelFunc(ctx, band, slotID)
}

// FuncPoolWaiter adapts a plain function to adapters.PoolWaiter.
type FuncPoolWaiter struct {
	WaitFunc func(ctx context.Context, subPoolAddress, coordinatorAddress string) error
}

func (f *FuncPoolWaiter) WaitActorPoolRecovered(ctx context.Context, subPoolAddress, coordinatorAddress string) error {
	if f.WaitFunc == nil {
		return nil
	}
	return f.WaitFunc(ctx, subPoolAddress, coordinatorAddress)
}
