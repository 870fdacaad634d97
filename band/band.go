// Package band implements the worker-local slot and quota managers a
// subtask is admitted against, plus a per-band actor-ref cache used to
// avoid repeatedly resolving the same band's remote address.
package band

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/flowmesh/workercore/adapters"
	"github.com/flowmesh/workercore/subtask"
)

// RefCache lazily resolves and caches a band's actor address. A
// singleflight group collapses concurrent resolutions of the same band
// into one underlying lookup, the way a worker avoids dialing the same
// peer twice for requests that land in the same instant.
type RefCache struct {
	resolve func(ctx context.Context, b subtask.Band) (string, error)

	group singleflight.Group
	cache sync.Map // subtask.Band -> string
}

// NewRefCache builds a cache backed by resolve.
func NewRefCache(resolve func(ctx context.Context, b subtask.Band) (string, error)) *RefCache {
	return &RefCache{resolve: resolve}
}

// Get returns b's cached address, resolving (and caching) it if absent.
func (c *RefCache) Get(ctx context.Context, b subtask.Band) (string, error) {
	if v, ok := c.cache.Load(b); ok {
		return v.(string), nil
	}

	key := fmt.Sprintf("%s/%s", b.Worker, b.Name)
	v, err, _ := c.group.Do(key, func() (any, error) {
		addr, err := c.resolve(ctx, b)
		if err != nil {
			return nil, err
		}
		c.cache.Store(b, addr)
		return addr, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateBand drops b's cached address, forcing the next Get to
// re-resolve it.
func (c *RefCache) InvalidateBand(b subtask.Band) {
	c.cache.Delete(b)
}

// InMemorySlotManager is a fixed-size, in-process adapters.SlotManager
// bound to a single band, the way a real BandSlotManager actor is
// addressed per (worker, band_name). Allocation is tracked by
// adapters.SlotKey so a recovered worker can recognize its own prior claim.
type InMemorySlotManager struct {
	mu        sync.Mutex
	band      subtask.Band
	freeSlots []int
	bySlotKey map[adapters.SlotKey]int
	killed    map[int]struct{}
}

// NewInMemorySlotManager builds a manager for b with slotCount
// interchangeable slots.
func NewInMemorySlotManager(b subtask.Band, slotCount int) *InMemorySlotManager {
	slots := make([]int, slotCount)
	for i := range slots {
		slots[i] = i
	}
	return &InMemorySlotManager{
		band:      b,
		freeSlots: slots,
		bySlotKey: make(map[adapters.SlotKey]int),
		killed:    make(map[int]struct{}),
	}
}

func (m *InMemorySlotManager) AcquireFreeSlot(_ context.Context, key adapters.SlotKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slotID, ok := m.bySlotKey[key]; ok {
		return slotID, nil
	}
	if len(m.freeSlots) == 0 {
		return 0, fmt.Errorf("band: no free slot for %s/%s", m.band.Worker, m.band.Name)
	}
	slotID := m.freeSlots[len(m.freeSlots)-1]
	m.freeSlots = m.freeSlots[:len(m.freeSlots)-1]
	m.bySlotKey[key] = slotID
	return slotID, nil
}

func (m *InMemorySlotManager) ReleaseFreeSlot(_ context.Context, slotID int, key adapters.SlotKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySlotKey, key)
	m.freeSlots = append(m.freeSlots, slotID)
	return nil
}

func (m *InMemorySlotManager) KillSlot(_ context.Context, slotID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed[slotID] = struct{}{}
	return nil
}

func (m *InMemorySlotManager) GetSlotAddress(_ context.Context, slotID int) (string, error) {
	return fmt.Sprintf("slot://%d", slotID), nil
}

func (m *InMemorySlotManager) GetSubtaskSlot(_ context.Context, key adapters.SlotKey) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slotID, ok := m.bySlotKey[key]
	return slotID, ok, nil
}

func (m *InMemorySlotManager) UploadSlotUsages(_ context.Context, _ bool) error { return nil }

// WasKilled reports whether KillSlot was ever called for slotID.
func (m *InMemorySlotManager) WasKilled(slotID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.killed[slotID]
	return ok
}

// InMemoryQuotaManager is a fixed-budget, in-process adapters.QuotaManager.
type InMemoryQuotaManager struct {
	mu        sync.Mutex
	budget    int64
	used      int64
	grants    map[string]int64
}

// NewInMemoryQuotaManager builds a manager with the given total budget.
func NewInMemoryQuotaManager(budget int64) *InMemoryQuotaManager {
	return &InMemoryQuotaManager{budget: budget, grants: make(map[string]int64)}
}

func (q *InMemoryQuotaManager) RequestBatchQuota(_ context.Context, request map[string]int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var need int64
	for _, v := range request {
		need += v
	}
	if q.used+need > q.budget {
		return fmt.Errorf("band: quota exhausted: have %d, used %d, want %d", q.budget, q.used, need)
	}
	q.used += need
	for k, v := range request {
		q.grants[k] += v
	}
	return nil
}

func (q *InMemoryQuotaManager) ReleaseQuotas(_ context.Context, keys []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range keys {
		q.used -= q.grants[k]
		delete(q.grants, k)
	}
	return nil
}

// Used returns the currently granted total, for test assertions.
func (q *InMemoryQuotaManager) Used() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}
