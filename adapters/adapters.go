// Package adapters declares the collaborator contracts the coordinator
// and processor depend on: storage, cluster metadata, the worker's
// subtask runner, its slot and quota managers, and the supervisor's task
// API. Concrete implementations live in memadapters (in-memory, for
// tests) and storage/band (the tiered-storage and slot/quota adapters).
package adapters

import (
	"context"

	"github.com/flowmesh/workercore/subtask"
)

// StorageLevel is a bit-field describing where a replica of a value
// currently resides.
type StorageLevel int

const (
	StorageLevelMemory StorageLevel = 1 << iota
	StorageLevelDisk
	StorageLevelRemote
)

func (l StorageLevel) Has(bit StorageLevel) bool { return l&bit != 0 }

// PutResult is returned by StorageAPI.Put.
type PutResult struct {
	Key        string
	StoreSize  int64
	MemorySize int64
	ObjectID   string
}

// StorageInfo describes one replica of a stored key.
type StorageInfo struct {
	Level StorageLevel
}

// StorageAPI is bound to one (session_id, band_name) pair: every method
// call is implicitly scoped to that session and band.
type StorageAPI interface {
	Fetch(ctx context.Context, key string, bandName string, ignoreMissing bool) error
	FetchBatch(ctx context.Context, keys []string, bandName string, ignoreMissing bool) error

	Get(ctx context.Context, key string, ignoreMissing bool) (any, error)
	GetBatch(ctx context.Context, keys []string, ignoreMissing bool) (map[string]any, error)

	Put(ctx context.Context, key string, value any) (*PutResult, error)
	PutBatch(ctx context.Context, values map[string]any) (map[string]*PutResult, error)

	Unpin(ctx context.Context, key string, ignoreMissing bool) error
	UnpinBatch(ctx context.Context, keys []string, ignoreMissing bool) error

	Delete(ctx context.Context, key string, ignoreMissing bool) error
	DeleteBatch(ctx context.Context, keys []string, ignoreMissing bool) error

	GetInfos(ctx context.Context, key string) ([]StorageInfo, error)
}

// ChunkMetaFields names the basic meta fields published for a chunk.
type ChunkMetaFields struct {
	MemorySize int64
	StoreSize  int64
	Bands      []subtask.Band
	ObjectRef  string
}

// SetChunkMetaOptions restricts which fields of ChunkMetaFields a
// set-meta call actually writes, so WorkerMetaAPI can exclude ObjectRef
// while MetaAPI includes it.
type SetChunkMetaOptions struct {
	ExcludeObjectRef bool
}

// MetaAPI is the supervisor's view of chunk metadata.
type MetaAPI interface {
	GetChunkMeta(ctx context.Context, key string, fields []string) (*ChunkMetaFields, error)
	SetChunkMeta(ctx context.Context, key string, fields ChunkMetaFields, opts SetChunkMetaOptions) error
	SetChunkMetaBatch(ctx context.Context, fields map[string]ChunkMetaFields, opts SetChunkMetaOptions) error
}

// WorkerMetaAPI is the worker-local view of chunk metadata; it shares
// MetaAPI's shape but is a distinct collaborator so a processor can be
// wired to publish to both without conflating the two stores.
type WorkerMetaAPI interface {
	MetaAPI
}

// SlotKey identifies one (session, subtask) pair's claim on a band's
// slot pool — slots are recoverable by this key after a worker restart.
type SlotKey struct {
	SessionID string
	SubtaskID string
}

// SubtaskAPI is the worker-side entry point that actually runs a
// subtask inside an allocated slot.
type SubtaskAPI interface {
	RunSubtaskInSlot(ctx context.Context, band subtask.Band, slotID int, st *subtask.Subtask) (*subtask.Result, error)
	CancelSubtaskInSlot(ctx context.Context, band subtask.Band, slotID int) error
}

// SlotManager arbitrates a band's fixed pool of execution slots.
type SlotManager interface {
	AcquireFreeSlot(ctx context.Context, key SlotKey) (int, error)
	ReleaseFreeSlot(ctx context.Context, slotID int, key SlotKey) error
	KillSlot(ctx context.Context, slotID int) error
	GetSlotAddress(ctx context.Context, slotID int) (string, error)
	GetSubtaskSlot(ctx context.Context, key SlotKey) (int, bool, error)
	UploadSlotUsages(ctx context.Context, periodical bool) error
}

// QuotaManager arbitrates a band's memory budget.
type QuotaManager interface {
	RequestBatchQuota(ctx context.Context, request map[string]int64) error
	ReleaseQuotas(ctx context.Context, keys []string) error
}

// TaskAPI is the supervisor endpoint a subtask's result is reported to.
type TaskAPI interface {
	SetSubtaskResult(ctx context.Context, result *subtask.Result) error
}

// PoolWaiter lets the coordinator block until a hard-killed slot's actor
// sub-pool has finished being recovered before it reuses the slot.
type PoolWaiter interface {
	WaitActorPoolRecovered(ctx context.Context, subPoolAddress, coordinatorAddress string) error
}
