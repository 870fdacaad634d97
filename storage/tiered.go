// Package storage implements a two-tier adapters.StorageAPI: a bounded
// fastcache memory tier backed by a pebble disk tier, caching recently
// written values in front of the key-value store. Values here are
// restricted to []byte, the wire shape a subtask's storage traffic is
// already serialized to by the time it reaches this layer.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/flowmesh/workercore/adapters"
)

// TieredStore is an adapters.StorageAPI over a fastcache memory tier and
// a pebble disk tier.
type TieredStore struct {
	mu     sync.Mutex
	memory *fastcache.Cache
	disk   *pebble.DB
}

// NewTieredStore opens (or creates) a pebble database at dir and fronts
// it with a maxMemoryBytes fastcache tier.
func NewTieredStore(dir string, maxMemoryBytes int) (*TieredStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %q: %w", dir, err)
	}
	return &TieredStore{memory: fastcache.New(maxMemoryBytes), disk: db}, nil
}

// Close releases the disk tier's resources.
func (s *TieredStore) Close() error {
	return s.disk.Close()
}

func asBytes(value any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("storage: TieredStore only stores []byte, got %T", value)
	}
	return b, nil
}

func (s *TieredStore) Fetch(_ context.Context, key string, _ string, ignoreMissing bool) error {
	if s.memory.Has([]byte(key)) {
		return nil
	}
	v, closer, err := s.disk.Get([]byte(key))
	if err == pebble.ErrNotFound {
		if ignoreMissing {
			return nil
		}
		return fmt.Errorf("storage: key %q not found", key)
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	s.memory.Set([]byte(key), v)
	return nil
}

func (s *TieredStore) FetchBatch(ctx context.Context, keys []string, bandName string, ignoreMissing bool) error {
	for _, k := range keys {
		if err := s.Fetch(ctx, k, bandName, ignoreMissing); err != nil {
			return err
		}
	}
	return nil
}

func (s *TieredStore) Get(_ context.Context, key string, ignoreMissing bool) (any, error) {
	if v := s.memory.Get(nil, []byte(key)); len(v) > 0 {
		return v, nil
	}
	v, closer, err := s.disk.Get([]byte(key))
	if err == pebble.ErrNotFound {
		if ignoreMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: key %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := append([]byte(nil), v...)
	s.memory.Set([]byte(key), out)
	return out, nil
}

func (s *TieredStore) GetBatch(ctx context.Context, keys []string, ignoreMissing bool) (map[string]any, error) {
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

func (s *TieredStore) Put(_ context.Context, key string, value any) (*adapters.PutResult, error) {
	b, err := asBytes(value)
	if err != nil {
		return nil, err
	}
	if err := s.disk.Set([]byte(key), b, pebble.Sync); err != nil {
		return nil, fmt.Errorf("storage: put %q: %w", key, err)
	}
	s.memory.Set([]byte(key), b)
	size := int64(len(b))
	return &adapters.PutResult{Key: key, StoreSize: size, MemorySize: size, ObjectID: uuid.NewString()}, nil
}

func (s *TieredStore) PutBatch(ctx context.Context, values map[string]any) (map[string]*adapters.PutResult, error) {
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

// Unpin holds no pin state: this store doesn't enforce pin refcounts
// itself, the way a real cluster's storage actor does for in-flight local
// residency. It only checks that key exists in either tier, returning an
// error for a missing key unless ignoreMissing is set.
func (s *TieredStore) Unpin(_ context.Context, key string, ignoreMissing bool) error {
	if !s.memory.Has([]byte(key)) {
		if _, closer, err := s.disk.Get([]byte(key)); err == nil {
			closer.Close()
		} else if err == pebble.ErrNotFound && !ignoreMissing {
			return fmt.Errorf("storage: key %q not found", key)
		}
	}
	return nil
}

func (s *TieredStore) UnpinBatch(ctx context.Context, keys []string, ignoreMissing bool) error {
	for _, k := range keys {
		if err := s.Unpin(ctx, k, ignoreMissing); err != nil {
			return err
		}
	}
	return nil
}

func (s *TieredStore) Delete(_ context.Context, key string, ignoreMissing bool) error {
	_, closer, err := s.disk.Get([]byte(key))
	if err == pebble.ErrNotFound {
		if !ignoreMissing {
			return fmt.Errorf("storage: key %q not found", key)
		}
	} else if err != nil {
		return err
	} else {
		closer.Close()
	}
	s.memory.Del([]byte(key))
	return s.disk.Delete([]byte(key), pebble.Sync)
}

func (s *TieredStore) DeleteBatch(ctx context.Context, keys []string, ignoreMissing bool) error {
	for _, k := range keys {
		if err := s.Delete(ctx, k, ignoreMissing); err != nil {
			return err
		}
	}
	return nil
}

func (s *TieredStore) GetInfos(_ context.Context, key string) ([]adapters.StorageInfo, error) {
	var infos []adapters.StorageInfo
	if s.memory.Has([]byte(key)) {
		infos = append(infos, adapters.StorageInfo{Level: adapters.StorageLevelMemory})
	}
	if _, closer, err := s.disk.Get([]byte(key)); err == nil {
		closer.Close()
		infos = append(infos, adapters.StorageInfo{Level: adapters.StorageLevelDisk})
	} else if err != pebble.ErrNotFound {
		return nil, err
	}
	return infos, nil
}
