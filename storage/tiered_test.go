package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workercore/adapters"
)

func TestTieredStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTieredStore(dir, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	res, err := s.Put(ctx, "a", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), res.StoreSize)

	v, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)

	infos, err := s.GetInfos(ctx, "a")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	require.NoError(t, s.Delete(ctx, "a", false))
	_, err = s.Get(ctx, "a", false)
	require.Error(t, err)
}

func TestTieredStoreRejectsNonBytes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTieredStore(dir, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(context.Background(), "a", 42)
	require.Error(t, err)
}

func TestTieredStoreGetInfosReflectsMissingLevel(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTieredStore(dir, 1<<20)
	require.NoError(t, err)
	defer s.Close()

	infos, err := s.GetInfos(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, infos)

	var _ adapters.StorageAPI = s
}
