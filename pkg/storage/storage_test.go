package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/metastore"
	"github.com/singularity-data/hummock/pkg/metrics"
	"github.com/singularity-data/hummock/pkg/objstore"
	"github.com/singularity-data/hummock/pkg/versionmgr"
)

func newTestStorage(t *testing.T) (*Storage, *versionmgr.Manager, *objstore.MemStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := versionmgr.New(metastore.NewMemStore(), compaction.DefaultConfig(), log, metrics.NewNop())
	require.NoError(t, mgr.CreateGroup(context.Background(), 1))
	obj := objstore.NewMemStore()
	s := New(mgr, obj, Options{
		GroupID:         1,
		DataDir:         "data",
		SstableCapacity: 1 << 20,
		Compression:     "none",
	}, log)
	return s, mgr, obj
}

func put(key, value string) Write {
	return Write{Key: []byte(key), Value: []byte(value)}
}

func del(key string) Write {
	return Write{Key: []byte(key), Delete: true}
}

func TestStorageWriteBatchThenGet(t *testing.T) {
	ctx := context.Background()
	s, mgr, _ := newTestStorage(t)

	// Duplicate key in one batch: the last write wins.
	require.NoError(t, s.WriteBatch(ctx, 100, []Write{
		put("b", "stale"), put("a", "va1"), put("b", "vb1"),
	}))
	_, err := mgr.CommitEpoch(ctx, 1, 100)
	require.NoError(t, err)

	v, ok, err := s.Get(ctx, []byte("a"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("va1"), v)

	v, ok, err = s.Get(ctx, []byte("b"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("vb1"), v)

	// Before the write epoch nothing is visible.
	_, ok, err = s.Get(ctx, []byte("a"), 50)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.Get(ctx, []byte("zzz"), 100)
	require.NoError(t, err)
	require.False(t, ok)

	// No pins linger after reads.
	versions, _, err := mgr.PinnedContextCounts(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, versions)
}

func TestStorageDeleteShadowsOlderVersion(t *testing.T) {
	ctx := context.Background()
	s, mgr, _ := newTestStorage(t)

	require.NoError(t, s.WriteBatch(ctx, 100, []Write{put("a", "va1"), put("b", "vb1")}))
	_, err := mgr.CommitEpoch(ctx, 1, 100)
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(ctx, 200, []Write{del("a"), put("c", "vc2")}))
	_, err = mgr.CommitEpoch(ctx, 1, 200)
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, []byte("a"), 200)
	require.NoError(t, err)
	require.False(t, ok)

	// Reading at the older epoch still sees the pre-delete value.
	v, ok, err := s.Get(ctx, []byte("a"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("va1"), v)
}

func TestStorageScanRange(t *testing.T) {
	ctx := context.Background()
	s, mgr, _ := newTestStorage(t)

	require.NoError(t, s.WriteBatch(ctx, 100, []Write{put("a", "va1"), put("b", "vb1"), put("d", "vd1")}))
	_, err := mgr.CommitEpoch(ctx, 1, 100)
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(ctx, 200, []Write{del("a"), put("c", "vc2")}))
	_, err = mgr.CommitEpoch(ctx, 1, 200)
	require.NoError(t, err)

	kvs, err := s.ScanRange(ctx, Unbounded(), Unbounded(), 200, 0)
	require.NoError(t, err)
	require.Equal(t, []KV{
		{Key: []byte("b"), Value: []byte("vb1")},
		{Key: []byte("c"), Value: []byte("vc2")},
		{Key: []byte("d"), Value: []byte("vd1")},
	}, kvs)

	// At the older epoch the delete and the new key do not exist yet.
	kvs, err = s.ScanRange(ctx, Unbounded(), Unbounded(), 100, 0)
	require.NoError(t, err)
	require.Equal(t, []KV{
		{Key: []byte("a"), Value: []byte("va1")},
		{Key: []byte("b"), Value: []byte("vb1")},
		{Key: []byte("d"), Value: []byte("vd1")},
	}, kvs)

	// Bounds and limit.
	kvs, err = s.ScanRange(ctx, Including([]byte("b")), Excluding([]byte("d")), 200, 0)
	require.NoError(t, err)
	require.Equal(t, []KV{
		{Key: []byte("b"), Value: []byte("vb1")},
		{Key: []byte("c"), Value: []byte("vc2")},
	}, kvs)

	kvs, err = s.ScanRange(ctx, Unbounded(), Unbounded(), 200, 1)
	require.NoError(t, err)
	require.Equal(t, []KV{{Key: []byte("b"), Value: []byte("vb1")}}, kvs)

	_, err = s.ScanRange(ctx, Excluding([]byte("a")), Unbounded(), 200, 0)
	require.ErrorIs(t, err, ErrUnsupportedBound)
}

func TestStorageReverseScanRange(t *testing.T) {
	ctx := context.Background()
	s, mgr, _ := newTestStorage(t)

	require.NoError(t, s.WriteBatch(ctx, 100, []Write{put("a", "va1"), put("b", "vb1"), put("c", "vc1")}))
	_, err := mgr.CommitEpoch(ctx, 1, 100)
	require.NoError(t, err)

	kvs, err := s.ReverseScanRange(ctx, Unbounded(), Unbounded(), 100, 0)
	require.NoError(t, err)
	require.Equal(t, []KV{
		{Key: []byte("c"), Value: []byte("vc1")},
		{Key: []byte("b"), Value: []byte("vb1")},
		{Key: []byte("a"), Value: []byte("va1")},
	}, kvs)

	kvs, err = s.ReverseScanRange(ctx, Excluding([]byte("a")), Including([]byte("c")), 100, 2)
	require.NoError(t, err)
	require.Equal(t, []KV{
		{Key: []byte("c"), Value: []byte("vc1")},
		{Key: []byte("b"), Value: []byte("vb1")},
	}, kvs)

	_, err = s.ReverseScanRange(ctx, Unbounded(), Excluding([]byte("c")), 100, 0)
	require.ErrorIs(t, err, ErrUnsupportedBound)
}

func TestStorageEmptyBatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, mgr, obj := newTestStorage(t)

	before, err := mgr.GetCurrentVersion(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(ctx, 100, nil))

	after, err := mgr.GetCurrentVersion(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, before.ID, after.ID)
	require.Zero(t, obj.Len())
}
