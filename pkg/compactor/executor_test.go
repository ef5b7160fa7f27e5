package compactor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/hummock"
	"github.com/singularity-data/hummock/pkg/objstore"
	"github.com/singularity-data/hummock/pkg/storage"
)

type fakeAlloc struct {
	next uint64
}

func (a *fakeAlloc) GetNewSstableID(context.Context) (uint64, error) {
	a.next++
	return a.next, nil
}

func putSstable(t *testing.T, obj objstore.ObjectStore, dataDir string, id uint64, entries []storage.Entry) hummock.SstableInfo {
	t.Helper()
	blob, err := storage.EncodeSstable(entries, "none")
	require.NoError(t, err)
	require.NoError(t, obj.Put(context.Background(), objstore.SstablePath(dataDir, id), blob))
	return hummock.SstableInfo{
		ID:       id,
		KeyRange: hummock.NewKeyRange(entries[0].Key, entries[len(entries)-1].Key),
		FileSize: uint64(len(blob)),
	}
}

func e(key string, epoch uint64, op storage.OpType, value string) storage.Entry {
	return storage.Entry{Key: []byte(key), Epoch: epoch, Op: op, Value: []byte(value)}
}

func newTestExecutor(obj objstore.ObjectStore) *Executor {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExecutor(obj, &fakeAlloc{next: 100}, "data", 6, log)
}

func mergeTask(targetLevel uint32, watermark uint64, tables ...hummock.SstableInfo) *compaction.CompactionTask {
	return &compaction.CompactionTask{
		TaskID:  1,
		GroupID: 1,
		InputLevels: []compaction.InputLevel{
			{LevelIdx: 0, LevelType: hummock.LevelOverlapping, TableInfos: tables},
			{LevelIdx: targetLevel, LevelType: hummock.LevelNonoverlapping},
		},
		TargetLevel:    targetLevel,
		TargetFileSize: 1 << 20,
		Compression:    "none",
		WatermarkEpoch: watermark,
	}
}

func outputEntries(t *testing.T, obj objstore.ObjectStore, infos []hummock.SstableInfo) []storage.Entry {
	t.Helper()
	var out []storage.Entry
	for _, info := range infos {
		blob, err := obj.Get(context.Background(), objstore.SstablePath("data", info.ID))
		require.NoError(t, err)
		data, err := storage.DecodeSstable(blob)
		require.NoError(t, err)
		out = append(out, data.Entries...)
	}
	return out
}

func TestExecutorMergeDropsShadowedVersions(t *testing.T) {
	ctx := context.Background()
	obj := objstore.NewMemStore()
	t1 := putSstable(t, obj, "data", 1, []storage.Entry{
		e("a", 300, storage.OpPut, "a3"),
		e("b", 100, storage.OpPut, "b1"),
	})
	t2 := putSstable(t, obj, "data", 2, []storage.Entry{
		e("a", 100, storage.OpPut, "a1"),
		e("b", 200, storage.OpDelete, ""),
		e("c", 100, storage.OpPut, "c1"),
	})

	// Bottom level, watermark 200: of the versions at or under the
	// watermark only the newest per key survives, and a surviving
	// tombstone shadows nothing down here, so it goes too.
	infos, err := newTestExecutor(obj).Run(ctx, mergeTask(6, 200, t1, t2))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, []byte("a"), infos[0].KeyRange.Left)
	require.Equal(t, []byte("c"), infos[0].KeyRange.Right)

	got := outputEntries(t, obj, infos)
	require.Equal(t, []storage.Entry{
		e("a", 300, storage.OpPut, "a3"),
		e("a", 100, storage.OpPut, "a1"),
		e("c", 100, storage.OpPut, "c1"),
	}, got)
}

func TestExecutorKeepsTombstoneAboveBottom(t *testing.T) {
	ctx := context.Background()
	obj := objstore.NewMemStore()
	t1 := putSstable(t, obj, "data", 1, []storage.Entry{
		e("b", 100, storage.OpPut, "b1"),
	})
	t2 := putSstable(t, obj, "data", 2, []storage.Entry{
		e("b", 200, storage.OpDelete, ""),
	})

	// Level 5 of 6: the tombstone may still shadow a version deeper down.
	infos, err := newTestExecutor(obj).Run(ctx, mergeTask(5, 200, t1, t2))
	require.NoError(t, err)

	got := outputEntries(t, obj, infos)
	require.Equal(t, []storage.Entry{
		e("b", 200, storage.OpDelete, ""),
	}, got)
}

func TestExecutorPreservesVersionsAboveWatermark(t *testing.T) {
	ctx := context.Background()
	obj := objstore.NewMemStore()
	t1 := putSstable(t, obj, "data", 1, []storage.Entry{
		e("a", 300, storage.OpPut, "a3"),
		e("a", 250, storage.OpPut, "a2"),
		e("a", 100, storage.OpPut, "a1"),
		e("a", 50, storage.OpPut, "a0"),
	})

	// Watermark 200: both newer versions stay for pinned snapshots, the
	// newest older version stays as the floor, the rest fold away.
	infos, err := newTestExecutor(obj).Run(ctx, mergeTask(6, 200, t1))
	require.NoError(t, err)

	got := outputEntries(t, obj, infos)
	require.Equal(t, []storage.Entry{
		e("a", 300, storage.OpPut, "a3"),
		e("a", 250, storage.OpPut, "a2"),
		e("a", 100, storage.OpPut, "a1"),
	}, got)
}

func TestExecutorSplitsAtTargetFileSize(t *testing.T) {
	ctx := context.Background()
	obj := objstore.NewMemStore()
	var entries []storage.Entry
	for c := byte('a'); c <= 'h'; c++ {
		entries = append(entries, e(string(c), 100, storage.OpPut, "xxxxxxxxxxxxxxxx"))
	}
	t1 := putSstable(t, obj, "data", 1, entries)

	task := mergeTask(6, 100, t1)
	task.TargetFileSize = 80
	infos, err := newTestExecutor(obj).Run(ctx, task)
	require.NoError(t, err)
	require.Greater(t, len(infos), 1)

	// Outputs are disjoint, ordered and together cover every key.
	got := outputEntries(t, obj, infos)
	require.Len(t, got, len(entries))
	for i := 1; i < len(infos); i++ {
		require.Less(t, string(infos[i-1].KeyRange.Right), string(infos[i].KeyRange.Left))
	}
}
