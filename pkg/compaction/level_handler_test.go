package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singularity-data/hummock/pkg/hummock"
)

func TestLevelHandlerClaims(t *testing.T) {
	h := &LevelHandler{LevelIdx: 0}
	h.AddTask(1, 6, []hummock.SstableInfo{sst(1, "a", "b", 10), sst(2, "c", "d", 20)})

	require.True(t, h.IsPending(1))
	require.False(t, h.IsPending(3))
	require.Equal(t, 2, h.PendingFileCount())
	require.Equal(t, uint64(30), h.PendingFileSize())
}

func TestLevelHandlerRemoveTaskDropsAllEntries(t *testing.T) {
	// A multi-sub-level L0 task holds one claim per sub-level.
	h := &LevelHandler{LevelIdx: 0}
	h.AddTask(1, 0, []hummock.SstableInfo{sst(1, "a", "b", 10)})
	h.AddTask(1, 0, []hummock.SstableInfo{sst(2, "c", "d", 10)})
	h.AddTask(2, 0, []hummock.SstableInfo{sst(3, "e", "f", 10)})

	require.True(t, h.RemoveTask(1))
	require.False(t, h.IsPending(1))
	require.False(t, h.IsPending(2))
	require.True(t, h.IsPending(3))
	require.False(t, h.RemoveTask(1))
}

func TestCompactStatusRemoveTaskSpansLevels(t *testing.T) {
	cs := NewCompactStatus(6)
	cs.LevelHandlers[0].AddTask(1, 6, []hummock.SstableInfo{sst(1, "a", "b", 10)})
	cs.LevelHandlers[6].AddTask(1, 6, []hummock.SstableInfo{sst(2, "c", "d", 10)})

	require.True(t, cs.RemoveTask(1))
	require.False(t, cs.LevelHandlers[0].IsPending(1))
	require.False(t, cs.LevelHandlers[6].IsPending(2))
	require.False(t, cs.RemoveTask(1))
}
