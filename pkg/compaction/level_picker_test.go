package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singularity-data/hummock/pkg/hummock"
)

func TestLevelPickerTrivialMoveIntoEmptyBase(t *testing.T) {
	levels := makeLevels(6, []hummock.Level{
		subLevel(10, hummock.LevelNonoverlapping, sst(1, "a", "c", 10), sst(2, "d", "f", 10)),
	}, nil)
	handlers := NewCompactStatus(6).LevelHandlers

	p := NewLevelCompactionPicker(6, testConfig(), RangeOverlapStrategy{})
	in := p.PickCompaction(1, levels, handlers)
	require.NotNil(t, in)
	require.True(t, in.IsTrivialMove())
	require.Equal(t, uint32(6), in.TargetLevel)
	require.Len(t, in.InputLevels[0].TableInfos, 2)
}

func TestLevelPickerPullsOverlappingTargetFiles(t *testing.T) {
	levels := makeLevels(6, []hummock.Level{
		subLevel(10, hummock.LevelOverlapping, sst(1, "a", "f", 100)),
	}, map[int][]hummock.SstableInfo{
		6: {sst(10, "a", "c", 50), sst(11, "d", "e", 50), sst(12, "x", "z", 50)},
	})
	handlers := NewCompactStatus(6).LevelHandlers

	p := NewLevelCompactionPicker(6, testConfig(), RangeOverlapStrategy{})
	in := p.PickCompaction(1, levels, handlers)
	require.NotNil(t, in)
	require.False(t, in.IsTrivialMove())
	require.Equal(t, []uint64{10, 11}, hummock.SstableIDs(in.TargetFiles()))
	require.True(t, handlers[6].IsPending(10))
	require.False(t, handlers[6].IsPending(12))
}

func TestLevelPickerEscalatesOnHighWriteAmp(t *testing.T) {
	// Small pick would rewrite 200 target bytes per 10 source bytes, well
	// past the amplification ceiling, and the bulk merge is no worse.
	levels := makeLevels(6, []hummock.Level{
		subLevel(10, hummock.LevelOverlapping, sst(1, "a", "f", 10)),
	}, map[int][]hummock.SstableInfo{
		6: {sst(10, "a", "f", 200)},
	})
	handlers := NewCompactStatus(6).LevelHandlers

	p := NewLevelCompactionPicker(6, testConfig(), RangeOverlapStrategy{})
	in := p.PickCompaction(1, levels, handlers)
	require.NotNil(t, in)
	// Whole-level merge: every sub-level plus the full target level.
	require.Len(t, in.InputLevels, 2)
	require.Equal(t, []uint64{10}, hummock.SstableIDs(in.TargetFiles()))
}

func TestLevelPickerBoundsEscalatedMerge(t *testing.T) {
	// Three identical sub-levels all escalate past the amplification
	// ceiling, but the byte cap only has room for the first two plus the
	// target level.
	levels := makeLevels(6, []hummock.Level{
		subLevel(10, hummock.LevelOverlapping, sst(1, "a", "z", 60)),
		subLevel(20, hummock.LevelOverlapping, sst(2, "a", "z", 60)),
		subLevel(30, hummock.LevelOverlapping, sst(3, "a", "z", 60)),
	}, map[int][]hummock.SstableInfo{
		6: {sst(10, "a", "m", 50), sst(11, "n", "z", 50)},
	})
	handlers := NewCompactStatus(6).LevelHandlers

	cfg := testConfig()
	cfg.MaxCompactionBytes = 250
	p := NewLevelCompactionPicker(6, cfg, RangeOverlapStrategy{})
	in := p.PickCompaction(1, levels, handlers)
	require.NotNil(t, in)
	require.Len(t, in.InputLevels, 3)
	require.Equal(t, []uint64{1}, hummock.SstableIDs(in.InputLevels[0].TableInfos))
	require.Equal(t, []uint64{2}, hummock.SstableIDs(in.InputLevels[1].TableInfos))
	require.Equal(t, []uint64{10, 11}, hummock.SstableIDs(in.TargetFiles()))
	// The third sub-level stays unclaimed for a later task.
	require.False(t, handlers[0].IsPending(3))
}

func TestLevelPickerBlockedByPendingTarget(t *testing.T) {
	levels := makeLevels(6, []hummock.Level{
		subLevel(10, hummock.LevelOverlapping, sst(1, "a", "f", 100)),
	}, map[int][]hummock.SstableInfo{
		6: {sst(10, "a", "c", 50)},
	})
	handlers := NewCompactStatus(6).LevelHandlers
	handlers[6].AddTask(99, 6, []hummock.SstableInfo{sst(10, "a", "c", 50)})

	p := NewLevelCompactionPicker(6, testConfig(), RangeOverlapStrategy{})
	require.Nil(t, p.PickCompaction(1, levels, handlers))
}
