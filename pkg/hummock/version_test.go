package hummock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sst(id uint64, left, right string, size uint64) SstableInfo {
	return SstableInfo{
		ID:       id,
		KeyRange: NewKeyRange([]byte(left), []byte(right)),
		FileSize: size,
	}
}

func TestCommitEpochMovesTablesToL0(t *testing.T) {
	v := NewInitialVersion(6)
	v.ApplyAddTables(100, []SstableInfo{sst(1, "a", "c", 10), sst(2, "b", "d", 10)})

	require.NoError(t, v.ApplyCommitEpoch(100))
	require.Empty(t, v.UncommittedEpochs)
	require.Len(t, v.Levels.L0.SubLevels, 1)
	require.Equal(t, uint64(100), v.Levels.L0.SubLevels[0].SubLevelID)
	require.Equal(t, LevelOverlapping, v.Levels.L0.SubLevels[0].LevelType)
	require.Equal(t, uint64(100), v.MaxCommittedEpoch)
	require.Equal(t, uint64(20), v.Levels.L0.TotalFileSize)
}

func TestCommitEpochRejectsNonAdvancing(t *testing.T) {
	v := NewInitialVersion(6)
	require.NoError(t, v.ApplyCommitEpoch(100))

	err := v.ApplyCommitEpoch(100)
	require.ErrorIs(t, err, ErrEpochNotNewer)
	err = v.ApplyCommitEpoch(50)
	require.ErrorIs(t, err, ErrEpochNotNewer)
	require.Equal(t, uint64(100), v.MaxCommittedEpoch)
}

func TestCommitEmptyEpochAdvancesWatermark(t *testing.T) {
	v := NewInitialVersion(6)
	require.NoError(t, v.ApplyCommitEpoch(7))
	require.Empty(t, v.Levels.L0.SubLevels)
	require.Equal(t, uint64(7), v.MaxCommittedEpoch)
}

func TestAbortEpochReturnsTables(t *testing.T) {
	v := NewInitialVersion(6)
	v.ApplyAddTables(100, []SstableInfo{sst(1, "a", "c", 10)})

	removed, err := v.ApplyAbortEpoch(100)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, uint64(1), removed[0].ID)
	require.Empty(t, v.UncommittedEpochs)
	require.Zero(t, v.MaxCommittedEpoch)

	_, err = v.ApplyAbortEpoch(100)
	require.ErrorIs(t, err, ErrUncommittedEpochNotFound)
}

func TestApplyCompactResultL0ToLevel(t *testing.T) {
	v := NewInitialVersion(6)
	v.ApplyAddTables(100, []SstableInfo{sst(1, "a", "c", 10), sst(2, "b", "d", 10)})
	require.NoError(t, v.ApplyCommitEpoch(100))

	v.ApplyCompactResult(CompactDelta{
		InputIDs:    map[uint32][]uint64{0: {1, 2}},
		TargetLevel: 6,
		Outputs:     []SstableInfo{sst(3, "a", "d", 18)},
	})

	require.Empty(t, v.Levels.L0.SubLevels)
	require.Zero(t, v.Levels.L0.TotalFileSize)
	lvl := v.Levels.GetLevel(6)
	require.Len(t, lvl.TableInfos, 1)
	require.Equal(t, uint64(3), lvl.TableInfos[0].ID)
	require.Equal(t, uint64(18), lvl.TotalFileSize)
	require.False(t, v.ContainsSstable(1))
	require.True(t, v.ContainsSstable(3))
}

func TestApplyCompactResultMergesIntoExistingSubLevel(t *testing.T) {
	v := NewInitialVersion(6)
	v.Levels.L0.SubLevels = []Level{
		{LevelIdx: 0, LevelType: LevelNonoverlapping, SubLevelID: 10, TableInfos: []SstableInfo{sst(1, "a", "c", 10)}},
		{LevelIdx: 0, LevelType: LevelNonoverlapping, SubLevelID: 20, TableInfos: []SstableInfo{sst(2, "x", "z", 10)}},
	}
	v.Levels.L0.recalcSize()

	// Trivial move of sub-level 20 into sub-level 10.
	v.ApplyCompactResult(CompactDelta{
		InputIDs:         map[uint32][]uint64{0: {2}},
		TargetLevel:      0,
		TargetSubLevelID: 10,
		Outputs:          []SstableInfo{sst(2, "x", "z", 10)},
	})

	require.Len(t, v.Levels.L0.SubLevels, 1)
	merged := v.Levels.L0.SubLevels[0]
	require.Equal(t, uint64(10), merged.SubLevelID)
	require.Len(t, merged.TableInfos, 2)
	require.Equal(t, uint64(1), merged.TableInfos[0].ID)
	require.Equal(t, uint64(2), merged.TableInfos[1].ID)
}

func TestApplyCompactResultNewSubLevelSortedBySubLevelID(t *testing.T) {
	v := NewInitialVersion(6)
	v.Levels.L0.SubLevels = []Level{
		{LevelIdx: 0, LevelType: LevelOverlapping, SubLevelID: 10, TableInfos: []SstableInfo{sst(1, "a", "c", 10)}},
		{LevelIdx: 0, LevelType: LevelOverlapping, SubLevelID: 30, TableInfos: []SstableInfo{sst(3, "a", "c", 10)}},
	}
	v.Levels.L0.recalcSize()

	v.ApplyCompactResult(CompactDelta{
		InputIDs:         map[uint32][]uint64{},
		TargetLevel:      0,
		TargetSubLevelID: 20,
		Outputs:          []SstableInfo{sst(9, "a", "c", 5)},
	})

	ids := []uint64{}
	for _, sl := range v.Levels.L0.SubLevels {
		ids = append(ids, sl.SubLevelID)
	}
	require.Equal(t, []uint64{10, 20, 30}, ids)
}

func TestCloneIsDeep(t *testing.T) {
	v := NewInitialVersion(6)
	v.ApplyAddTables(100, []SstableInfo{sst(1, "a", "c", 10)})
	require.NoError(t, v.ApplyCommitEpoch(100))

	c := v.Clone()
	c.ID++
	c.Levels.L0.SubLevels[0].TableInfos[0].KeyRange.Left[0] = 'z'

	require.Equal(t, byte('a'), v.Levels.L0.SubLevels[0].TableInfos[0].KeyRange.Left[0])
	require.NotEqual(t, v.ID, c.ID)
}
