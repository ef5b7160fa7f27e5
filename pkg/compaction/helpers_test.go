package compaction

import (
	"github.com/singularity-data/hummock/pkg/hummock"
)

func sst(id uint64, left, right string, size uint64) hummock.SstableInfo {
	return hummock.SstableInfo{
		ID:       id,
		KeyRange: hummock.NewKeyRange([]byte(left), []byte(right)),
		FileSize: size,
	}
}

func subLevel(subLevelID uint64, lt hummock.LevelType, tables ...hummock.SstableInfo) hummock.Level {
	lvl := hummock.Level{
		LevelIdx:   0,
		LevelType:  lt,
		SubLevelID: subLevelID,
		TableInfos: tables,
	}
	lvl.TotalFileSize = hummock.SumFileSize(tables)
	return lvl
}

func makeLevels(maxLevel int, subLevels []hummock.Level, deep map[int][]hummock.SstableInfo) *hummock.Levels {
	levels := hummock.NewEmptyLevels(maxLevel)
	levels.L0.SubLevels = subLevels
	for i := range subLevels {
		levels.L0.TotalFileSize += subLevels[i].TotalFileSize
	}
	for idx, tables := range deep {
		lvl := levels.GetLevel(idx)
		lvl.TableInfos = tables
		lvl.TotalFileSize = hummock.SumFileSize(tables)
	}
	return &levels
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Level0TierCompactFileNumber = 4
	cfg.MaxBytesForLevelBase = 100
	cfg.MaxBytesForLevelMultiplier = 10
	cfg.SubLevelMaxCompactionBytes = 1 << 20
	cfg.MaxCompactionBytes = 1 << 30
	return cfg
}
