package compaction

import (
	"github.com/singularity-data/hummock/pkg/hummock"
)

// TierCompactionPicker merges L0 sub-levels among themselves. It first
// looks for a free trivial move (a sorted sub-level sliding into a
// disjoint neighbor), then falls back to merging a run of consecutive
// sub-levels into one sorted run.
type TierCompactionPicker struct {
	cfg     Config
	overlap OverlapStrategy
}

func NewTierCompactionPicker(cfg Config, overlap OverlapStrategy) *TierCompactionPicker {
	return &TierCompactionPicker{cfg: cfg, overlap: overlap}
}

func (p *TierCompactionPicker) PickCompaction(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler) *CompactionInput {
	if in := p.pickTrivialMove(taskID, levels, handlers); in != nil {
		return in
	}
	return p.pickMerge(taskID, levels, handlers)
}

// pickTrivialMove relocates a sorted sub-level into the older sorted
// sub-level right beneath it when their key spans do not touch. No
// bytes are rewritten.
func (p *TierCompactionPicker) pickTrivialMove(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler) *CompactionInput {
	subs := levels.L0.SubLevels
	h := handlers[0]
	for i := 0; i+1 < len(subs); i++ {
		older, newer := &subs[i], &subs[i+1]
		if older.LevelType != hummock.LevelNonoverlapping || newer.LevelType != hummock.LevelNonoverlapping {
			continue
		}
		if h.AnyPending(older.TableInfos) || h.AnyPending(newer.TableInfos) {
			continue
		}
		if !newer.DisjointWith(older) {
			continue
		}
		in := &CompactionInput{
			InputLevels: []InputLevel{
				{LevelIdx: 0, LevelType: newer.LevelType, SubLevelID: newer.SubLevelID, TableInfos: newer.TableInfos},
				{LevelIdx: 0, LevelType: older.LevelType, SubLevelID: older.SubLevelID},
			},
			TargetLevel:      0,
			TargetSubLevelID: older.SubLevelID,
		}
		markPending(taskID, in, handlers)
		return in
	}
	return nil
}

// pickMerge accumulates consecutive unclaimed sub-levels from the
// oldest one up, bounded by SubLevelMaxCompactionBytes. The pick only
// fires once it would reduce enough read fan-out: at least two
// sub-levels and Level0TierCompactFileNumber files.
func (p *TierCompactionPicker) pickMerge(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler) *CompactionInput {
	subs := levels.L0.SubLevels
	h := handlers[0]

	var picked []InputLevel
	var totalBytes uint64
	fileCount := 0
	for i := range subs {
		if h.AnyPending(subs[i].TableInfos) {
			break
		}
		if len(picked) > 0 && totalBytes+subs[i].TotalFileSize > p.cfg.SubLevelMaxCompactionBytes {
			break
		}
		picked = append(picked, InputLevel{
			LevelIdx:   0,
			LevelType:  subs[i].LevelType,
			SubLevelID: subs[i].SubLevelID,
			TableInfos: subs[i].TableInfos,
		})
		totalBytes += subs[i].TotalFileSize
		fileCount += len(subs[i].TableInfos)
	}
	if len(picked) < 2 || fileCount < p.cfg.Level0TierCompactFileNumber {
		return nil
	}

	in := &CompactionInput{
		InputLevels:      append(picked, InputLevel{LevelIdx: 0, LevelType: hummock.LevelNonoverlapping}),
		TargetLevel:      0,
		TargetSubLevelID: picked[0].SubLevelID,
	}
	markPending(taskID, in, handlers)
	return in
}
