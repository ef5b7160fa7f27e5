package compaction

import (
	"github.com/singularity-data/hummock/pkg/hummock"
)

// maxWriteAmpPercent caps how many target bytes a small L0-to-base pick
// may drag along per input byte before the picker escalates to a bulk
// merge of the whole level pair.
const maxWriteAmpPercent = 150

// LevelCompactionPicker moves the oldest L0 sub-level down into the
// base level.
type LevelCompactionPicker struct {
	targetLevel uint32
	cfg         Config
	overlap     OverlapStrategy
}

func NewLevelCompactionPicker(targetLevel uint32, cfg Config, overlap OverlapStrategy) *LevelCompactionPicker {
	return &LevelCompactionPicker{targetLevel: targetLevel, cfg: cfg, overlap: overlap}
}

func (p *LevelCompactionPicker) PickCompaction(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler) *CompactionInput {
	subs := levels.L0.SubLevels
	if len(subs) == 0 {
		return nil
	}
	oldest := &subs[0]
	l0Handler := handlers[0]
	target := levels.GetLevel(int(p.targetLevel))
	targetHandler := handlers[p.targetLevel]

	if l0Handler.AnyPending(oldest.TableInfos) {
		return nil
	}

	// Empty base level: a sorted sub-level can slide down whole.
	if len(target.TableInfos) == 0 && oldest.LevelType == hummock.LevelNonoverlapping {
		in := &CompactionInput{
			InputLevels: []InputLevel{
				{LevelIdx: 0, LevelType: oldest.LevelType, SubLevelID: oldest.SubLevelID, TableInfos: oldest.TableInfos},
				{LevelIdx: p.targetLevel, LevelType: hummock.LevelNonoverlapping},
			},
			TargetLevel: p.targetLevel,
		}
		markPending(taskID, in, handlers)
		return in
	}

	over := p.overlap.CheckMultipleOverlap(coveringRange(oldest.TableInfos), target.TableInfos)
	if targetHandler.AnyPending(over) {
		return nil
	}

	srcBytes := oldest.TotalFileSize
	overBytes := hummock.SumFileSize(over)
	if srcBytes > 0 && overBytes*100/srcBytes > maxWriteAmpPercent {
		if in := p.pickWholeLevel(taskID, levels, handlers, srcBytes, overBytes); in != nil {
			return in
		}
	}

	in := &CompactionInput{
		InputLevels: []InputLevel{
			{LevelIdx: 0, LevelType: oldest.LevelType, SubLevelID: oldest.SubLevelID, TableInfos: oldest.TableInfos},
			{LevelIdx: p.targetLevel, LevelType: hummock.LevelNonoverlapping, TableInfos: over},
		},
		TargetLevel: p.targetLevel,
	}
	markPending(taskID, in, handlers)
	return in
}

// pickWholeLevel merges a run of L0 sub-levels with the whole base
// level in one task. Sub-levels accumulate oldest first until
// MaxCompactionBytes, counting the target's bytes. Worth it only when
// the bulk merge does not amplify worse than the small pick it
// replaces, and nothing on either side is claimed.
func (p *LevelCompactionPicker) pickWholeLevel(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler, smallSrc, smallOver uint64) *CompactionInput {
	target := levels.GetLevel(int(p.targetLevel))

	var inputs []InputLevel
	var picked []hummock.SstableInfo
	var l0Bytes uint64
	for i := range levels.L0.SubLevels {
		sl := &levels.L0.SubLevels[i]
		if len(inputs) > 0 && l0Bytes+sl.TotalFileSize+target.TotalFileSize > p.cfg.MaxCompactionBytes {
			break
		}
		inputs = append(inputs, InputLevel{
			LevelIdx:   0,
			LevelType:  sl.LevelType,
			SubLevelID: sl.SubLevelID,
			TableInfos: sl.TableInfos,
		})
		picked = append(picked, sl.TableInfos...)
		l0Bytes += sl.TotalFileSize
	}
	if l0Bytes == 0 {
		return nil
	}
	if handlers[0].AnyPending(picked) || handlers[p.targetLevel].AnyPending(target.TableInfos) {
		return nil
	}
	if target.TotalFileSize*100/l0Bytes > smallOver*100/smallSrc {
		return nil
	}

	inputs = append(inputs, InputLevel{
		LevelIdx:   p.targetLevel,
		LevelType:  hummock.LevelNonoverlapping,
		TableInfos: target.TableInfos,
	})
	in := &CompactionInput{InputLevels: inputs, TargetLevel: p.targetLevel}
	markPending(taskID, in, handlers)
	return in
}
