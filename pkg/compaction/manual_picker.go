package compaction

import (
	"errors"
	"fmt"

	"github.com/singularity-data/hummock/pkg/hummock"
)

// ErrInvalidLevel rejects a manual option naming a level the tree
// cannot address.
var ErrInvalidLevel = errors.New("compaction: level out of range")

// ManualOption narrows a manually triggered compaction. A zero KeyRange
// with Inf set covers the whole keyspace; an empty InternalTableIDs
// list matches every file.
type ManualOption struct {
	KeyRange         hummock.KeyRange `json:"key_range"`
	InternalTableIDs []uint32         `json:"internal_table_ids,omitempty"`
	SourceLevel      uint32           `json:"source_level"`
	TargetLevel      uint32           `json:"target_level"`
}

// Validate bounds both levels before the option reaches a picker;
// operator input arrives unchecked over HTTP.
func (o ManualOption) Validate(maxLevel int) error {
	if int(o.SourceLevel) > maxLevel {
		return fmt.Errorf("%w: source level %d, max %d", ErrInvalidLevel, o.SourceLevel, maxLevel)
	}
	if int(o.TargetLevel) > maxLevel {
		return fmt.Errorf("%w: target level %d, max %d", ErrInvalidLevel, o.TargetLevel, maxLevel)
	}
	if o.SourceLevel > 0 && o.TargetLevel == 0 {
		return fmt.Errorf("%w: target level 0 below source level %d", ErrInvalidLevel, o.SourceLevel)
	}
	return nil
}

// ManualCompactionPicker selects exactly what the operator asked for:
// the source level's files inside the option's range that hold any of
// the named internal tables.
type ManualCompactionPicker struct {
	option  ManualOption
	overlap OverlapStrategy
}

func NewManualCompactionPicker(option ManualOption, overlap OverlapStrategy) *ManualCompactionPicker {
	return &ManualCompactionPicker{option: option, overlap: overlap}
}

func (p *ManualCompactionPicker) PickCompaction(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler) *CompactionInput {
	var inputs []InputLevel
	var covered hummock.KeyRange
	first := true

	appendMatches := func(levelIdx uint32, levelType hummock.LevelType, subLevelID uint64, tables []hummock.SstableInfo) {
		var sel []hummock.SstableInfo
		for _, t := range tables {
			if !p.overlap.CheckOverlap(p.option.KeyRange, t.KeyRange) {
				continue
			}
			if !p.matchesTables(t) {
				continue
			}
			if handlers[levelIdx].IsPending(t.ID) {
				continue
			}
			sel = append(sel, t)
		}
		if len(sel) == 0 {
			return
		}
		inputs = append(inputs, InputLevel{
			LevelIdx:   levelIdx,
			LevelType:  levelType,
			SubLevelID: subLevelID,
			TableInfos: sel,
		})
		r := coveringRange(sel)
		if first {
			covered, first = r, false
		} else {
			covered = covered.Extend(r)
		}
	}

	if p.option.SourceLevel == 0 {
		for i := range levels.L0.SubLevels {
			sl := &levels.L0.SubLevels[i]
			appendMatches(0, sl.LevelType, sl.SubLevelID, sl.TableInfos)
		}
	} else {
		src := levels.GetLevel(int(p.option.SourceLevel))
		appendMatches(p.option.SourceLevel, src.LevelType, 0, src.TableInfos)
	}
	if len(inputs) == 0 {
		return nil
	}

	var over []hummock.SstableInfo
	if p.option.TargetLevel != p.option.SourceLevel {
		target := levels.GetLevel(int(p.option.TargetLevel))
		over = p.overlap.CheckMultipleOverlap(covered, target.TableInfos)
		if handlers[p.option.TargetLevel].AnyPending(over) {
			return nil
		}
	}
	inputs = append(inputs, InputLevel{
		LevelIdx:   p.option.TargetLevel,
		LevelType:  hummock.LevelNonoverlapping,
		TableInfos: over,
	})

	in := &CompactionInput{InputLevels: inputs, TargetLevel: p.option.TargetLevel}
	markPending(taskID, in, handlers)
	return in
}

func (p *ManualCompactionPicker) matchesTables(t hummock.SstableInfo) bool {
	if len(p.option.InternalTableIDs) == 0 {
		return true
	}
	for _, want := range p.option.InternalTableIDs {
		for _, have := range t.TableIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}
