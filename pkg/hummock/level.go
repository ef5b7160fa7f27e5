package hummock

import (
	"bytes"
	"sort"
)

// LevelType tells whether files within a level may overlap in key space.
type LevelType string

const (
	// LevelOverlapping levels hold freshly flushed files whose key
	// ranges may intersect; readers must consult every file.
	LevelOverlapping LevelType = "overlapping"
	// LevelNonoverlapping levels are sorted runs: files are disjoint
	// and ordered by key, so readers binary-search one file.
	LevelNonoverlapping LevelType = "nonoverlapping"
)

// Level is one tier of the LSM hierarchy. For level 0 it describes a
// single sub-level inside OverlappingLevel.
type Level struct {
	LevelIdx      uint32        `json:"level_idx"`
	LevelType     LevelType     `json:"level_type"`
	SubLevelID    uint64        `json:"sub_level_id,omitempty"`
	TableInfos    []SstableInfo `json:"table_infos"`
	TotalFileSize uint64        `json:"total_file_size"`
}

// OverlappingLevel is level 0: an ordered list of sub-levels, oldest
// first. Each commit_epoch appends one overlapping sub-level; intra-L0
// compaction merges sub-levels into non-overlapping ones.
type OverlappingLevel struct {
	SubLevels     []Level `json:"sub_levels"`
	TotalFileSize uint64  `json:"total_file_size"`
}

// Levels is the complete level structure of one compaction group.
// Levels.Levels[i] holds level i+1; level 0 lives in L0.
type Levels struct {
	L0     OverlappingLevel `json:"l0"`
	Levels []Level          `json:"levels"`
}

// NewEmptyLevels builds the level structure of a fresh group with
// maxLevel non-overlapping levels below L0.
func NewEmptyLevels(maxLevel int) Levels {
	levels := make([]Level, 0, maxLevel)
	for i := 1; i <= maxLevel; i++ {
		levels = append(levels, Level{
			LevelIdx:  uint32(i),
			LevelType: LevelNonoverlapping,
		})
	}
	return Levels{Levels: levels}
}

// MaxLevel returns the deepest level index.
func (l *Levels) MaxLevel() int {
	return len(l.Levels)
}

// GetLevel returns level idx (1-based). Level 0 is not addressable here.
func (l *Levels) GetLevel(idx int) *Level {
	return &l.Levels[idx-1]
}

// recalcSize refreshes the cached byte totals after a mutation.
func (lvl *Level) recalcSize() {
	lvl.TotalFileSize = SumFileSize(lvl.TableInfos)
}

func (o *OverlappingLevel) recalcSize() {
	var total uint64
	for i := range o.SubLevels {
		o.SubLevels[i].recalcSize()
		total += o.SubLevels[i].TotalFileSize
	}
	o.TotalFileSize = total
}

// sortByKey orders a non-overlapping level's files by left bound.
func (lvl *Level) sortByKey() {
	sort.Slice(lvl.TableInfos, func(i, j int) bool {
		return lvl.TableInfos[i].KeyRange.CompareLeft(lvl.TableInfos[j].KeyRange) < 0
	})
}

// removeByID drops the named files from the level and reports how many
// were actually present.
func (lvl *Level) removeByID(ids map[uint64]struct{}) int {
	if len(ids) == 0 {
		return 0
	}
	kept := lvl.TableInfos[:0]
	removed := 0
	for _, t := range lvl.TableInfos {
		if _, ok := ids[t.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	lvl.TableInfos = kept
	lvl.recalcSize()
	return removed
}

// DisjointWith reports whether no file of lvl overlaps any file of other.
// Both levels are expected to be non-overlapping sorted runs.
func (lvl *Level) DisjointWith(other *Level) bool {
	for i := range lvl.TableInfos {
		for j := range other.TableInfos {
			if lvl.TableInfos[i].KeyRange.Overlap(other.TableInfos[j].KeyRange) {
				return false
			}
		}
	}
	return true
}

// cloneLevel deep-copies one level.
func cloneLevel(lvl Level) Level {
	out := lvl
	out.TableInfos = append([]SstableInfo(nil), lvl.TableInfos...)
	for i := range out.TableInfos {
		out.TableInfos[i].KeyRange.Left = bytes.Clone(out.TableInfos[i].KeyRange.Left)
		out.TableInfos[i].KeyRange.Right = bytes.Clone(out.TableInfos[i].KeyRange.Right)
		out.TableInfos[i].TableIDs = append([]uint32(nil), out.TableInfos[i].TableIDs...)
	}
	return out
}

// Clone deep-copies the whole level structure.
func (l Levels) Clone() Levels {
	out := Levels{
		L0: OverlappingLevel{
			SubLevels:     make([]Level, 0, len(l.L0.SubLevels)),
			TotalFileSize: l.L0.TotalFileSize,
		},
		Levels: make([]Level, 0, len(l.Levels)),
	}
	for _, sl := range l.L0.SubLevels {
		out.L0.SubLevels = append(out.L0.SubLevels, cloneLevel(sl))
	}
	for _, lvl := range l.Levels {
		out.Levels = append(out.Levels, cloneLevel(lvl))
	}
	return out
}
