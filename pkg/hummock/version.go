package hummock

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEpochNotNewer is returned by ApplyCommitEpoch when the epoch
	// does not advance MaxCommittedEpoch. The checkpoint coordinator is
	// expected to abort the offending epoch and continue.
	ErrEpochNotNewer = errors.New("hummock: committed epoch is not newer than max committed epoch")
	// ErrUncommittedEpochNotFound is returned when an epoch operation
	// names an epoch that has no uncommitted entry.
	ErrUncommittedEpochNotFound = errors.New("hummock: uncommitted epoch not found")
)

// InvalidEpoch is the zero epoch; no data is ever written under it.
const InvalidEpoch uint64 = 0

// UncommittedEpoch collects the files registered under one epoch that
// has not been committed yet. Invisible to snapshots.
type UncommittedEpoch struct {
	Epoch  uint64        `json:"epoch"`
	Tables []SstableInfo `json:"tables"`
}

// HummockVersion is one immutable point of the version chain of a
// compaction group. Every mutation produces a successor with a larger
// id; old versions stay readable until unpinned and vacuumed.
type HummockVersion struct {
	ID                uint64             `json:"id"`
	Levels            Levels             `json:"levels"`
	UncommittedEpochs []UncommittedEpoch `json:"uncommitted_epochs,omitempty"`
	MaxCommittedEpoch uint64             `json:"max_committed_epoch"`
}

// NewInitialVersion builds version 1 of a fresh group.
func NewInitialVersion(maxLevel int) *HummockVersion {
	return &HummockVersion{
		ID:     1,
		Levels: NewEmptyLevels(maxLevel),
	}
}

// Clone deep-copies the version so a successor can be derived without
// disturbing readers of the current one.
func (v *HummockVersion) Clone() *HummockVersion {
	out := &HummockVersion{
		ID:                v.ID,
		Levels:            v.Levels.Clone(),
		MaxCommittedEpoch: v.MaxCommittedEpoch,
	}
	for _, ue := range v.UncommittedEpochs {
		out.UncommittedEpochs = append(out.UncommittedEpochs, UncommittedEpoch{
			Epoch:  ue.Epoch,
			Tables: append([]SstableInfo(nil), ue.Tables...),
		})
	}
	return out
}

// uncommittedEntry returns the entry for epoch, or -1.
func (v *HummockVersion) uncommittedEntry(epoch uint64) int {
	for i := range v.UncommittedEpochs {
		if v.UncommittedEpochs[i].Epoch == epoch {
			return i
		}
	}
	return -1
}

// ContainsSstable reports whether the file id is referenced anywhere in
// this version, committed or not.
func (v *HummockVersion) ContainsSstable(id uint64) bool {
	for _, sl := range v.Levels.L0.SubLevels {
		for _, t := range sl.TableInfos {
			if t.ID == id {
				return true
			}
		}
	}
	for _, lvl := range v.Levels.Levels {
		for _, t := range lvl.TableInfos {
			if t.ID == id {
				return true
			}
		}
	}
	for _, ue := range v.UncommittedEpochs {
		for _, t := range ue.Tables {
			if t.ID == id {
				return true
			}
		}
	}
	return false
}

// ApplyAddTables registers newly built files under an uncommitted epoch.
func (v *HummockVersion) ApplyAddTables(epoch uint64, tables []SstableInfo) {
	if i := v.uncommittedEntry(epoch); i >= 0 {
		v.UncommittedEpochs[i].Tables = append(v.UncommittedEpochs[i].Tables, tables...)
		return
	}
	v.UncommittedEpochs = append(v.UncommittedEpochs, UncommittedEpoch{
		Epoch:  epoch,
		Tables: append([]SstableInfo(nil), tables...),
	})
}

// ApplyCommitEpoch moves the epoch's files into a fresh L0 sub-level and
// advances MaxCommittedEpoch. Committing an epoch with no uncommitted
// entry is legal: an empty checkpoint still advances the watermark.
func (v *HummockVersion) ApplyCommitEpoch(epoch uint64) error {
	if epoch <= v.MaxCommittedEpoch {
		return fmt.Errorf("%w: epoch %d, max committed %d", ErrEpochNotNewer, epoch, v.MaxCommittedEpoch)
	}
	if i := v.uncommittedEntry(epoch); i >= 0 {
		tables := v.UncommittedEpochs[i].Tables
		v.UncommittedEpochs = append(v.UncommittedEpochs[:i], v.UncommittedEpochs[i+1:]...)
		if len(tables) > 0 {
			sub := Level{
				LevelIdx:   0,
				LevelType:  LevelOverlapping,
				SubLevelID: epoch,
				TableInfos: tables,
			}
			sub.recalcSize()
			v.Levels.L0.SubLevels = append(v.Levels.L0.SubLevels, sub)
			v.Levels.L0.recalcSize()
		}
	}
	v.MaxCommittedEpoch = epoch
	return nil
}

// ApplyAbortEpoch discards an uncommitted epoch and returns the files
// that were registered under it, so their metadata can be reclaimed.
func (v *HummockVersion) ApplyAbortEpoch(epoch uint64) ([]SstableInfo, error) {
	i := v.uncommittedEntry(epoch)
	if i < 0 {
		return nil, fmt.Errorf("%w: epoch %d", ErrUncommittedEpochNotFound, epoch)
	}
	tables := v.UncommittedEpochs[i].Tables
	v.UncommittedEpochs = append(v.UncommittedEpochs[:i], v.UncommittedEpochs[i+1:]...)
	return tables, nil
}

// CompactDelta names the inputs and outputs of one finished compaction.
type CompactDelta struct {
	// InputIDs per source location: key 0 covers all L0 sub-levels,
	// any other key is a 1-based level index.
	InputIDs map[uint32][]uint64
	// TargetLevel receives the outputs; 0 means a new L0 sub-level.
	TargetLevel      uint32
	TargetSubLevelID uint64
	Outputs          []SstableInfo
}

// ApplyCompactResult replaces the delta's input files with its output
// files. The new level contents equal old contents - inputs + outputs.
func (v *HummockVersion) ApplyCompactResult(delta CompactDelta) {
	for levelIdx, ids := range delta.InputIDs {
		idSet := make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			idSet[id] = struct{}{}
		}
		if levelIdx == 0 {
			for i := range v.Levels.L0.SubLevels {
				v.Levels.L0.SubLevels[i].removeByID(idSet)
			}
		} else {
			v.Levels.GetLevel(int(levelIdx)).removeByID(idSet)
		}
	}

	if len(delta.Outputs) > 0 {
		if delta.TargetLevel == 0 {
			// A trivial move may land in a sub-level that already
			// exists; merge into it instead of inserting a twin.
			merged := false
			for i := range v.Levels.L0.SubLevels {
				if v.Levels.L0.SubLevels[i].SubLevelID == delta.TargetSubLevelID {
					sl := &v.Levels.L0.SubLevels[i]
					sl.TableInfos = append(sl.TableInfos, delta.Outputs...)
					sl.sortByKey()
					sl.recalcSize()
					merged = true
					break
				}
			}
			if !merged {
				sub := Level{
					LevelIdx:   0,
					LevelType:  LevelNonoverlapping,
					SubLevelID: delta.TargetSubLevelID,
					TableInfos: append([]SstableInfo(nil), delta.Outputs...),
				}
				sub.sortByKey()
				sub.recalcSize()
				v.Levels.L0.SubLevels = v.insertSubLevel(sub)
			}
		} else {
			lvl := v.Levels.GetLevel(int(delta.TargetLevel))
			lvl.TableInfos = append(lvl.TableInfos, delta.Outputs...)
			lvl.sortByKey()
			lvl.recalcSize()
		}
	}

	// Drop sub-levels emptied by the compaction.
	kept := v.Levels.L0.SubLevels[:0]
	for _, sl := range v.Levels.L0.SubLevels {
		if len(sl.TableInfos) > 0 {
			kept = append(kept, sl)
		}
	}
	v.Levels.L0.SubLevels = kept
	v.Levels.L0.recalcSize()
}

// insertSubLevel places a compacted sub-level at its sub-level id slot,
// keeping sub-levels ordered oldest first.
func (v *HummockVersion) insertSubLevel(sub Level) []Level {
	out := append(v.Levels.L0.SubLevels, sub)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubLevelID < out[j].SubLevelID
	})
	return out
}
