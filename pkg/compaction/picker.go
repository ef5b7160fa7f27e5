package compaction

import (
	"github.com/singularity-data/hummock/pkg/hummock"
)

// Picker proposes one compaction input from the current level structure,
// or nil when nothing worthwhile can be picked. On success the picker
// claims the chosen files in the handlers under taskID, so a subsequent
// pick cannot select them again.
type Picker interface {
	PickCompaction(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler) *CompactionInput
}

// markPending claims every source and target file of the input.
func markPending(taskID uint64, in *CompactionInput, handlers []*LevelHandler) {
	for _, il := range in.InputLevels {
		handlers[il.LevelIdx].AddTask(taskID, in.TargetLevel, il.TableInfos)
	}
}
