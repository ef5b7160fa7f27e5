package compaction

import (
	"github.com/singularity-data/hummock/pkg/hummock"
)

// Config is the compaction tuning surface, loaded by the config layer.
type Config struct {
	// MaxLevel is the deepest level index (levels 1..MaxLevel below L0).
	MaxLevel int
	// Level0TierCompactFileNumber is the minimum idle L0 file count
	// before tiered intra-L0 compaction triggers.
	Level0TierCompactFileNumber int
	// MaxBytesForLevelBase is the byte target of the base level.
	MaxBytesForLevelBase uint64
	// MaxBytesForLevelMultiplier is the per-level growth factor.
	MaxBytesForLevelMultiplier uint64
	// MaxCompactionBytes caps the total input of one task.
	MaxCompactionBytes uint64
	// SubLevelMaxCompactionBytes caps tiered sub-level accumulation and
	// is the threshold above which a task is split into sub-tasks.
	SubLevelMaxCompactionBytes uint64
	// MaxSubCompaction bounds parallel sub-task fan-out per task.
	MaxSubCompaction int
	// TargetFileSizeBase is the output file size at the base level;
	// it doubles per level below.
	TargetFileSizeBase uint64
	// CompressionAlgorithms maps level depth to an algorithm name
	// ("none", "snappy"); the last entry covers deeper levels.
	CompressionAlgorithms []string
}

// DefaultConfig returns the baseline compaction tuning.
func DefaultConfig() Config {
	return Config{
		MaxLevel:                    6,
		Level0TierCompactFileNumber: 4,
		MaxBytesForLevelBase:        256 << 20,
		MaxBytesForLevelMultiplier:  10,
		MaxCompactionBytes:          2 << 30,
		SubLevelMaxCompactionBytes:  128 << 20,
		MaxSubCompaction:            4,
		TargetFileSizeBase:          32 << 20,
		CompressionAlgorithms:       []string{"none", "none", "snappy"},
	}
}

// InputLevel is one source (or target) slice of a compaction input.
type InputLevel struct {
	LevelIdx   uint32                `json:"level_idx"`
	LevelType  hummock.LevelType     `json:"level_type"`
	SubLevelID uint64                `json:"sub_level_id,omitempty"`
	TableInfos []hummock.SstableInfo `json:"table_infos"`
}

// CompactionInput is a picker's proposal: the source input levels
// followed by the target level's overlapping files as the last entry
// (possibly empty, which for a single source level means the move is
// trivial: no bytes need rewriting).
type CompactionInput struct {
	InputLevels      []InputLevel `json:"input_levels"`
	TargetLevel      uint32       `json:"target_level"`
	TargetSubLevelID uint64       `json:"target_sub_level_id,omitempty"`
}

// SourceLevels returns the input levels excluding the target entry.
func (in *CompactionInput) SourceLevels() []InputLevel {
	return in.InputLevels[:len(in.InputLevels)-1]
}

// TargetFiles returns the target level's overlapping files.
func (in *CompactionInput) TargetFiles() []hummock.SstableInfo {
	return in.InputLevels[len(in.InputLevels)-1].TableInfos
}

// IsTrivialMove reports whether the input is a pure relocation: one
// sorted source run and nothing to merge with at the target. An
// overlapping source must always be rewritten, even into empty space.
func (in *CompactionInput) IsTrivialMove() bool {
	return len(in.InputLevels) == 2 &&
		in.InputLevels[0].LevelType == hummock.LevelNonoverlapping &&
		len(in.TargetFiles()) == 0
}

// InputIDs groups the input file ids by source level index for version
// application; all L0 sub-levels share key 0.
func (in *CompactionInput) InputIDs() map[uint32][]uint64 {
	out := make(map[uint32][]uint64)
	for _, il := range in.InputLevels {
		if len(il.TableInfos) == 0 {
			continue
		}
		out[il.LevelIdx] = append(out[il.LevelIdx], hummock.SstableIDs(il.TableInfos)...)
	}
	return out
}

// TotalFileSize sums all input bytes, target side included.
func (in *CompactionInput) TotalFileSize() uint64 {
	var n uint64
	for _, il := range in.InputLevels {
		n += hummock.SumFileSize(il.TableInfos)
	}
	return n
}

// CompactionTask is a fully parameterized, executable unit of work
// handed to a compactor worker.
type CompactionTask struct {
	TaskID  uint64 `json:"task_id"`
	GroupID uint64 `json:"group_id"`

	InputLevels      []InputLevel `json:"input_levels"`
	TargetLevel      uint32       `json:"target_level"`
	TargetSubLevelID uint64       `json:"target_sub_level_id,omitempty"`

	// TargetFileSize is the output file capacity for this task.
	TargetFileSize uint64 `json:"target_file_size"`
	// Compression names the block compression for output files.
	Compression string `json:"compression"`
	// Splits are sub-task key ranges for parallel execution; empty
	// means the task runs as one job.
	Splits []hummock.KeyRange `json:"splits,omitempty"`
	// WatermarkEpoch is the minimum pinned snapshot epoch: entries
	// newer than it must be preserved verbatim by the worker.
	WatermarkEpoch uint64 `json:"watermark_epoch"`
}

// Input returns the task's proposal view.
func (t *CompactionTask) Input() *CompactionInput {
	return &CompactionInput{
		InputLevels:      t.InputLevels,
		TargetLevel:      t.TargetLevel,
		TargetSubLevelID: t.TargetSubLevelID,
	}
}
