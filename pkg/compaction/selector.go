package compaction

import (
	"bytes"
	"sort"

	"github.com/singularity-data/hummock/pkg/hummock"
)

// DynamicLevelSelector decides which compaction to run next. Level byte
// targets are recomputed from the actual data volume on every pick, so
// the base level migrates upward as the group grows.
type DynamicLevelSelector struct {
	cfg     Config
	overlap OverlapStrategy
}

func NewDynamicLevelSelector(cfg Config, overlap OverlapStrategy) *DynamicLevelSelector {
	return &DynamicLevelSelector{cfg: cfg, overlap: overlap}
}

// levelTargets is the sizing plan: targets[i] is the byte budget of
// level i, zero for levels above the base level which must stay empty.
type levelTargets struct {
	baseLevel int
	targets   []uint64
}

// calculateLevelTargets derives the plan from the deepest populated
// level: its size (floored at MaxBytesForLevelBase) is divided by the
// multiplier walking upward until the budget would drop under the
// floor, which marks the base level.
func (s *DynamicLevelSelector) calculateLevelTargets(levels *hummock.Levels) levelTargets {
	maxLevel := levels.MaxLevel()
	out := levelTargets{baseLevel: maxLevel, targets: make([]uint64, maxLevel+1)}

	firstNonEmpty := 0
	for i := 1; i <= maxLevel; i++ {
		if levels.GetLevel(i).TotalFileSize > 0 {
			firstNonEmpty = i
			break
		}
	}

	cur := levels.GetLevel(maxLevel).TotalFileSize
	if cur < s.cfg.MaxBytesForLevelBase {
		cur = s.cfg.MaxBytesForLevelBase
	}
	base := maxLevel
	for base > 1 && base > firstNonEmpty && cur > s.cfg.MaxBytesForLevelBase {
		cur /= s.cfg.MaxBytesForLevelMultiplier
		base--
	}
	if cur < s.cfg.MaxBytesForLevelBase {
		cur = s.cfg.MaxBytesForLevelBase
	}

	out.baseLevel = base
	out.targets[base] = cur
	for i := base + 1; i <= maxLevel; i++ {
		out.targets[i] = out.targets[i-1] * s.cfg.MaxBytesForLevelMultiplier
	}
	return out
}

type candidate struct {
	score  uint64
	picker Picker
}

// PickCompaction scores every compaction opportunity, tries them from
// the most pressing down, and wraps the first successful pick into an
// executable task. Returns nil when no level is over pressure or every
// over-pressure pick is blocked by in-flight claims.
func (s *DynamicLevelSelector) PickCompaction(taskID, groupID uint64, levels *hummock.Levels, status *CompactStatus) *CompactionTask {
	targets := s.calculateLevelTargets(levels)
	handlers := status.LevelHandlers

	var cands []candidate

	// Intra-L0 pressure: too many files readers must consult.
	idleFiles := l0FileCount(levels) - handlers[0].PendingFileCount()
	if idleFiles > 0 {
		cands = append(cands, candidate{
			score:  uint64(idleFiles) * 100 / uint64(s.cfg.Level0TierCompactFileNumber),
			picker: NewTierCompactionPicker(s.cfg, s.overlap),
		})
	}

	// L0 volume pressure: move the backlog down to the base level.
	if levels.L0.TotalFileSize > handlers[0].PendingFileSize() {
		idle := levels.L0.TotalFileSize - handlers[0].PendingFileSize()
		cands = append(cands, candidate{
			score:  idle * 100 / s.cfg.MaxBytesForLevelBase,
			picker: NewLevelCompactionPicker(uint32(targets.baseLevel), s.cfg, s.overlap),
		})
	}

	// Deep level pressure: each level over its byte budget pushes one
	// sorted run further down.
	for lvl := targets.baseLevel; lvl < levels.MaxLevel(); lvl++ {
		size := levels.GetLevel(lvl).TotalFileSize
		pending := handlers[lvl].PendingFileSize()
		if size <= pending || targets.targets[lvl] == 0 {
			continue
		}
		cands = append(cands, candidate{
			score:  (size - pending) * 100 / targets.targets[lvl],
			picker: NewMinOverlapPicker(uint32(lvl), uint32(lvl+1), s.cfg.MaxCompactionBytes, s.overlap),
		})
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	for _, c := range cands {
		if c.score <= 100 {
			break
		}
		if in := c.picker.PickCompaction(taskID, levels, handlers); in != nil {
			return s.createCompactionTask(taskID, groupID, in, targets)
		}
	}
	return nil
}

// PickManualCompaction bypasses scoring and picks exactly what the
// operator asked for.
func (s *DynamicLevelSelector) PickManualCompaction(taskID, groupID uint64, option ManualOption, levels *hummock.Levels, status *CompactStatus) *CompactionTask {
	picker := NewManualCompactionPicker(option, s.overlap)
	in := picker.PickCompaction(taskID, levels, status.LevelHandlers)
	if in == nil {
		return nil
	}
	return s.createCompactionTask(taskID, groupID, in, s.calculateLevelTargets(levels))
}

func (s *DynamicLevelSelector) createCompactionTask(taskID, groupID uint64, in *CompactionInput, targets levelTargets) *CompactionTask {
	fileSize := s.cfg.TargetFileSizeBase
	if int(in.TargetLevel) > targets.baseLevel {
		fileSize = s.cfg.TargetFileSizeBase << (int(in.TargetLevel) - targets.baseLevel)
	}
	return &CompactionTask{
		TaskID:           taskID,
		GroupID:          groupID,
		InputLevels:      in.InputLevels,
		TargetLevel:      in.TargetLevel,
		TargetSubLevelID: in.TargetSubLevelID,
		TargetFileSize:   fileSize,
		Compression:      s.compressionFor(int(in.TargetLevel)),
		Splits:           s.splitRanges(in),
	}
}

func (s *DynamicLevelSelector) compressionFor(level int) string {
	if len(s.cfg.CompressionAlgorithms) == 0 {
		return "none"
	}
	if level >= len(s.cfg.CompressionAlgorithms) {
		level = len(s.cfg.CompressionAlgorithms) - 1
	}
	return s.cfg.CompressionAlgorithms[level]
}

// splitRanges carves a large input into up to MaxSubCompaction key
// ranges so workers can run sub-tasks in parallel. Each split covers
// [Left, next split's Left); the first is unbounded on the left. Small
// tasks and trivial moves run whole.
func (s *DynamicLevelSelector) splitRanges(in *CompactionInput) []hummock.KeyRange {
	if in.IsTrivialMove() || s.cfg.MaxSubCompaction <= 1 {
		return nil
	}
	total := in.TotalFileSize()
	if total <= s.cfg.SubLevelMaxCompactionBytes {
		return nil
	}
	parts := int(total / s.cfg.SubLevelMaxCompactionBytes)
	if parts > s.cfg.MaxSubCompaction {
		parts = s.cfg.MaxSubCompaction
	}
	if parts < 2 {
		return nil
	}

	var lefts [][]byte
	for _, il := range in.InputLevels {
		for _, t := range il.TableInfos {
			if !t.KeyRange.Inf && len(t.KeyRange.Left) > 0 {
				lefts = append(lefts, t.KeyRange.Left)
			}
		}
	}
	sort.Slice(lefts, func(i, j int) bool { return bytes.Compare(lefts[i], lefts[j]) < 0 })
	lefts = dedupKeys(lefts)
	if len(lefts) < parts {
		return nil
	}

	splits := []hummock.KeyRange{{}}
	stride := len(lefts) / parts
	for i := 1; i < parts; i++ {
		splits = append(splits, hummock.KeyRange{Left: lefts[i*stride]})
	}
	return splits
}

func dedupKeys(keys [][]byte) [][]byte {
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && bytes.Equal(k, keys[i-1]) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func l0FileCount(levels *hummock.Levels) int {
	n := 0
	for i := range levels.L0.SubLevels {
		n += len(levels.L0.SubLevels[i].TableInfos)
	}
	return n
}
