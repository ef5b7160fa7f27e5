package compaction

import (
	"math"

	"github.com/singularity-data/hummock/pkg/hummock"
)

// MinOverlapPicker compacts a sorted run from one level into the next,
// choosing the start file that drags the fewest target bytes along and
// then widening the pick only while it stays free.
type MinOverlapPicker struct {
	level       uint32
	targetLevel uint32
	maxBytes    uint64
	overlap     OverlapStrategy
}

// NewMinOverlapPicker builds a picker moving files from level into
// targetLevel, capping the source side at maxBytes.
func NewMinOverlapPicker(level, targetLevel uint32, maxBytes uint64, overlap OverlapStrategy) *MinOverlapPicker {
	return &MinOverlapPicker{
		level:       level,
		targetLevel: targetLevel,
		maxBytes:    maxBytes,
		overlap:     overlap,
	}
}

func (p *MinOverlapPicker) PickCompaction(taskID uint64, levels *hummock.Levels, handlers []*LevelHandler) *CompactionInput {
	src := levels.GetLevel(int(p.level))
	tgt := levels.GetLevel(int(p.targetLevel))

	sel, over := p.pickTables(src.TableInfos, tgt.TableInfos, handlers[p.level], handlers[p.targetLevel])
	if len(sel) == 0 {
		return nil
	}
	in := &CompactionInput{
		InputLevels: []InputLevel{
			{LevelIdx: p.level, LevelType: hummock.LevelNonoverlapping, TableInfos: sel},
			{LevelIdx: p.targetLevel, LevelType: hummock.LevelNonoverlapping, TableInfos: over},
		},
		TargetLevel: p.targetLevel,
	}
	markPending(taskID, in, handlers)
	return in
}

// pickTables chooses the cheapest unclaimed start file and extends the
// pick rightward while no extra target file gets pulled in and the
// byte cap holds.
func (p *MinOverlapPicker) pickTables(src, tgt []hummock.SstableInfo, srcHandler, tgtHandler *LevelHandler) (sel, over []hummock.SstableInfo) {
	best := -1
	bestCost := uint64(math.MaxUint64)
	for i := range src {
		if srcHandler.IsPending(src[i].ID) {
			continue
		}
		hit := p.overlap.CheckMultipleOverlap(src[i].KeyRange, tgt)
		if tgtHandler.AnyPending(hit) {
			continue
		}
		cost := hummock.SumFileSize(hit)
		if cost < bestCost {
			best, bestCost = i, cost
		}
	}
	if best < 0 {
		return nil, nil
	}

	sel = src[best : best+1]
	r := src[best].KeyRange
	total := src[best].FileSize
	over = p.overlap.CheckMultipleOverlap(r, tgt)
	for j := best + 1; j < len(src); j++ {
		next := src[j]
		if srcHandler.IsPending(next.ID) {
			break
		}
		if total+next.FileSize > p.maxBytes {
			break
		}
		wider := r.Extend(next.KeyRange)
		hit := p.overlap.CheckMultipleOverlap(wider, tgt)
		if len(hit) != len(over) {
			break
		}
		sel = src[best : j+1]
		r = wider
		total += next.FileSize
		over = hit
	}
	return sel, over
}
