package compaction

import (
	"github.com/singularity-data/hummock/pkg/hummock"
)

// OverlapStrategy answers key-range intersection queries for pickers.
// It is an interface so alternative strategies (for example prefix- or
// table-id-aware ones) can be plugged in without touching the pickers.
type OverlapStrategy interface {
	// CheckOverlap reports whether the two ranges intersect.
	CheckOverlap(a, b hummock.KeyRange) bool
	// CheckMultipleOverlap returns the files whose range intersects r,
	// preserving input order.
	CheckMultipleOverlap(r hummock.KeyRange, tables []hummock.SstableInfo) []hummock.SstableInfo
}

// RangeOverlapStrategy is the plain byte-wise key range strategy.
type RangeOverlapStrategy struct{}

func (RangeOverlapStrategy) CheckOverlap(a, b hummock.KeyRange) bool {
	return a.Overlap(b)
}

func (RangeOverlapStrategy) CheckMultipleOverlap(r hummock.KeyRange, tables []hummock.SstableInfo) []hummock.SstableInfo {
	var out []hummock.SstableInfo
	for _, t := range tables {
		if r.Overlap(t.KeyRange) {
			out = append(out, t)
		}
	}
	return out
}

// coveringRange returns the smallest range covering all files.
func coveringRange(tables []hummock.SstableInfo) hummock.KeyRange {
	if len(tables) == 0 {
		return hummock.KeyRange{}
	}
	r := tables[0].KeyRange
	for _, t := range tables[1:] {
		r = r.Extend(t.KeyRange)
	}
	return r
}
