package hummock

import "bytes"

// KeyRange is the inclusive key span covered by one SSTable.
// Inf marks the range as unbounded on both sides (used by freshly
// initialized groups and by manual compaction over the whole keyspace).
type KeyRange struct {
	Left  []byte `json:"left,omitempty"`
	Right []byte `json:"right,omitempty"`
	Inf   bool   `json:"inf,omitempty"`
}

// InfRange returns the unbounded key range.
func InfRange() KeyRange {
	return KeyRange{Inf: true}
}

// NewKeyRange returns the inclusive range [left, right].
func NewKeyRange(left, right []byte) KeyRange {
	return KeyRange{Left: left, Right: right}
}

// Overlap reports whether the two ranges share at least one key.
func (r KeyRange) Overlap(other KeyRange) bool {
	if r.Inf || other.Inf {
		return true
	}
	return !r.FullKeyLess(other) && !other.FullKeyLess(r)
}

// FullKeyLess reports whether r lies entirely to the left of other.
func (r KeyRange) FullKeyLess(other KeyRange) bool {
	if r.Inf || other.Inf {
		return false
	}
	return bytes.Compare(r.Right, other.Left) < 0
}

// Contains reports whether the key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	if r.Inf {
		return true
	}
	return bytes.Compare(r.Left, key) <= 0 && bytes.Compare(key, r.Right) <= 0
}

// Extend grows the range to also cover other.
func (r KeyRange) Extend(other KeyRange) KeyRange {
	if r.Inf || other.Inf {
		return InfRange()
	}
	out := r
	if bytes.Compare(other.Left, out.Left) < 0 {
		out.Left = other.Left
	}
	if bytes.Compare(other.Right, out.Right) > 0 {
		out.Right = other.Right
	}
	return out
}

// CompareLeft orders ranges by their left bound; an Inf range sorts first.
func (r KeyRange) CompareLeft(other KeyRange) int {
	switch {
	case r.Inf && other.Inf:
		return 0
	case r.Inf:
		return -1
	case other.Inf:
		return 1
	}
	return bytes.Compare(r.Left, other.Left)
}
