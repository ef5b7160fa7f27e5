package storage

import (
	"bytes"
	"container/heap"
	"context"

	"github.com/singularity-data/hummock/pkg/hummock"
)

// Iterator walks entries in one direction. Forward order is user key
// ascending; reverse is user key descending. In both directions the
// versions of one key come newest first.
type Iterator interface {
	Valid() bool
	Entry() Entry
	Next() error
}

// entryLessRev orders entries for reverse iteration.
func entryLessRev(a, b Entry) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c > 0
	}
	return a.Epoch > b.Epoch
}

// tableIter walks one decoded sstable.
type tableIter struct {
	entries []Entry
	idx     int
}

func newTableIter(d *SstableData) *tableIter {
	return &tableIter{entries: d.Entries}
}

// newReverseTableIter rebuilds the entry order for reverse iteration:
// key groups reversed, versions inside a group kept newest first.
func newReverseTableIter(d *SstableData) *tableIter {
	src := d.Entries
	out := make([]Entry, 0, len(src))
	end := len(src)
	for end > 0 {
		start := end - 1
		for start > 0 && bytes.Equal(src[start-1].Key, src[end-1].Key) {
			start--
		}
		out = append(out, src[start:end]...)
		end = start
	}
	return &tableIter{entries: out}
}

func (it *tableIter) Valid() bool  { return it.idx < len(it.entries) }
func (it *tableIter) Entry() Entry { return it.entries[it.idx] }
func (it *tableIter) Next() error  { it.idx++; return nil }

// FetchFunc loads and decodes one sstable by id.
type FetchFunc func(ctx context.Context, id uint64) (*SstableData, error)

// NewTableIter walks one decoded sstable forward; used by the
// compactor to stream a file's entries.
func NewTableIter(d *SstableData) Iterator {
	return newTableIter(d)
}

// NewConcatIter walks a sorted run of disjoint sstables.
func NewConcatIter(ctx context.Context, tables []hummock.SstableInfo, fetch FetchFunc, reverse bool) (Iterator, error) {
	return newConcatIter(ctx, tables, fetch, reverse)
}

// NewMergeIter merges iterators into one ordered stream.
func NewMergeIter(iters []Iterator, reverse bool) Iterator {
	return newMergeIter(iters, reverse)
}

// concatIter walks a sorted run of disjoint sstables one after the
// other, fetching lazily so a bounded scan touches only the files it
// needs.
type concatIter struct {
	ctx     context.Context
	tables  []hummock.SstableInfo
	fetch   FetchFunc
	reverse bool

	next int
	cur  *tableIter
}

func newConcatIter(ctx context.Context, tables []hummock.SstableInfo, fetch FetchFunc, reverse bool) (*concatIter, error) {
	it := &concatIter{ctx: ctx, tables: tables, fetch: fetch, reverse: reverse}
	if err := it.advanceTable(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *concatIter) advanceTable() error {
	it.cur = nil
	for it.next < len(it.tables) {
		var info hummock.SstableInfo
		if it.reverse {
			info = it.tables[len(it.tables)-1-it.next]
		} else {
			info = it.tables[it.next]
		}
		it.next++
		data, err := it.fetch(it.ctx, info.ID)
		if err != nil {
			return err
		}
		var sub *tableIter
		if it.reverse {
			sub = newReverseTableIter(data)
		} else {
			sub = newTableIter(data)
		}
		if sub.Valid() {
			it.cur = sub
			return nil
		}
	}
	return nil
}

func (it *concatIter) Valid() bool  { return it.cur != nil && it.cur.Valid() }
func (it *concatIter) Entry() Entry { return it.cur.Entry() }

func (it *concatIter) Next() error {
	if err := it.cur.Next(); err != nil {
		return err
	}
	if !it.cur.Valid() {
		return it.advanceTable()
	}
	return nil
}

// mergeIter merges several iterators into one ordered stream.
type mergeIter struct {
	h *iterHeap
}

type iterHeap struct {
	iters []Iterator
	less  func(a, b Entry) bool
}

func (h *iterHeap) Len() int { return len(h.iters) }
func (h *iterHeap) Less(i, j int) bool {
	return h.less(h.iters[i].Entry(), h.iters[j].Entry())
}
func (h *iterHeap) Swap(i, j int)      { h.iters[i], h.iters[j] = h.iters[j], h.iters[i] }
func (h *iterHeap) Push(x any)         { h.iters = append(h.iters, x.(Iterator)) }
func (h *iterHeap) Pop() any {
	old := h.iters
	n := len(old)
	x := old[n-1]
	h.iters = old[:n-1]
	return x
}

func newMergeIter(iters []Iterator, reverse bool) *mergeIter {
	less := entryLess
	if reverse {
		less = entryLessRev
	}
	h := &iterHeap{less: less}
	for _, it := range iters {
		if it.Valid() {
			h.iters = append(h.iters, it)
		}
	}
	heap.Init(h)
	return &mergeIter{h: h}
}

func (m *mergeIter) Valid() bool  { return m.h.Len() > 0 }
func (m *mergeIter) Entry() Entry { return m.h.iters[0].Entry() }

func (m *mergeIter) Next() error {
	top := m.h.iters[0]
	if err := top.Next(); err != nil {
		return err
	}
	if top.Valid() {
		heap.Fix(m.h, 0)
	} else {
		heap.Pop(m.h)
	}
	return nil
}
