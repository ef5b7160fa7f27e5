package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singularity-data/hummock/pkg/hummock"
)

func decoded(t *testing.T, entries []Entry) *SstableData {
	t.Helper()
	blob, err := EncodeSstable(entries, "none")
	require.NoError(t, err)
	data, err := DecodeSstable(blob)
	require.NoError(t, err)
	return data
}

func collect(t *testing.T, it Iterator) []Entry {
	t.Helper()
	var out []Entry
	for it.Valid() {
		out = append(out, it.Entry())
		require.NoError(t, it.Next())
	}
	return out
}

func TestReverseTableIterKeepsVersionOrder(t *testing.T) {
	data := decoded(t, []Entry{
		e("a", 300, OpPut, "a3"),
		e("a", 100, OpPut, "a1"),
		e("b", 200, OpPut, "b2"),
	})

	// Keys walk backwards; versions of one key stay newest first.
	got := collect(t, newReverseTableIter(data))
	require.Equal(t, []Entry{
		e("b", 200, OpPut, "b2"),
		e("a", 300, OpPut, "a3"),
		e("a", 100, OpPut, "a1"),
	}, got)
}

func TestConcatIterWalksRunBothWays(t *testing.T) {
	ctx := context.Background()
	blobs := map[uint64]*SstableData{
		1: decoded(t, []Entry{e("a", 100, OpPut, "va"), e("b", 100, OpPut, "vb")}),
		2: decoded(t, []Entry{e("c", 100, OpPut, "vc")}),
	}
	fetch := func(_ context.Context, id uint64) (*SstableData, error) {
		return blobs[id], nil
	}
	run := []hummock.SstableInfo{
		{ID: 1, KeyRange: hummock.NewKeyRange([]byte("a"), []byte("b"))},
		{ID: 2, KeyRange: hummock.NewKeyRange([]byte("c"), []byte("c"))},
	}

	fwd, err := newConcatIter(ctx, run, fetch, false)
	require.NoError(t, err)
	require.Equal(t, []Entry{
		e("a", 100, OpPut, "va"),
		e("b", 100, OpPut, "vb"),
		e("c", 100, OpPut, "vc"),
	}, collect(t, fwd))

	rev, err := newConcatIter(ctx, run, fetch, true)
	require.NoError(t, err)
	require.Equal(t, []Entry{
		e("c", 100, OpPut, "vc"),
		e("b", 100, OpPut, "vb"),
		e("a", 100, OpPut, "va"),
	}, collect(t, rev))
}

func TestMergeIterInterleavesNewestFirst(t *testing.T) {
	older := newTableIter(decoded(t, []Entry{
		e("a", 100, OpPut, "a1"),
		e("c", 100, OpPut, "c1"),
	}))
	newer := newTableIter(decoded(t, []Entry{
		e("a", 200, OpPut, "a2"),
		e("b", 200, OpPut, "b2"),
	}))

	got := collect(t, newMergeIter([]Iterator{older, newer}, false))
	require.Equal(t, []Entry{
		e("a", 200, OpPut, "a2"),
		e("a", 100, OpPut, "a1"),
		e("b", 200, OpPut, "b2"),
		e("c", 100, OpPut, "c1"),
	}, got)
}
