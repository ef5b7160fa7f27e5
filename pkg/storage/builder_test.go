package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type seqAlloc struct {
	next uint64
}

func (a *seqAlloc) GetNewSstableID(context.Context) (uint64, error) {
	a.next++
	return a.next, nil
}

func TestBuilderRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(&seqAlloc{}, 1<<20, "none", nil)

	require.NoError(t, b.Add(ctx, e("b", 100, OpPut, "x")))
	require.Error(t, b.Add(ctx, e("a", 100, OpPut, "x")))
	// Same key must arrive epoch-descending.
	require.Error(t, b.Add(ctx, e("b", 200, OpPut, "x")))
}

func TestBuilderSplitsAtCapacityButNotWithinKey(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(&seqAlloc{}, 40, "none", []uint32{7})

	// Both versions of "a" overflow the capacity together, but versions
	// of one key never straddle a file boundary.
	require.NoError(t, b.Add(ctx, e("a", 300, OpPut, "0123456789")))
	require.NoError(t, b.Add(ctx, e("a", 200, OpPut, "0123456789")))
	require.NoError(t, b.Add(ctx, e("b", 100, OpPut, "0123456789")))

	sealed, err := b.Finish(ctx)
	require.NoError(t, err)
	require.Len(t, sealed, 2)

	require.Equal(t, uint64(1), sealed[0].Info.ID)
	require.Equal(t, []byte("a"), sealed[0].Info.KeyRange.Left)
	require.Equal(t, []byte("a"), sealed[0].Info.KeyRange.Right)
	require.Equal(t, []uint32{7}, sealed[0].Info.TableIDs)

	require.Equal(t, uint64(2), sealed[1].Info.ID)
	require.Equal(t, []byte("b"), sealed[1].Info.KeyRange.Left)

	first, err := DecodeSstable(sealed[0].Data)
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	second, err := DecodeSstable(sealed[1].Data)
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
}

func TestBuilderEmptyFinish(t *testing.T) {
	sealed, err := NewBuilder(&seqAlloc{}, 1<<20, "none", nil).Finish(context.Background())
	require.NoError(t, err)
	require.Empty(t, sealed)
}
