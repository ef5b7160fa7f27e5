package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/singularity-data/hummock/pkg/hummock"
)

// iIDAllocator hands out globally unique sstable ids; satisfied by the
// version manager.
type iIDAllocator interface {
	GetNewSstableID(ctx context.Context) (uint64, error)
}

// SealedSstable pairs an encoded blob with its catalog entry.
type SealedSstable struct {
	Info hummock.SstableInfo
	Data []byte
}

// Builder turns an ordered entry stream into capacity-bounded
// sstables. A file is sealed when it would outgrow the capacity, but
// never between two entries of the same user key: all versions of a
// key live in one file.
type Builder struct {
	alloc       iIDAllocator
	capacity    uint64
	compression string
	tableIDs    []uint32

	entries []Entry
	size    uint64
	sealed  []SealedSstable
}

func NewBuilder(alloc iIDAllocator, capacity uint64, compression string, tableIDs []uint32) *Builder {
	return &Builder{
		alloc:       alloc,
		capacity:    capacity,
		compression: compression,
		tableIDs:    tableIDs,
	}
}

// Add appends the next entry; entries must arrive in canonical order.
func (b *Builder) Add(ctx context.Context, e Entry) error {
	if len(b.entries) > 0 {
		last := b.entries[len(b.entries)-1]
		if !entryLess(last, e) {
			return fmt.Errorf("storage: builder entries out of order: %q after %q", e.Key, last.Key)
		}
		if b.size+uint64(e.encodedSize()) > b.capacity && !bytes.Equal(last.Key, e.Key) {
			if err := b.seal(ctx); err != nil {
				return err
			}
		}
	}
	b.entries = append(b.entries, e)
	b.size += uint64(e.encodedSize())
	return nil
}

func (b *Builder) seal(ctx context.Context) error {
	if len(b.entries) == 0 {
		return nil
	}
	data, err := EncodeSstable(b.entries, b.compression)
	if err != nil {
		return err
	}
	id, err := b.alloc.GetNewSstableID(ctx)
	if err != nil {
		return fmt.Errorf("storage: allocate sstable id: %w", err)
	}
	first := b.entries[0].Key
	last := b.entries[len(b.entries)-1].Key
	b.sealed = append(b.sealed, SealedSstable{
		Info: hummock.SstableInfo{
			ID:       id,
			KeyRange: hummock.NewKeyRange(bytes.Clone(first), bytes.Clone(last)),
			FileSize: uint64(len(data)),
			TableIDs: b.tableIDs,
		},
		Data: data,
	})
	b.entries = b.entries[:0]
	b.size = 0
	return nil
}

// Finish seals the tail file and returns everything built. The builder
// is spent afterwards.
func (b *Builder) Finish(ctx context.Context) ([]SealedSstable, error) {
	if err := b.seal(ctx); err != nil {
		return nil, err
	}
	out := b.sealed
	b.sealed = nil
	return out, nil
}
