package compactor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/hummock"
	"github.com/singularity-data/hummock/pkg/objstore"
	"github.com/singularity-data/hummock/pkg/storage"
)

// iIDAllocator hands out ids for output files.
type iIDAllocator interface {
	GetNewSstableID(ctx context.Context) (uint64, error)
}

// Executor rewrites a compaction task's input files into merged output
// files. It is stateless; one instance serves any number of tasks.
type Executor struct {
	obj     objstore.ObjectStore
	alloc   iIDAllocator
	dataDir string
	// maxLevel marks the bottom of the tree; tombstones compacted into
	// it shadow nothing and can be dropped.
	maxLevel uint32
	log      *slog.Logger
}

func NewExecutor(obj objstore.ObjectStore, alloc iIDAllocator, dataDir string, maxLevel int, log *slog.Logger) *Executor {
	return &Executor{
		obj:      obj,
		alloc:    alloc,
		dataDir:  dataDir,
		maxLevel: uint32(maxLevel),
		log:      log,
	}
}

func (e *Executor) fetch(ctx context.Context, id uint64) (*storage.SstableData, error) {
	blob, err := e.obj.Get(ctx, objstore.SstablePath(e.dataDir, id))
	if err != nil {
		return nil, fmt.Errorf("fetch sstable %d: %w", id, err)
	}
	data, err := storage.DecodeSstable(blob)
	if err != nil {
		return nil, fmt.Errorf("decode sstable %d: %w", id, err)
	}
	return data, nil
}

// Run merges the task's inputs and uploads the outputs. Versions newer
// than the watermark epoch are preserved for pinned snapshots; of the
// older versions of each key only the newest survives.
func (e *Executor) Run(ctx context.Context, task *compaction.CompactionTask) ([]hummock.SstableInfo, error) {
	iter, err := e.openInput(ctx, task)
	if err != nil {
		return nil, err
	}

	builder := storage.NewBuilder(e.alloc, task.TargetFileSize, task.Compression, inputTableIDs(task))
	bottom := task.TargetLevel == e.maxLevel

	var lastKey []byte
	sealedBelowWatermark := false
	for iter.Valid() {
		entry := iter.Entry()
		if err := iter.Next(); err != nil {
			return nil, err
		}
		if !bytes.Equal(entry.Key, lastKey) {
			lastKey = bytes.Clone(entry.Key)
			sealedBelowWatermark = false
		} else if sealedBelowWatermark {
			// An older duplicate shadowed by a kept version.
			continue
		}
		if entry.Epoch <= task.WatermarkEpoch {
			sealedBelowWatermark = true
			if entry.Op == storage.OpDelete && bottom {
				continue
			}
		}
		if err := builder.Add(ctx, entry); err != nil {
			return nil, err
		}
	}

	sealed, err := builder.Finish(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]hummock.SstableInfo, 0, len(sealed))
	for _, st := range sealed {
		if err := e.obj.Put(ctx, objstore.SstablePath(e.dataDir, st.Info.ID), st.Data); err != nil {
			return nil, fmt.Errorf("upload sstable %d: %w", st.Info.ID, err)
		}
		infos = append(infos, st.Info)
	}
	e.log.Info("compaction executed",
		"task", task.TaskID, "group", task.GroupID,
		"target_level", task.TargetLevel, "outputs", len(infos))
	return infos, nil
}

// openInput builds the merged entry stream over every input level.
// Overlapping runs contribute one iterator per file; sorted runs are
// concatenated.
func (e *Executor) openInput(ctx context.Context, task *compaction.CompactionTask) (storage.Iterator, error) {
	var iters []storage.Iterator
	for _, il := range task.InputLevels {
		if len(il.TableInfos) == 0 {
			continue
		}
		if il.LevelType == hummock.LevelOverlapping {
			for i := range il.TableInfos {
				data, err := e.fetch(ctx, il.TableInfos[i].ID)
				if err != nil {
					return nil, err
				}
				iters = append(iters, storage.NewTableIter(data))
			}
			continue
		}
		it, err := storage.NewConcatIter(ctx, il.TableInfos, e.fetch, false)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}
	return storage.NewMergeIter(iters, false), nil
}

func inputTableIDs(task *compaction.CompactionTask) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, il := range task.InputLevels {
		for _, t := range il.TableInfos {
			for _, id := range t.TableIDs {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}
