package compactor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/singularity-data/hummock/pkg/hummock"
	"github.com/singularity-data/hummock/pkg/objstore"
)

// iMetaReporter settles finished compaction tasks.
type iMetaReporter interface {
	ReportCompactTask(ctx context.Context, gid, taskID uint64, success bool, outputs []hummock.SstableInfo) error
}

// iVacuumReporter acknowledges finished vacuum tasks.
type iVacuumReporter interface {
	ReportVacuumTask(ctx context.Context, contextID string, task VacuumTask) error
}

// Worker drains one registry handle: compaction tasks go through the
// executor, vacuum tasks delete objects directly. Every task is
// reported back, success or not.
type Worker struct {
	handle  *Handle
	exec    *Executor
	meta    iMetaReporter
	vacuum  iVacuumReporter
	obj     objstore.ObjectStore
	dataDir string
	log     *slog.Logger
}

func NewWorker(handle *Handle, exec *Executor, meta iMetaReporter, vacuum iVacuumReporter, obj objstore.ObjectStore, dataDir string, log *slog.Logger) *Worker {
	return &Worker{
		handle:  handle,
		exec:    exec,
		meta:    meta,
		vacuum:  vacuum,
		obj:     obj,
		dataDir: dataDir,
		log:     log.With("context", handle.ContextID),
	}
}

// Run processes tasks until the context ends or the handle closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-w.handle.C:
			if !ok {
				return
			}
			w.handleTask(ctx, task)
		}
	}
}

func (w *Worker) handleTask(ctx context.Context, task Task) {
	switch {
	case task.Compact != nil:
		w.runCompact(ctx, task.Compact.GroupID, task.Compact.TaskID, task)
	case task.Vacuum != nil:
		w.runVacuum(ctx, *task.Vacuum)
	}
}

func (w *Worker) runCompact(ctx context.Context, gid, taskID uint64, task Task) {
	outputs, err := w.exec.Run(ctx, task.Compact)
	if err != nil {
		w.log.Error("compaction failed", "task", taskID, "error", err)
		if rerr := w.meta.ReportCompactTask(ctx, gid, taskID, false, nil); rerr != nil {
			w.log.Error("failure report not delivered", "task", taskID, "error", rerr)
		}
		return
	}
	if err := w.meta.ReportCompactTask(ctx, gid, taskID, true, outputs); err != nil {
		w.log.Error("success report not delivered", "task", taskID, "error", err)
	}
}

// runVacuum deletes the named objects. Deletion is idempotent, so a
// redelivered task is harmless; the report only goes out once every
// delete succeeded.
func (w *Worker) runVacuum(ctx context.Context, task VacuumTask) {
	for _, id := range task.SstableIDs {
		if err := w.obj.Delete(ctx, objstore.SstablePath(w.dataDir, id)); err != nil {
			w.log.Error("vacuum delete failed", "sstable", id, "error", err)
			return
		}
	}
	if err := w.vacuum.ReportVacuumTask(ctx, w.handle.ContextID, task); err != nil {
		w.log.Error("vacuum report not delivered",
			"type", string(task.Type), "error", fmt.Errorf("report: %w", err))
	}
}
