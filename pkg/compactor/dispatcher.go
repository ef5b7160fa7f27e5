package compactor

import (
	"context"
	"log/slog"
	"time"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/hummock"
)

// iTaskSource is the slice of the version manager the dispatcher
// consumes.
type iTaskSource interface {
	ListGroups(ctx context.Context) ([]uint64, error)
	GetCompactTask(ctx context.Context, gid uint64, contextID string) (*compaction.CompactionTask, error)
	ReportCompactTask(ctx context.Context, gid, taskID uint64, success bool, outputs []hummock.SstableInfo) error
}

// wakeQueueDepth bounds buffered wake signals. A dropped signal is
// recovered by the periodic sweep.
const wakeQueueDepth = 64

// Dispatcher turns compaction pressure into dispatched work. Every
// write and every settled task wakes it through the version manager's
// notification hook; it then keeps pulling tasks for the group and
// dealing them to workers until the group is idle. The periodic sweep
// covers groups whose signal was dropped or whose workers were busy at
// the time.
type Dispatcher struct {
	meta     iTaskSource
	registry *Registry
	interval time.Duration
	log      *slog.Logger

	wake chan uint64
}

func NewDispatcher(meta iTaskSource, registry *Registry, interval time.Duration, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		meta:     meta,
		registry: registry,
		interval: interval,
		log:      log,
		wake:     make(chan uint64, wakeQueueDepth),
	}
}

// Notify signals that the group may have compaction work. Never
// blocks; callers hold metadata locks.
func (d *Dispatcher) Notify(gid uint64) {
	select {
	case d.wake <- gid:
	default:
	}
}

// Run dispatches until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case gid := <-d.wake:
			d.dispatchGroup(ctx, gid)
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	gids, err := d.meta.ListGroups(ctx)
	if err != nil {
		d.log.Error("list groups for dispatch", "error", err)
		return
	}
	for _, gid := range gids {
		d.dispatchGroup(ctx, gid)
	}
}

// dispatchGroup drains due work for one group: pick, deliver, repeat
// until nothing is due or no worker can take more.
func (d *Dispatcher) dispatchGroup(ctx context.Context, gid uint64) {
	for {
		worker, ok := d.registry.AvailableWorker()
		if !ok {
			return
		}
		task, err := d.meta.GetCompactTask(ctx, gid, worker.ContextID)
		if err != nil {
			d.log.Error("pick compact task", "group", gid, "error", err)
			return
		}
		if task == nil {
			return
		}
		if d.registry.Send(worker, Task{Compact: task}) {
			continue
		}
		// The claim is already persisted; settle it as failed so the
		// files free up instead of staying stuck behind a full queue.
		if rerr := d.meta.ReportCompactTask(ctx, gid, task.TaskID, false, nil); rerr != nil {
			d.log.Error("failed to settle undeliverable task",
				"group", gid, "task", task.TaskID, "error", rerr)
		}
		return
	}
}
