// Package vacuum reclaims storage: it retires version metadata nobody
// can read anymore and deletes the sstable objects that die with it,
// plus orphaned uploads that never made it into a version. Object
// deletion runs on compactor workers with at-least-once delivery; the
// metastore rows are the source of truth for what still needs
// deleting, so a lost task is retried on a later pass.
package vacuum

import (
	"context"
	"log/slog"
	"time"

	"github.com/zhangyunhao116/skipset"

	"github.com/singularity-data/hummock/pkg/compactor"
	"github.com/singularity-data/hummock/pkg/metrics"
	"github.com/singularity-data/hummock/pkg/versionmgr"
)

// iMetaVacuum is the slice of the version manager the trigger consumes.
type iMetaVacuum interface {
	ListGroups(ctx context.Context) ([]uint64, error)
	StaleVersions(ctx context.Context, gid uint64) ([]versionmgr.StaleVersion, error)
	DeleteVersionMeta(ctx context.Context, gid uint64, sv versionmgr.StaleVersion) error
	OrphanSstables(ctx context.Context, createdBefore, deletedBefore time.Time) ([]uint64, error)
	ConfirmOrphanDeletion(ctx context.Context, ids []uint64) error
}

// iDispatcher deals vacuum work to compactor workers.
type iDispatcher interface {
	AvailableWorker() (*compactor.Handle, bool)
	Send(h *compactor.Handle, t compactor.Task) bool
}

// Config tunes the trigger.
type Config struct {
	// Interval between passes.
	Interval time.Duration
	// OrphanCreateRetention protects fresh uploads that have not been
	// attached yet: an id younger than this is never treated as orphan.
	OrphanCreateRetention time.Duration
	// OrphanDeleteRetention delays re-dispatch of meta-deleted files
	// whose object deletion was never confirmed.
	OrphanDeleteRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:              30 * time.Second,
		OrphanCreateRetention: time.Hour,
		OrphanDeleteRetention: 5 * time.Minute,
	}
}

// Trigger drives both vacuum passes on a timer.
type Trigger struct {
	meta    iMetaVacuum
	workers iDispatcher
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	// pending holds orphan ids dispatched but not yet confirmed, so a
	// pass does not re-dispatch work already in flight.
	pending *skipset.Uint64Set

	now func() time.Time
}

func NewTrigger(meta iMetaVacuum, workers iDispatcher, cfg Config, m *metrics.Metrics, log *slog.Logger) *Trigger {
	return &Trigger{
		meta:    meta,
		workers: workers,
		cfg:     cfg,
		metrics: m,
		log:     log,
		pending: skipset.NewUint64(),
		now:     time.Now,
	}
}

// Start blocks, running passes until the context ends.
func (t *Trigger) Start(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.RunOnce(ctx); err != nil {
				t.log.Error("vacuum pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one tracked pass and one orphan pass. With no
// worker registered the pass is a no-op; nothing is lost because the
// metastore still records everything to delete.
func (t *Trigger) RunOnce(ctx context.Context) error {
	if err := t.trackedPass(ctx); err != nil {
		return err
	}
	if err := t.orphanPass(ctx); err != nil {
		return err
	}
	t.metrics.VacuumRuns.Inc()
	return nil
}

// trackedPass retires reclaimable versions group by group, oldest
// first. The object deletion is dispatched before the metadata goes:
// if the task is lost, the files resurface through the orphan pass
// because DeleteVersionMeta stamps them meta-deleted.
func (t *Trigger) trackedPass(ctx context.Context) error {
	gids, err := t.meta.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, gid := range gids {
		stale, err := t.meta.StaleVersions(ctx, gid)
		if err != nil {
			return err
		}
		for _, sv := range stale {
			if len(sv.SstableIDs) > 0 {
				if !t.dispatch(compactor.Task{Vacuum: &compactor.VacuumTask{
					Type:       compactor.VacuumTracked,
					GroupID:    gid,
					VersionID:  sv.VersionID,
					SstableIDs: sv.SstableIDs,
				}}) {
					t.log.Debug("no worker for tracked vacuum, deferring", "group", gid)
					return nil
				}
				t.metrics.VacuumObjectsDeleted.Add(float64(len(sv.SstableIDs)))
			}
			if err := t.meta.DeleteVersionMeta(ctx, gid, sv); err != nil {
				return err
			}
			t.log.Info("version vacuumed",
				"group", gid, "version", sv.VersionID, "stale_sstables", len(sv.SstableIDs))
		}
	}
	return nil
}

// orphanPass re-dispatches deletion of files the metastore proves
// dead. Ids already in flight are skipped until confirmed or until a
// worker loss lets the retention window re-expose them.
func (t *Trigger) orphanPass(ctx context.Context) error {
	now := t.now()
	ids, err := t.meta.OrphanSstables(ctx,
		now.Add(-t.cfg.OrphanCreateRetention),
		now.Add(-t.cfg.OrphanDeleteRetention))
	if err != nil {
		return err
	}
	var fresh []uint64
	for _, id := range ids {
		if !t.pending.Contains(id) {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if !t.dispatch(compactor.Task{Vacuum: &compactor.VacuumTask{
		Type:       compactor.VacuumOrphan,
		SstableIDs: fresh,
	}}) {
		t.log.Debug("no worker for orphan vacuum, deferring", "sstables", len(fresh))
		return nil
	}
	for _, id := range fresh {
		t.pending.Add(id)
	}
	t.metrics.VacuumObjectsDeleted.Add(float64(len(fresh)))
	t.log.Info("orphan vacuum dispatched", "sstables", len(fresh))
	return nil
}

func (t *Trigger) dispatch(task compactor.Task) bool {
	h, ok := t.workers.AvailableWorker()
	if !ok {
		return false
	}
	return t.workers.Send(h, task)
}

// ReportVacuumTask acknowledges finished deletion. Tracked tasks need
// no follow-up; orphan tasks close the files' lifecycle records so
// they stop resurfacing.
func (t *Trigger) ReportVacuumTask(ctx context.Context, contextID string, task compactor.VacuumTask) error {
	switch task.Type {
	case compactor.VacuumOrphan:
		if err := t.meta.ConfirmOrphanDeletion(ctx, task.SstableIDs); err != nil {
			return err
		}
		for _, id := range task.SstableIDs {
			t.pending.Remove(id)
		}
	case compactor.VacuumTracked:
	}
	t.log.Info("vacuum task reported",
		"context", contextID, "type", string(task.Type), "sstables", len(task.SstableIDs))
	return nil
}
