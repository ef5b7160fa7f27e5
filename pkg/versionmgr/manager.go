// Package versionmgr implements the metadata side of the storage
// engine: the version chain of every compaction group, pins held by
// reader contexts, checkpoint epoch lifecycle, and the assignment and
// settlement of compaction tasks. All state lives in the metastore;
// every mutation is one atomic transaction guarded on the current
// version pointer, so a crashed or partitioned peer can never commit a
// stale successor.
package versionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/hummock"
	"github.com/singularity-data/hummock/pkg/metastore"
	"github.com/singularity-data/hummock/pkg/metrics"
)

var (
	ErrGroupNotFound = errors.New("versionmgr: compaction group not found")
	ErrGroupExists   = errors.New("versionmgr: compaction group already exists")
	// ErrTaskNotFound is returned when a report names a task that was
	// never assigned or was already settled. Reports are at-least-once,
	// so callers treat it as a no-op.
	ErrTaskNotFound = errors.New("versionmgr: compaction task not found")
)

// maxTrivialMoves bounds how many free relocations one GetCompactTask
// call applies before handing real work to the worker.
const maxTrivialMoves = 16

// assignedTask is the persisted record of a task handed to a worker.
type assignedTask struct {
	Task       *compaction.CompactionTask `json:"task"`
	ContextID  string                     `json:"context_id"`
	AssignedAt int64                      `json:"assigned_at"`
}

// Manager owns all version and compaction metadata.
type Manager struct {
	store    metastore.MetaStore
	cfg      compaction.Config
	selector *compaction.DynamicLevelSelector
	locks    *lockRegistry
	log      *slog.Logger
	metrics  *metrics.Metrics

	// onCompactionNeeded fires after mutations that may create
	// compaction pressure; the dispatcher hooks in here.
	onCompactionNeeded func(gid uint64)

	now func() time.Time
}

func New(store metastore.MetaStore, cfg compaction.Config, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		selector: compaction.NewDynamicLevelSelector(cfg, compaction.RangeOverlapStrategy{}),
		locks:    newLockRegistry(),
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// OnCompactionNeeded registers the callback invoked whenever a group
// gains files or settles a task, so pending work is picked up without
// waiting for a periodic sweep. The callback must not block.
func (m *Manager) OnCompactionNeeded(fn func(gid uint64)) {
	m.onCompactionNeeded = fn
}

func (m *Manager) signalCompaction(gid uint64) {
	if m.onCompactionNeeded != nil {
		m.onCompactionNeeded(gid)
	}
}

// ---- group lifecycle ----

// CreateGroup initializes a fresh compaction group with version 1.
func (m *Manager) CreateGroup(ctx context.Context, gid uint64) error {
	version := hummock.NewInitialVersion(m.cfg.MaxLevel)
	status := compaction.NewCompactStatus(m.cfg.MaxLevel)

	err := m.store.Txn(ctx,
		[]metastore.Precondition{metastore.KeyAbsent(groupKey(gid))},
		[]metastore.Op{
			metastore.Put(groupKey(gid), nil),
			metastore.Put(versionKey(gid, version.ID), mustJSON(version)),
			metastore.Put(currentKey(gid), u64Bytes(version.ID)),
			metastore.Put(compactStatusKey(gid), mustJSON(status)),
		})
	if errors.Is(err, metastore.ErrTxnConflict) {
		return fmt.Errorf("%w: group %d", ErrGroupExists, gid)
	}
	if err != nil {
		return fmt.Errorf("create group %d: %w", gid, err)
	}
	m.log.Info("compaction group created", "group", gid)
	return nil
}

// ListGroups returns all group ids, ascending.
func (m *Manager) ListGroups(ctx context.Context) ([]uint64, error) {
	kvs, err := m.store.List(ctx, keyGroups)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]uint64, 0, len(kvs))
	for _, kv := range kvs {
		gid, err := parseTrailingU64(kv.Key, keyGroups)
		if err != nil {
			return nil, err
		}
		out = append(out, gid)
	}
	return out, nil
}

// ---- version chain ----

// GetCurrentVersion returns the latest version of the group.
func (m *Manager) GetCurrentVersion(ctx context.Context, gid uint64) (*hummock.HummockVersion, error) {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()
	v, _, err := m.loadCurrent(ctx, gid)
	return v, err
}

func (m *Manager) loadCurrent(ctx context.Context, gid uint64) (*hummock.HummockVersion, []byte, error) {
	raw, err := m.store.Get(ctx, currentKey(gid))
	if errors.Is(err, metastore.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("%w: group %d", ErrGroupNotFound, gid)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load current pointer of group %d: %w", gid, err)
	}
	vid, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed current pointer of group %d: %w", gid, err)
	}
	data, err := m.store.Get(ctx, versionKey(gid, vid))
	if err != nil {
		return nil, nil, fmt.Errorf("load version %d of group %d: %w", vid, gid, err)
	}
	var v hummock.HummockVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, nil, fmt.Errorf("decode version %d of group %d: %w", vid, gid, err)
	}
	return &v, raw, nil
}

// commitSuccessor writes the successor version atomically, guarded on
// the current pointer still naming its predecessor. extraOps ride in
// the same transaction.
func (m *Manager) commitSuccessor(ctx context.Context, gid uint64, oldCurrent []byte, next *hummock.HummockVersion, extraOps ...metastore.Op) error {
	ops := append([]metastore.Op{
		metastore.Put(versionKey(gid, next.ID), mustJSON(next)),
		metastore.Put(currentKey(gid), u64Bytes(next.ID)),
	}, extraOps...)
	err := m.store.Txn(ctx,
		[]metastore.Precondition{metastore.ValueEquals(currentKey(gid), oldCurrent)},
		ops)
	if err != nil {
		return fmt.Errorf("commit version %d of group %d: %w", next.ID, gid, err)
	}
	m.metrics.CurrentVersionID.WithLabelValues(groupLabel(gid)).Set(float64(next.ID))
	return nil
}

// ---- pins ----

// PinVersion records that contextID reads from the current version and
// returns it. Re-pinning moves the pin forward.
func (m *Manager) PinVersion(ctx context.Context, gid uint64, contextID string) (*hummock.HummockVersion, error) {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()

	v, _, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, pinVersionKey(gid, contextID), u64Bytes(v.ID)); err != nil {
		return nil, fmt.Errorf("pin version for context %s: %w", contextID, err)
	}
	m.refreshPinGauges(ctx, gid)
	return v, nil
}

// UnpinVersion drops the context's version pin; unpinning a pin that
// does not exist is a no-op.
func (m *Manager) UnpinVersion(ctx context.Context, gid uint64, contextID string) error {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()
	if err := m.store.Delete(ctx, pinVersionKey(gid, contextID)); err != nil && !errors.Is(err, metastore.ErrKeyNotFound) {
		return fmt.Errorf("unpin version for context %s: %w", contextID, err)
	}
	m.refreshPinGauges(ctx, gid)
	return nil
}

// PinSnapshot records that contextID reads at the current committed
// epoch and returns that epoch.
func (m *Manager) PinSnapshot(ctx context.Context, gid uint64, contextID string) (uint64, error) {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()

	v, _, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return 0, err
	}
	if err := m.store.Put(ctx, pinSnapshotKey(gid, contextID), u64Bytes(v.MaxCommittedEpoch)); err != nil {
		return 0, fmt.Errorf("pin snapshot for context %s: %w", contextID, err)
	}
	m.refreshPinGauges(ctx, gid)
	return v.MaxCommittedEpoch, nil
}

// UnpinSnapshot drops the context's snapshot pin.
func (m *Manager) UnpinSnapshot(ctx context.Context, gid uint64, contextID string) error {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()
	if err := m.store.Delete(ctx, pinSnapshotKey(gid, contextID)); err != nil && !errors.Is(err, metastore.ErrKeyNotFound) {
		return fmt.Errorf("unpin snapshot for context %s: %w", contextID, err)
	}
	m.refreshPinGauges(ctx, gid)
	return nil
}

// minPinnedVersion returns the smallest pinned version id, or fallback
// when no context holds a pin.
func (m *Manager) minPinnedVersion(ctx context.Context, gid uint64, fallback uint64) (uint64, error) {
	kvs, err := m.store.List(ctx, pinVersionPrefix(gid))
	if err != nil {
		return 0, fmt.Errorf("list version pins of group %d: %w", gid, err)
	}
	min := fallback
	for _, kv := range kvs {
		vid, err := strconv.ParseUint(string(kv.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed pin %q: %w", kv.Key, err)
		}
		if vid < min {
			min = vid
		}
	}
	return min, nil
}

// minPinnedSnapshot returns the smallest pinned snapshot epoch, or
// fallback when no context holds one.
func (m *Manager) minPinnedSnapshot(ctx context.Context, gid uint64, fallback uint64) (uint64, error) {
	kvs, err := m.store.List(ctx, pinSnapshotPrefix(gid))
	if err != nil {
		return 0, fmt.Errorf("list snapshot pins of group %d: %w", gid, err)
	}
	min := fallback
	for _, kv := range kvs {
		epoch, err := strconv.ParseUint(string(kv.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed pin %q: %w", kv.Key, err)
		}
		if epoch < min {
			min = epoch
		}
	}
	return min, nil
}

// ---- sstable ids ----

// GetNewSstableID hands out a fresh globally unique file id and opens
// its lifecycle record, so a writer that dies before AddTables leaves
// a traceable orphan.
func (m *Manager) GetNewSstableID(ctx context.Context) (uint64, error) {
	for {
		raw, err := m.store.Get(ctx, keyNextSstID)
		var id uint64
		var conds []metastore.Precondition
		switch {
		case errors.Is(err, metastore.ErrKeyNotFound):
			id = 1
			conds = []metastore.Precondition{metastore.KeyAbsent(keyNextSstID)}
		case err != nil:
			return 0, fmt.Errorf("load sstable id cursor: %w", err)
		default:
			id, err = strconv.ParseUint(string(raw), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("malformed sstable id cursor: %w", err)
			}
			conds = []metastore.Precondition{metastore.ValueEquals(keyNextSstID, raw)}
		}

		meta := hummock.SstableIDMeta{ID: id, IDCreateTimestamp: m.now().Unix()}
		err = m.store.Txn(ctx, conds, []metastore.Op{
			metastore.Put(keyNextSstID, u64Bytes(id+1)),
			metastore.Put(sstKey(id), mustJSON(meta)),
		})
		if errors.Is(err, metastore.ErrTxnConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("allocate sstable id: %w", err)
		}
		return id, nil
	}
}

// ---- epochs ----

// AddTables registers freshly uploaded files under an uncommitted
// epoch. Replays are idempotent: ids already present in the version
// are skipped, so a writer may retry the whole batch after a timeout.
func (m *Manager) AddTables(ctx context.Context, gid, epoch uint64, tables []hummock.SstableInfo) (*hummock.HummockVersion, error) {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()

	cur, curRaw, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return nil, err
	}
	fresh := tables[:0:0]
	for _, t := range tables {
		if !cur.ContainsSstable(t.ID) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		return cur, nil
	}

	next := cur.Clone()
	next.ID++
	next.ApplyAddTables(epoch, fresh)

	extra := make([]metastore.Op, 0, len(fresh))
	for _, t := range fresh {
		op, err := m.markAttachedOp(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		extra = append(extra, op)
	}
	if err := m.commitSuccessor(ctx, gid, curRaw, next, extra...); err != nil {
		return nil, err
	}
	m.log.Info("tables added", "group", gid, "epoch", epoch, "tables", len(fresh), "version", next.ID)
	m.signalCompaction(gid)
	return next, nil
}

// markAttachedOp builds the put that flips a file's lifecycle record
// to attached, creating the record if the id was allocated elsewhere.
func (m *Manager) markAttachedOp(ctx context.Context, id uint64) (metastore.Op, error) {
	meta := hummock.SstableIDMeta{ID: id, IDCreateTimestamp: m.now().Unix()}
	raw, err := m.store.Get(ctx, sstKey(id))
	switch {
	case errors.Is(err, metastore.ErrKeyNotFound):
	case err != nil:
		return metastore.Op{}, fmt.Errorf("load sstable meta %d: %w", id, err)
	default:
		if err := json.Unmarshal(raw, &meta); err != nil {
			return metastore.Op{}, fmt.Errorf("decode sstable meta %d: %w", id, err)
		}
	}
	meta.Attached = true
	return metastore.Put(sstKey(id), mustJSON(meta)), nil
}

// CommitEpoch makes every table of the epoch visible and advances the
// committed watermark. A non-advancing epoch is rejected with
// hummock.ErrEpochNotNewer; the coordinator aborts it and moves on.
func (m *Manager) CommitEpoch(ctx context.Context, gid, epoch uint64) (*hummock.HummockVersion, error) {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()

	cur, curRaw, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.ID++
	if err := next.ApplyCommitEpoch(epoch); err != nil {
		return nil, err
	}
	if err := m.commitSuccessor(ctx, gid, curRaw, next); err != nil {
		return nil, err
	}
	m.metrics.EpochsCommitted.Inc()
	m.log.Info("epoch committed", "group", gid, "epoch", epoch, "version", next.ID)
	m.signalCompaction(gid)
	return next, nil
}

// AbortEpoch discards an uncommitted epoch. Its files are recorded as
// stale under the predecessor version so vacuum reclaims them.
func (m *Manager) AbortEpoch(ctx context.Context, gid, epoch uint64) (*hummock.HummockVersion, error) {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()

	cur, curRaw, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.ID++
	removed, err := next.ApplyAbortEpoch(epoch)
	if err != nil {
		return nil, err
	}
	var extra []metastore.Op
	if len(removed) > 0 {
		op, err := m.appendStaleOp(ctx, gid, cur.ID, hummock.SstableIDs(removed))
		if err != nil {
			return nil, err
		}
		extra = append(extra, op)
	}
	if err := m.commitSuccessor(ctx, gid, curRaw, next, extra...); err != nil {
		return nil, err
	}
	m.metrics.EpochsAborted.Inc()
	m.log.Info("epoch aborted", "group", gid, "epoch", epoch, "tables_dropped", len(removed), "version", next.ID)
	return next, nil
}

// appendStaleOp merges ids into the stale record of version vid: the
// files left the tree after vid, so they can be reclaimed once every
// version up to and including vid is vacuumed.
func (m *Manager) appendStaleOp(ctx context.Context, gid, vid uint64, ids []uint64) (metastore.Op, error) {
	existing, err := m.loadStale(ctx, gid, vid)
	if err != nil {
		return metastore.Op{}, err
	}
	return metastore.Put(staleKey(gid, vid), mustJSON(append(existing, ids...))), nil
}

func (m *Manager) loadStale(ctx context.Context, gid, vid uint64) ([]uint64, error) {
	raw, err := m.store.Get(ctx, staleKey(gid, vid))
	if errors.Is(err, metastore.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stale record %d of group %d: %w", vid, gid, err)
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode stale record %d of group %d: %w", vid, gid, err)
	}
	return ids, nil
}

// ---- compaction ----

func (m *Manager) loadCompactStatus(ctx context.Context, gid uint64) (*compaction.CompactStatus, []byte, error) {
	raw, err := m.store.Get(ctx, compactStatusKey(gid))
	if errors.Is(err, metastore.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("%w: group %d", ErrGroupNotFound, gid)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load compact status of group %d: %w", gid, err)
	}
	var status compaction.CompactStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, nil, fmt.Errorf("decode compact status of group %d: %w", gid, err)
	}
	return &status, raw, nil
}

// GetCompactTask picks the most pressing compaction for the group and
// assigns it to contextID. Trivial moves are applied on the spot, then
// picking continues; nil task means there is nothing to do.
func (m *Manager) GetCompactTask(ctx context.Context, gid uint64, contextID string) (*compaction.CompactionTask, error) {
	unlock := m.locks.LockBoth(gid)
	defer unlock()

	for moves := 0; ; moves++ {
		cur, curRaw, err := m.loadCurrent(ctx, gid)
		if err != nil {
			return nil, err
		}
		status, _, err := m.loadCompactStatus(ctx, gid)
		if err != nil {
			return nil, err
		}

		taskID := status.NextTaskID
		task := m.selector.PickCompaction(taskID, gid, &cur.Levels, status)
		if task == nil {
			return nil, nil
		}
		status.NextTaskID++

		if task.Input().IsTrivialMove() && moves < maxTrivialMoves {
			if err := m.applyTrivialMove(ctx, gid, cur, curRaw, status, task); err != nil {
				return nil, err
			}
			continue
		}

		watermark, err := m.minPinnedSnapshot(ctx, gid, cur.MaxCommittedEpoch)
		if err != nil {
			return nil, err
		}
		task.WatermarkEpoch = watermark

		assigned := assignedTask{Task: task, ContextID: contextID, AssignedAt: m.now().Unix()}
		err = m.store.Txn(ctx,
			[]metastore.Precondition{metastore.ValueEquals(currentKey(gid), curRaw)},
			[]metastore.Op{
				metastore.Put(compactStatusKey(gid), mustJSON(status)),
				metastore.Put(taskKey(gid, taskID), mustJSON(&assigned)),
			})
		if err != nil {
			return nil, fmt.Errorf("assign task %d of group %d: %w", taskID, gid, err)
		}
		m.metrics.CompactTasksIssued.Inc()
		m.log.Info("compact task assigned",
			"group", gid, "task", taskID, "context", contextID,
			"target_level", task.TargetLevel, "input_bytes", task.Input().TotalFileSize())
		return task, nil
	}
}

// applyTrivialMove settles a pure relocation immediately: the input
// files become the outputs, no worker involved.
func (m *Manager) applyTrivialMove(ctx context.Context, gid uint64, cur *hummock.HummockVersion, curRaw []byte, status *compaction.CompactStatus, task *compaction.CompactionTask) error {
	in := task.Input()
	next := cur.Clone()
	next.ID++
	next.ApplyCompactResult(hummock.CompactDelta{
		InputIDs:         in.InputIDs(),
		TargetLevel:      in.TargetLevel,
		TargetSubLevelID: in.TargetSubLevelID,
		Outputs:          in.SourceLevels()[0].TableInfos,
	})
	status.RemoveTask(task.TaskID)

	if err := m.commitSuccessor(ctx, gid, curRaw, next,
		metastore.Put(compactStatusKey(gid), mustJSON(status))); err != nil {
		return err
	}
	m.metrics.TrivialMoves.Inc()
	m.log.Info("trivial move applied",
		"group", gid, "task", task.TaskID, "target_level", task.TargetLevel, "version", next.ID)
	return nil
}

// TriggerManualCompaction builds a task covering exactly the given
// option and assigns it to contextID. Nil task means nothing matched
// or the requested files are already claimed.
func (m *Manager) TriggerManualCompaction(ctx context.Context, gid uint64, contextID string, option compaction.ManualOption) (*compaction.CompactionTask, error) {
	if err := option.Validate(m.cfg.MaxLevel); err != nil {
		return nil, err
	}
	unlock := m.locks.LockBoth(gid)
	defer unlock()

	cur, curRaw, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return nil, err
	}
	status, _, err := m.loadCompactStatus(ctx, gid)
	if err != nil {
		return nil, err
	}

	taskID := status.NextTaskID
	task := m.selector.PickManualCompaction(taskID, gid, option, &cur.Levels, status)
	if task == nil {
		return nil, nil
	}
	status.NextTaskID++

	watermark, err := m.minPinnedSnapshot(ctx, gid, cur.MaxCommittedEpoch)
	if err != nil {
		return nil, err
	}
	task.WatermarkEpoch = watermark

	assigned := assignedTask{Task: task, ContextID: contextID, AssignedAt: m.now().Unix()}
	err = m.store.Txn(ctx,
		[]metastore.Precondition{metastore.ValueEquals(currentKey(gid), curRaw)},
		[]metastore.Op{
			metastore.Put(compactStatusKey(gid), mustJSON(status)),
			metastore.Put(taskKey(gid, taskID), mustJSON(&assigned)),
		})
	if err != nil {
		return nil, fmt.Errorf("assign manual task %d of group %d: %w", taskID, gid, err)
	}
	m.metrics.CompactTasksIssued.Inc()
	m.log.Info("manual compact task assigned", "group", gid, "task", taskID, "context", contextID)
	return task, nil
}

// ReportCompactTask settles a finished task. On success the outputs
// replace the inputs in a successor version and the replaced files
// become stale; on failure the claims are simply released and any
// uploaded outputs are left for the orphan vacuum.
func (m *Manager) ReportCompactTask(ctx context.Context, gid, taskID uint64, success bool, outputs []hummock.SstableInfo) error {
	unlock := m.locks.LockBoth(gid)
	defer unlock()
	return m.reportLocked(ctx, gid, taskID, success, outputs)
}

func (m *Manager) reportLocked(ctx context.Context, gid, taskID uint64, success bool, outputs []hummock.SstableInfo) error {
	rawTask, err := m.store.Get(ctx, taskKey(gid, taskID))
	if errors.Is(err, metastore.ErrKeyNotFound) {
		return fmt.Errorf("%w: task %d of group %d", ErrTaskNotFound, taskID, gid)
	}
	if err != nil {
		return fmt.Errorf("load task %d of group %d: %w", taskID, gid, err)
	}
	var assigned assignedTask
	if err := json.Unmarshal(rawTask, &assigned); err != nil {
		return fmt.Errorf("decode task %d of group %d: %w", taskID, gid, err)
	}

	status, _, err := m.loadCompactStatus(ctx, gid)
	if err != nil {
		return err
	}
	status.RemoveTask(taskID)

	if !success {
		err := m.store.Txn(ctx, nil, []metastore.Op{
			metastore.Put(compactStatusKey(gid), mustJSON(status)),
			metastore.Delete(taskKey(gid, taskID)),
		})
		if err != nil {
			return fmt.Errorf("settle failed task %d of group %d: %w", taskID, gid, err)
		}
		m.metrics.CompactTasksFailed.Inc()
		m.log.Warn("compact task failed", "group", gid, "task", taskID, "context", assigned.ContextID)
		return nil
	}

	cur, curRaw, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return err
	}
	in := assigned.Task.Input()
	next := cur.Clone()
	next.ID++
	next.ApplyCompactResult(hummock.CompactDelta{
		InputIDs:         in.InputIDs(),
		TargetLevel:      in.TargetLevel,
		TargetSubLevelID: in.TargetSubLevelID,
		Outputs:          outputs,
	})

	outSet := make(map[uint64]struct{}, len(outputs))
	for _, t := range outputs {
		outSet[t.ID] = struct{}{}
	}
	var stale []uint64
	for _, ids := range in.InputIDs() {
		for _, id := range ids {
			if _, ok := outSet[id]; !ok {
				stale = append(stale, id)
			}
		}
	}

	extra := []metastore.Op{
		metastore.Put(compactStatusKey(gid), mustJSON(status)),
		metastore.Delete(taskKey(gid, taskID)),
	}
	if len(stale) > 0 {
		op, err := m.appendStaleOp(ctx, gid, cur.ID, stale)
		if err != nil {
			return err
		}
		extra = append(extra, op)
	}
	for _, t := range outputs {
		op, err := m.markAttachedOp(ctx, t.ID)
		if err != nil {
			return err
		}
		extra = append(extra, op)
	}
	if err := m.commitSuccessor(ctx, gid, curRaw, next, extra...); err != nil {
		return err
	}
	m.metrics.CompactTasksSucceeded.Inc()
	m.log.Info("compact task succeeded",
		"group", gid, "task", taskID, "outputs", len(outputs), "stale", len(stale), "version", next.ID)
	// Settling one task can unblock the next pick.
	m.signalCompaction(gid)
	return nil
}

// ReleaseContext drops everything a departed context holds across all
// groups: version pins, snapshot pins and assigned tasks. Tasks are
// settled as failed so their claims free up.
func (m *Manager) ReleaseContext(ctx context.Context, contextID string) error {
	gids, err := m.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, gid := range gids {
		if err := m.releaseContextInGroup(ctx, gid, contextID); err != nil {
			return err
		}
	}
	m.log.Info("context released", "context", contextID)
	return nil
}

func (m *Manager) releaseContextInGroup(ctx context.Context, gid uint64, contextID string) error {
	unlock := m.locks.LockBoth(gid)
	defer unlock()

	for _, key := range []string{pinVersionKey(gid, contextID), pinSnapshotKey(gid, contextID)} {
		if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, metastore.ErrKeyNotFound) {
			return fmt.Errorf("release pin %q: %w", key, err)
		}
	}
	m.refreshPinGauges(ctx, gid)

	kvs, err := m.store.List(ctx, taskPrefix(gid))
	if err != nil {
		return fmt.Errorf("list tasks of group %d: %w", gid, err)
	}
	for _, kv := range kvs {
		var assigned assignedTask
		if err := json.Unmarshal(kv.Value, &assigned); err != nil {
			return fmt.Errorf("decode task %q: %w", kv.Key, err)
		}
		if assigned.ContextID != contextID {
			continue
		}
		if err := m.reportLocked(ctx, gid, assigned.Task.TaskID, false, nil); err != nil && !errors.Is(err, ErrTaskNotFound) {
			return err
		}
	}
	return nil
}

// ---- vacuum support ----

// StaleVersion names one reclaimable version and the files that leave
// the store with it.
type StaleVersion struct {
	VersionID  uint64
	SstableIDs []uint64
}

// StaleVersions returns versions safe to reclaim, ascending: every
// version older than both the current one and the oldest pin. The
// newest version is never returned.
func (m *Manager) StaleVersions(ctx context.Context, gid uint64) ([]StaleVersion, error) {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()

	cur, _, err := m.loadCurrent(ctx, gid)
	if err != nil {
		return nil, err
	}
	bound, err := m.minPinnedVersion(ctx, gid, cur.ID)
	if err != nil {
		return nil, err
	}
	if cur.ID < bound {
		bound = cur.ID
	}

	kvs, err := m.store.List(ctx, versionPrefix(gid))
	if err != nil {
		return nil, fmt.Errorf("list versions of group %d: %w", gid, err)
	}
	var out []StaleVersion
	for _, kv := range kvs {
		vid, err := parseTrailingU64(kv.Key, versionPrefix(gid))
		if err != nil {
			return nil, err
		}
		if vid >= bound {
			break
		}
		ids, err := m.loadStale(ctx, gid, vid)
		if err != nil {
			return nil, err
		}
		out = append(out, StaleVersion{VersionID: vid, SstableIDs: ids})
	}
	return out, nil
}

// DeleteVersionMeta removes a reclaimed version's metadata and marks
// its stale files as meta-deleted, which makes the orphan vacuum their
// backstop if the object deletion dispatched alongside never lands.
func (m *Manager) DeleteVersionMeta(ctx context.Context, gid uint64, sv StaleVersion) error {
	unlock := m.locks.LockVersioning(gid)
	defer unlock()

	ops := []metastore.Op{
		metastore.Delete(versionKey(gid, sv.VersionID)),
		metastore.Delete(staleKey(gid, sv.VersionID)),
	}
	now := m.now().Unix()
	for _, id := range sv.SstableIDs {
		raw, err := m.store.Get(ctx, sstKey(id))
		meta := hummock.SstableIDMeta{ID: id, IDCreateTimestamp: now}
		switch {
		case errors.Is(err, metastore.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("load sstable meta %d: %w", id, err)
		default:
			if err := json.Unmarshal(raw, &meta); err != nil {
				return fmt.Errorf("decode sstable meta %d: %w", id, err)
			}
		}
		meta.MetaDeleteTimestamp = now
		ops = append(ops, metastore.Put(sstKey(id), mustJSON(meta)))
	}
	if err := m.store.Txn(ctx, nil, ops); err != nil {
		return fmt.Errorf("delete version meta %d of group %d: %w", sv.VersionID, gid, err)
	}
	return nil
}

// OrphanSstables returns file ids whose objects should be deleted: ids
// handed out before createdBefore that never got attached, and files
// meta-deleted before deletedBefore whose object deletion was never
// confirmed.
func (m *Manager) OrphanSstables(ctx context.Context, createdBefore, deletedBefore time.Time) ([]uint64, error) {
	kvs, err := m.store.List(ctx, keySstPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sstable metas: %w", err)
	}
	var out []uint64
	for _, kv := range kvs {
		var meta hummock.SstableIDMeta
		if err := json.Unmarshal(kv.Value, &meta); err != nil {
			return nil, fmt.Errorf("decode sstable meta %q: %w", kv.Key, err)
		}
		switch {
		case meta.MetaDeleteTimestamp != 0 && meta.MetaDeleteTimestamp < deletedBefore.Unix():
			out = append(out, meta.ID)
		case !meta.Attached && meta.MetaDeleteTimestamp == 0 && meta.IDCreateTimestamp < createdBefore.Unix():
			out = append(out, meta.ID)
		}
	}
	return out, nil
}

// ConfirmOrphanDeletion closes the lifecycle records of files whose
// objects are confirmed gone.
func (m *Manager) ConfirmOrphanDeletion(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	ops := make([]metastore.Op, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, metastore.Delete(sstKey(id)))
	}
	if err := m.store.Txn(ctx, nil, ops); err != nil {
		return fmt.Errorf("confirm orphan deletion: %w", err)
	}
	return nil
}

// PinnedContextCounts reports how many contexts hold pins; feeds the
// gauges and the admin endpoint.
func (m *Manager) PinnedContextCounts(ctx context.Context, gid uint64) (versions, snapshots int, err error) {
	vs, err := m.store.List(ctx, pinVersionPrefix(gid))
	if err != nil {
		return 0, 0, err
	}
	ss, err := m.store.List(ctx, pinSnapshotPrefix(gid))
	if err != nil {
		return 0, 0, err
	}
	return len(vs), len(ss), nil
}

// refreshPinGauges republishes the pin counts after a pin mutation. A
// failed listing only leaves the gauges one update behind.
func (m *Manager) refreshPinGauges(ctx context.Context, gid uint64) {
	versions, snapshots, err := m.PinnedContextCounts(ctx, gid)
	if err != nil {
		return
	}
	label := groupLabel(gid)
	m.metrics.PinnedVersions.WithLabelValues(label).Set(float64(versions))
	m.metrics.PinnedSnapshots.WithLabelValues(label).Set(float64(snapshots))
}

// ---- helpers ----

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("versionmgr: marshal %T: %v", v, err))
	}
	return data
}

func u64Bytes(v uint64) []byte {
	return []byte(strconv.FormatUint(v, 10))
}

func groupLabel(gid uint64) string {
	return strconv.FormatUint(gid, 10)
}
