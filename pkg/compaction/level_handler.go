package compaction

import (
	"github.com/singularity-data/hummock/pkg/hummock"
)

// PendingTask records one in-flight compaction claim on a level.
type PendingTask struct {
	TaskID        uint64   `json:"task_id"`
	TargetLevel   uint32   `json:"target_level"`
	SstIDs        []uint64 `json:"sst_ids"`
	TotalFileSize uint64   `json:"total_file_size"`
}

// LevelHandler tracks which files of one level are claimed by in-flight
// compaction tasks. Invariant: a file id appears in at most one pending
// task across the whole CompactStatus; pickers consult IsPending before
// selecting and AddTask after.
type LevelHandler struct {
	LevelIdx uint32        `json:"level_idx"`
	Pending  []PendingTask `json:"pending,omitempty"`
}

// IsPending reports whether the file id is claimed by any task.
func (h *LevelHandler) IsPending(sstID uint64) bool {
	for i := range h.Pending {
		for _, id := range h.Pending[i].SstIDs {
			if id == sstID {
				return true
			}
		}
	}
	return false
}

// AnyPending reports whether any of the given files is claimed.
func (h *LevelHandler) AnyPending(tables []hummock.SstableInfo) bool {
	for i := range tables {
		if h.IsPending(tables[i].ID) {
			return true
		}
	}
	return false
}

// AddTask claims the given files for taskID.
func (h *LevelHandler) AddTask(taskID uint64, targetLevel uint32, tables []hummock.SstableInfo) {
	if len(tables) == 0 {
		return
	}
	h.Pending = append(h.Pending, PendingTask{
		TaskID:        taskID,
		TargetLevel:   targetLevel,
		SstIDs:        hummock.SstableIDs(tables),
		TotalFileSize: hummock.SumFileSize(tables),
	})
}

// RemoveTask releases a claim; returns false if the task held nothing
// at this level. A task claiming several L0 sub-levels holds several
// entries on handler 0, so all matches are dropped.
func (h *LevelHandler) RemoveTask(taskID uint64) bool {
	kept := h.Pending[:0]
	found := false
	for _, p := range h.Pending {
		if p.TaskID == taskID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	h.Pending = kept
	return found
}

// PendingFileCount returns the number of claimed files.
func (h *LevelHandler) PendingFileCount() int {
	n := 0
	for i := range h.Pending {
		n += len(h.Pending[i].SstIDs)
	}
	return n
}

// PendingFileSize returns the byte total of claimed files.
func (h *LevelHandler) PendingFileSize() uint64 {
	var n uint64
	for i := range h.Pending {
		n += h.Pending[i].TotalFileSize
	}
	return n
}

// CompactStatus is the per-group record of in-flight compaction claims,
// one handler per level (index 0 is L0). Persisted as one metastore row
// so claim updates commit atomically with version updates.
type CompactStatus struct {
	LevelHandlers []*LevelHandler `json:"level_handlers"`
	NextTaskID    uint64          `json:"next_task_id"`
}

// NewCompactStatus builds the empty status for maxLevel levels plus L0.
func NewCompactStatus(maxLevel int) *CompactStatus {
	handlers := make([]*LevelHandler, 0, maxLevel+1)
	for i := 0; i <= maxLevel; i++ {
		handlers = append(handlers, &LevelHandler{LevelIdx: uint32(i)})
	}
	return &CompactStatus{LevelHandlers: handlers, NextTaskID: 1}
}

// RemoveTask releases the task's claims on every level.
func (cs *CompactStatus) RemoveTask(taskID uint64) bool {
	found := false
	for _, h := range cs.LevelHandlers {
		if h.RemoveTask(taskID) {
			found = true
		}
	}
	return found
}
