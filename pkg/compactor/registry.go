// Package compactor holds the worker side of compaction and vacuum:
// a registry of live workers the meta service dispatches to, and the
// executor that rewrites sstables.
package compactor

import (
	"sync"

	"github.com/singularity-data/hummock/pkg/compaction"
)

// VacuumTaskType discriminates vacuum work.
type VacuumTaskType string

const (
	// VacuumTracked deletes objects that left the version chain.
	VacuumTracked VacuumTaskType = "tracked"
	// VacuumOrphan deletes objects whose metadata proves them dead:
	// never-attached uploads and unconfirmed earlier deletions.
	VacuumOrphan VacuumTaskType = "orphan"
)

// VacuumTask asks a worker to delete the named objects.
type VacuumTask struct {
	Type       VacuumTaskType `json:"type"`
	GroupID    uint64         `json:"group_id,omitempty"`
	VersionID  uint64         `json:"version_id,omitempty"`
	SstableIDs []uint64       `json:"sstable_ids"`
}

// Task is one unit of dispatched work; exactly one field is set.
type Task struct {
	Compact *compaction.CompactionTask `json:"compact,omitempty"`
	Vacuum  *VacuumTask                `json:"vacuum,omitempty"`
}

// taskQueueDepth bounds undelivered tasks per worker; dispatch beyond
// it fails fast instead of blocking the meta service.
const taskQueueDepth = 8

// Handle is one registered worker's mailbox.
type Handle struct {
	ContextID string
	C         chan Task
}

// Registry tracks live workers and deals tasks round-robin.
type Registry struct {
	mu      sync.Mutex
	workers []*Handle
	next    int
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a worker under its context id, replacing a stale
// registration with the same id.
func (r *Registry) Register(contextID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(contextID)
	h := &Handle{ContextID: contextID, C: make(chan Task, taskQueueDepth)}
	r.workers = append(r.workers, h)
	return h
}

// Deregister drops the worker and closes its mailbox.
func (r *Registry) Deregister(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(contextID)
}

func (r *Registry) removeLocked(contextID string) {
	for i, h := range r.workers {
		if h.ContextID == contextID {
			close(h.C)
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			if r.next > i {
				r.next--
			}
			return
		}
	}
}

// AvailableWorker returns the next worker round-robin; false when none
// is registered.
func (r *Registry) AvailableWorker() (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return nil, false
	}
	h := r.workers[r.next%len(r.workers)]
	r.next = (r.next + 1) % len(r.workers)
	return h, true
}

// Send delivers without blocking; false means the worker's queue is
// full and the caller should retry later or pick another worker.
func (r *Registry) Send(h *Handle, t Task) (delivered bool) {
	defer func() {
		// The mailbox closes on deregistration; a send racing it is a
		// failed delivery, not a crash.
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case h.C <- t:
		return true
	default:
		return false
	}
}

// WorkerCount reports how many workers are registered.
func (r *Registry) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}
