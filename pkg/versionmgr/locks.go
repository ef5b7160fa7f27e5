package versionmgr

import (
	"sync"
)

// groupLocks serializes mutations of one compaction group. The
// compaction lock guards CompactStatus, the versioning lock guards the
// version chain and pins. When both are needed the compaction lock is
// taken first; the registry only hands out paired acquisition so the
// order cannot be violated by a call site.
type groupLocks struct {
	compaction sync.Mutex
	versioning sync.Mutex
}

type lockRegistry struct {
	mu     sync.Mutex
	groups map[uint64]*groupLocks
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{groups: make(map[uint64]*groupLocks)}
}

func (r *lockRegistry) get(gid uint64) *groupLocks {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.groups[gid]
	if !ok {
		l = &groupLocks{}
		r.groups[gid] = l
	}
	return l
}

// LockVersioning takes only the versioning lock; for operations that
// never touch CompactStatus.
func (r *lockRegistry) LockVersioning(gid uint64) (unlock func()) {
	l := r.get(gid)
	l.versioning.Lock()
	return l.versioning.Unlock
}

// LockBoth takes compaction then versioning and releases in reverse.
func (r *lockRegistry) LockBoth(gid uint64) (unlock func()) {
	l := r.get(gid)
	l.compaction.Lock()
	l.versioning.Lock()
	return func() {
		l.versioning.Unlock()
		l.compaction.Unlock()
	}
}
