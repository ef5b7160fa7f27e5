package versionmgr

import (
	"fmt"
	"strconv"
	"strings"
)

// Metastore key layout. Numeric components are zero padded so that the
// lexicographic order List returns matches numeric order.
//
//	hummock/groups/{gid}                   group marker
//	hummock/{gid}/current                  current version id
//	hummock/{gid}/version/{vid}            HummockVersion
//	hummock/{gid}/compact-status           CompactStatus
//	hummock/{gid}/task/{taskID}            assigned compaction task
//	hummock/{gid}/stale/{vid}              sstable ids made stale at vid
//	hummock/{gid}/pin/version/{ctx}        version pin
//	hummock/{gid}/pin/snapshot/{ctx}       snapshot pin
//	hummock/sst/{id}                       SstableIDMeta
//	hummock/next-sst-id                    id allocator cursor
const (
	keyRoot      = "hummock/"
	keyGroups    = keyRoot + "groups/"
	keySstPrefix = keyRoot + "sst/"
	keyNextSstID = keyRoot + "next-sst-id"
)

func padU64(v uint64) string {
	return fmt.Sprintf("%020d", v)
}

func groupKey(gid uint64) string {
	return keyGroups + padU64(gid)
}

func groupPrefix(gid uint64) string {
	return fmt.Sprintf("%s%d/", keyRoot, gid)
}

func currentKey(gid uint64) string {
	return groupPrefix(gid) + "current"
}

func versionKey(gid, vid uint64) string {
	return groupPrefix(gid) + "version/" + padU64(vid)
}

func versionPrefix(gid uint64) string {
	return groupPrefix(gid) + "version/"
}

func compactStatusKey(gid uint64) string {
	return groupPrefix(gid) + "compact-status"
}

func taskKey(gid, taskID uint64) string {
	return groupPrefix(gid) + "task/" + padU64(taskID)
}

func taskPrefix(gid uint64) string {
	return groupPrefix(gid) + "task/"
}

func staleKey(gid, vid uint64) string {
	return groupPrefix(gid) + "stale/" + padU64(vid)
}

func pinVersionKey(gid uint64, contextID string) string {
	return groupPrefix(gid) + "pin/version/" + contextID
}

func pinVersionPrefix(gid uint64) string {
	return groupPrefix(gid) + "pin/version/"
}

func pinSnapshotKey(gid uint64, contextID string) string {
	return groupPrefix(gid) + "pin/snapshot/" + contextID
}

func pinSnapshotPrefix(gid uint64) string {
	return groupPrefix(gid) + "pin/snapshot/"
}

func sstKey(id uint64) string {
	return keySstPrefix + padU64(id)
}

// parseTrailingU64 extracts the numeric suffix after prefix.
func parseTrailingU64(key, prefix string) (uint64, error) {
	raw := strings.TrimPrefix(key, prefix)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return v, nil
}
