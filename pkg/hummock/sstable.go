package hummock

// SstableInfo describes one immutable sorted file in the object store.
// It is never mutated after creation; compaction replaces whole infos.
type SstableInfo struct {
	ID       uint64   `json:"id"`
	KeyRange KeyRange `json:"key_range"`
	FileSize uint64   `json:"file_size"`
	TableIDs []uint32 `json:"table_ids,omitempty"`
}

// SstableIDMeta is the per-file lifecycle record used by the vacuum
// trigger. Timestamps are unix seconds; zero means "not applicable".
type SstableIDMeta struct {
	ID uint64 `json:"id"`
	// IDCreateTimestamp is set when the id is handed out to a writer.
	IDCreateTimestamp int64 `json:"id_create_timestamp"`
	// MetaDeleteTimestamp is set by the tracked-data vacuum once the
	// file left every version.
	MetaDeleteTimestamp int64 `json:"meta_delete_timestamp"`
	// Attached is set by AddTables; a never-attached id past the
	// retention window is an orphan from a failed upload.
	Attached bool `json:"attached"`
}

// SumFileSize returns the total byte size of the given files.
func SumFileSize(tables []SstableInfo) uint64 {
	var total uint64
	for i := range tables {
		total += tables[i].FileSize
	}
	return total
}

// SstableIDs extracts the ids of the given files.
func SstableIDs(tables []SstableInfo) []uint64 {
	ids := make([]uint64, 0, len(tables))
	for i := range tables {
		ids = append(ids, tables[i].ID)
	}
	return ids
}
