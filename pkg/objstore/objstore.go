// Package objstore abstracts the blob store holding immutable SSTable
// payloads. Paths are deterministic functions of (data directory, file
// id); blobs are written once and never modified.
package objstore

import (
	"context"
	"errors"
	"fmt"
)

var ErrObjectNotFound = errors.New("objstore: object not found")

// ObjectStore is the narrow collaborator interface consumed by the
// storage facade and compactor workers.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete is idempotent: deleting a missing object is not an error,
	// so vacuum retries stay safe.
	Delete(ctx context.Context, path string) error
}

// SstablePath returns the blob path of an SSTable id under the
// configured remote data directory.
func SstablePath(dataDir string, id uint64) string {
	return fmt.Sprintf("%s/%d.sst", dataDir, id)
}
