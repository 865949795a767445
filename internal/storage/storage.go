// Package storage defines the blob store used to persist vector store
// snapshots. Implementations live in the local, memory and gcs subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at the path.
var ErrNotFound = errors.New("storage: object not found")

// BlobStore reads and writes opaque objects by path.
type BlobStore interface {
	// PutObject stores the content of r at path and returns a URI for it.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject returns the content stored at path, or ErrNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
