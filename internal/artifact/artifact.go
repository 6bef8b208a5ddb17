// Package artifact stores signed documents. The filesystem backend serves a
// single instance; the S3 backend lets several instances share one bucket.
package artifact

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a named artifact does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Store persists signed documents under their content-derived names.
type Store interface {
	// Save writes an artifact atomically: readers never observe a
	// partially written document under its final name.
	Save(ctx context.Context, name string, data []byte) error
	// Open returns the artifact for reading along with its size.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// List returns the names of all stored artifacts.
	List(ctx context.Context) ([]string, error)
	// Remove deletes an artifact. Removing a missing artifact is not an
	// error.
	Remove(ctx context.Context, name string) error
}
