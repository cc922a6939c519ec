// Package backend defines the object store contract used for archived
// segment objects. Implementations exist for S3 compatible stores, GCS and
// the local filesystem.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrDoesNotExist is returned by Read and Delete when the object is absent.
var ErrDoesNotExist = errors.New("does not exist")

// Reader reads segment objects. Read returns a live stream; the caller owns
// the closer.
type Reader interface {
	Read(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// List returns the full object names under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Shutdown releases any held resources.
	Shutdown()
}

// Writer writes and removes segment objects.
type Writer interface {
	// Write stores an object of the given size. Writing an existing name
	// replaces the object.
	Write(ctx context.Context, name string, data io.Reader, size int64) error
	Delete(ctx context.Context, name string) error
}
