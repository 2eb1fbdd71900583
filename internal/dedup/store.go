package dedup

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned (wrapped) by RemoteStore.Get when no object exists
// at the requested path.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one entry in a remote listing.
type ObjectInfo struct {
	RemotePath string
	Size       int64
}

// RemoteStore provides an interface for the remote object store.
// All content operations use io.Reader/io.ReadCloser for streaming so
// arbitrarily large files never need to fit in memory.
type RemoteStore interface {
	// Put uploads content to remotePath, creating or replacing the object.
	// size is the number of bytes that will be read from r.
	Put(ctx context.Context, remotePath string, r io.Reader, size int64) error

	// Get retrieves the object at remotePath. The caller must close the
	// returned reader. Returns an error wrapping ErrNotFound when absent.
	Get(ctx context.Context, remotePath string) (io.ReadCloser, error)

	// Exists reports whether an object exists at remotePath.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// List calls fn for every object under prefix. Implementations must
	// stream the listing rather than buffer it; a non-nil error from fn
	// stops the listing and is returned.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
}
