// Package brook provides sequential streaming reads over large binary
// objects stored as ordered fixed-size chunks in an object store.
//
// Brook focuses on the read path: a pull-based stream with backpressure,
// an optional mid-object start offset, and deterministic shutdown. Chunk
// persistence goes through a minimal Store interface with filesystem,
// in-memory, and S3-compatible implementations.
package brook

import (
	"context"
	"errors"
	"io"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// Metadata holds user-defined key-value pairs stored with an object.
type Metadata map[string]any

// OpenMode indicates how the underlying object resource was opened.
type OpenMode int

const (
	// ModeRead opens an object for reading only. Closing the handle
	// never touches the store.
	ModeRead OpenMode = iota

	// ModeWrite opens an object whose manifest is finalized when the
	// handle is closed.
	ModeWrite
)

func (m OpenMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store abstracts the underlying object storage system.
//
// Implementations may target filesystems, S3, or other object stores.
// The interface is intentionally minimal to avoid backend-specific leakage.
type Store interface {
	// Put writes data to the given path.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error
}

// StoreFactory produces a Store. Constructors take a factory so that
// callers decide where storage lives without brook holding global state.
type StoreFactory func() (Store, error)

// NewMemoryFactory returns a factory producing a fresh in-memory store.
func NewMemoryFactory() StoreFactory {
	return func() (Store, error) { return NewMemory(), nil }
}

// NewFSFactory returns a factory producing a filesystem store rooted at dir.
func NewFSFactory(dir string) StoreFactory {
	return func() (Store, error) { return NewFS(dir) }
}

// -----------------------------------------------------------------------------
// Compressor interface
// -----------------------------------------------------------------------------

// Compressor handles compression and decompression of chunk payloads.
//
// The compressor used to write an object is recorded in its manifest so
// readers can resolve it by name.
type Compressor interface {
	// Name returns the compressor identifier (for example, "gzip", "zstd", "noop").
	Name() string

	// Extension returns the chunk file extension suffix (for example, ".gz", ".zst", "").
	Extension() string

	// Compress wraps a writer with compression.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errNotFound{}

	// ErrPathExists indicates an attempt to write to an existing path.
	ErrPathExists = errPathExists{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }

// ErrInvalidPath indicates a path that would escape the storage root.
var ErrInvalidPath = errors.New("invalid path: escapes storage root")

// ErrBadPosition indicates a start position that does not address a byte
// of the object, or a backing handle whose loaded chunk does not contain
// the requested position.
var ErrBadPosition = errors.New("position outside object bounds")

// ErrStreamClosed indicates an operation on a stream that has already
// shut down. It is the result of pulling after cancellation and is not a
// data failure.
var ErrStreamClosed = errors.New("stream closed")

// ErrConcurrentRead indicates a pull was issued while a previous pull's
// chunk fetch was still in flight. Streams service pulls strictly one at
// a time.
var ErrConcurrentRead = errors.New("concurrent read on stream")

// ErrChunkMissing indicates a chunk inside the object's range is absent
// from the store.
var ErrChunkMissing = errors.New("chunk missing")
