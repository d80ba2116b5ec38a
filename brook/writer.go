package brook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Writer Configuration
// -----------------------------------------------------------------------------

// writerConfig holds the resolved configuration for a writer.
type writerConfig struct {
	chunkSize  int64
	compressor Compressor
	metadata   Metadata
}

// WriterOption configures Create.
type WriterOption func(*writerConfig)

// WithChunkSize sets the chunk size in bytes. Default: DefaultChunkSize.
func WithChunkSize(n int64) WriterOption {
	return func(cfg *writerConfig) {
		cfg.chunkSize = n
	}
}

// WithCompressor sets the chunk compressor. Default: NewNoOpCompressor().
func WithCompressor(c Compressor) WriterOption {
	return func(cfg *writerConfig) {
		cfg.compressor = c
	}
}

// WithMetadata sets user metadata recorded in the manifest.
// Default: empty Metadata{}.
func WithMetadata(md Metadata) WriterOption {
	return func(cfg *writerConfig) {
		cfg.metadata = md
	}
}

// -----------------------------------------------------------------------------
// Writer
// -----------------------------------------------------------------------------

// Writer assembles an object out of fixed-size chunks. Chunk objects are
// staged as data arrives; the manifest is written last, by Commit, so the
// object is invisible to readers until fully committed.
//
// Writer exists to populate stores; the read engine never writes.
type Writer struct {
	ctx        context.Context
	store      Store
	name       string
	chunkSize  int64
	compressor Compressor
	metadata   Metadata

	buf       bytes.Buffer
	chunks    []ChunkRef
	length    int64
	committed bool
	aborted   bool
	stageErr  error
}

// Create starts a new chunked object. Returns ErrPathExists if an object
// with the same name is already committed.
//
// The context bounds all staging writes, including those made by later
// Write calls.
func Create(ctx context.Context, store Store, name string, opts ...WriterOption) (*Writer, error) {
	if store == nil {
		return nil, errors.New("brook: store is required")
	}
	if name == "" {
		return nil, errors.New("brook: object name is required")
	}

	cfg := &writerConfig{
		chunkSize:  DefaultChunkSize,
		compressor: NewNoOpCompressor(),
		metadata:   Metadata{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.chunkSize <= 0 {
		return nil, fmt.Errorf("brook: chunk size must be positive, got %d", cfg.chunkSize)
	}
	if cfg.compressor == nil {
		return nil, errors.New("brook: compressor must not be nil")
	}
	if cfg.metadata == nil {
		return nil, errors.New("brook: metadata must not be nil (use empty Metadata{} for no metadata)")
	}

	exists, err := store.Exists(ctx, manifestPath(name))
	if err != nil {
		return nil, fmt.Errorf("brook: failed to check for object %q: %w", name, err)
	}
	if exists {
		return nil, ErrPathExists
	}

	return &Writer{
		ctx:        ctx,
		store:      store,
		name:       name,
		chunkSize:  cfg.chunkSize,
		compressor: cfg.compressor,
		metadata:   cfg.metadata,
	}, nil
}

// Write buffers data, staging a chunk object every time a full chunk
// accumulates. All of p is accepted into the buffer before any staging,
// so the returned count is len(p) even when staging fails; callers must
// not re-submit those bytes. A staging failure is sticky: every later
// Write and Commit reports it, and only Abort remains usable.
func (w *Writer) Write(p []byte) (int, error) {
	if w.committed || w.aborted {
		return 0, errors.New("brook: writer is closed")
	}
	if w.stageErr != nil {
		return 0, w.stageErr
	}

	w.buf.Write(p)
	for int64(w.buf.Len()) >= w.chunkSize {
		if err := w.stageChunk(w.buf.Next(int(w.chunkSize))); err != nil {
			w.stageErr = err
			return len(p), err
		}
	}
	return len(p), nil
}

// stageChunk compresses and stores one chunk object and records its ref.
func (w *Writer) stageChunk(data []byte) error {
	index := int64(len(w.chunks))

	var compressed bytes.Buffer
	cw, err := w.compressor.Compress(&compressed)
	if err != nil {
		return fmt.Errorf("brook: failed to compress chunk %d: %w", index, err)
	}
	if _, err := cw.Write(data); err != nil {
		return fmt.Errorf("brook: failed to compress chunk %d: %w", index, err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("brook: failed to compress chunk %d: %w", index, err)
	}

	path := chunkPath(w.name, index, w.compressor.Extension())
	if err := w.store.Put(w.ctx, path, &compressed); err != nil {
		return fmt.Errorf("brook: failed to stage chunk %d: %w", index, err)
	}

	sum := sha256.Sum256(data)
	w.chunks = append(w.chunks, ChunkRef{
		Index:     index,
		SizeBytes: int64(len(data)),
		Checksum:  hex.EncodeToString(sum[:]),
	})
	w.length += int64(len(data))
	return nil
}

// Commit stages any remaining partial chunk and writes the manifest,
// making the object visible to readers.
func (w *Writer) Commit(ctx context.Context) (*Manifest, error) {
	if w.committed {
		return nil, errors.New("brook: writer already committed")
	}
	if w.aborted {
		return nil, errors.New("brook: writer already aborted")
	}
	if w.stageErr != nil {
		return nil, w.stageErr
	}

	if w.buf.Len() > 0 {
		if err := w.stageChunk(w.buf.Next(w.buf.Len())); err != nil {
			w.stageErr = err
			return nil, err
		}
	}

	manifest := &Manifest{
		SchemaName:    manifestSchemaName,
		FormatVersion: manifestFormatVersion,
		Name:          w.name,
		Length:        w.length,
		ChunkSize:     w.chunkSize,
		CreatedAt:     time.Now().UTC(),
		Metadata:      w.metadata,
		Compressor:    w.compressor.Name(),
		Chunks:        w.chunks,
	}
	if manifest.Chunks == nil {
		manifest.Chunks = []ChunkRef{}
	}
	if err := validateManifest(manifest); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("brook: failed to marshal manifest: %w", err)
	}
	if err := w.store.Put(ctx, manifestPath(w.name), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("brook: failed to write manifest for %q: %w", w.name, err)
	}

	w.committed = true
	return manifest, nil
}

// Remove deletes a committed object. The manifest goes first, so readers
// stop seeing the object before its chunks disappear; then everything
// under the object's prefix is deleted.
func Remove(ctx context.Context, store Store, name string) error {
	if err := store.Delete(ctx, manifestPath(name)); err != nil {
		return fmt.Errorf("brook: failed to remove manifest for %q: %w", name, err)
	}

	paths, err := store.List(ctx, objectPrefix(name))
	if err != nil {
		return fmt.Errorf("brook: failed to list object %q: %w", name, err)
	}
	for _, p := range paths {
		if err := store.Delete(ctx, p); err != nil {
			return fmt.Errorf("brook: failed to remove %q: %w", p, err)
		}
	}
	return nil
}

// Abort discards the object, deleting staged chunk objects best-effort.
// No manifest is ever written for an aborted object.
func (w *Writer) Abort(ctx context.Context) error {
	if w.committed {
		return errors.New("brook: writer already committed")
	}
	if w.aborted {
		return nil
	}
	w.aborted = true

	var firstErr error
	for _, c := range w.chunks {
		path := chunkPath(w.name, c.Index, w.compressor.Extension())
		if err := w.store.Delete(ctx, path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
