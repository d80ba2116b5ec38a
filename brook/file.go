package brook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// -----------------------------------------------------------------------------
// File Configuration
// -----------------------------------------------------------------------------

// fileConfig holds the resolved configuration for a file handle.
type fileConfig struct {
	position int64
	mode     OpenMode
}

// FileOption configures Open.
type FileOption func(*fileConfig)

// WithPosition sets the absolute byte offset at which reading starts.
// The position must address a byte of the object. Default: 0.
func WithPosition(position int64) FileOption {
	return func(cfg *fileConfig) {
		cfg.position = position
	}
}

// WithMode sets the open mode of the handle. A ModeWrite handle finalizes
// the object's manifest when closed. Default: ModeRead.
func WithMode(mode OpenMode) FileOption {
	return func(cfg *fileConfig) {
		cfg.mode = mode
	}
}

// -----------------------------------------------------------------------------
// File
// -----------------------------------------------------------------------------

// File is a handle on a chunked object in a store. It tracks exactly one
// loaded chunk at a time; Stream drives which chunk that is.
//
// A File assumes exclusive use for the duration of a read session. Two
// streams must not share one handle.
type File struct {
	store      Store
	name       string
	manifest   *Manifest
	compressor Compressor
	mode       OpenMode
	position   int64
	current    *Chunk
}

// Open opens a chunked object for sequential reading. It loads and
// validates the object's manifest and fetches the chunk containing the
// requested start position.
//
// Returns ErrNotFound if the object has no manifest, and an error wrapping
// ErrBadPosition if the position does not address a byte of the object.
func Open(ctx context.Context, store Store, name string, opts ...FileOption) (*File, error) {
	if store == nil {
		return nil, errors.New("brook: store is required")
	}
	if name == "" {
		return nil, errors.New("brook: object name is required")
	}

	cfg := &fileConfig{mode: ModeRead}
	for _, opt := range opts {
		opt(cfg)
	}

	manifest, err := loadManifest(ctx, store, name)
	if err != nil {
		return nil, err
	}

	compressor, err := compressorByName(manifest.Compressor)
	if err != nil {
		return nil, err
	}

	pos := cfg.position
	switch {
	case pos < 0,
		manifest.Length > 0 && pos >= manifest.Length,
		manifest.Length == 0 && pos != 0:
		return nil, fmt.Errorf("brook: position %d in object of length %d: %w", pos, manifest.Length, ErrBadPosition)
	}

	f := &File{
		store:      store,
		name:       name,
		manifest:   manifest,
		compressor: compressor,
		mode:       cfg.mode,
		position:   pos,
	}

	chunk, err := f.FetchChunk(ctx, pos/manifest.ChunkSize)
	if err != nil {
		return nil, err
	}
	f.current = chunk

	return f, nil
}

// loadManifest loads, parses, and validates an object manifest.
func loadManifest(ctx context.Context, store Store, name string) (*Manifest, error) {
	rc, err := store.Get(ctx, manifestPath(name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var manifest Manifest
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("brook: failed to decode manifest: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, err
	}
	if manifest.Name != name {
		return nil, fmt.Errorf("brook: manifest name %q does not match object %q", manifest.Name, name)
	}

	return &manifest, nil
}

// Length returns the total logical byte size of the object.
func (f *File) Length() int64 { return f.manifest.Length }

// ChunkSize returns the byte size of each chunk except possibly the last.
func (f *File) ChunkSize() int64 { return f.manifest.ChunkSize }

// Position returns the absolute byte offset requested at open.
func (f *File) Position() int64 { return f.position }

// Mode returns the open mode of the handle.
func (f *File) Mode() OpenMode { return f.mode }

// Current returns the currently loaded chunk.
func (f *File) Current() *Chunk { return f.current }

// Manifest returns the object's manifest.
func (f *File) Manifest() *Manifest { return f.manifest }

// setCurrent installs a fetched chunk as the loaded chunk.
func (f *File) setCurrent(c *Chunk) { f.current = c }

// FetchChunk reads the chunk at the given index from the store,
// decompresses it, and verifies it against the manifest.
//
// A fetch one past the last chunk returns an empty chunk rather than an
// error; the stream uses that to detect exhaustion on the pull after the
// final chunk. A chunk absent inside the range returns an error wrapping
// ErrChunkMissing.
func (f *File) FetchChunk(ctx context.Context, index int64) (*Chunk, error) {
	if index < 0 {
		return nil, fmt.Errorf("brook: negative chunk index %d", index)
	}
	if index >= int64(len(f.manifest.Chunks)) {
		return emptyChunk(index), nil
	}
	ref := f.manifest.Chunks[index]

	rc, err := f.store.Get(ctx, chunkPath(f.name, index, f.compressor.Extension()))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("brook: chunk %d of %q: %w", index, f.name, ErrChunkMissing)
		}
		return nil, fmt.Errorf("brook: fetch chunk %d of %q: %w", index, f.name, err)
	}
	defer func() { _ = rc.Close() }()

	dr, err := f.compressor.Decompress(rc)
	if err != nil {
		return nil, fmt.Errorf("brook: decompress chunk %d of %q: %w", index, f.name, err)
	}
	defer func() { _ = dr.Close() }()

	data, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("brook: read chunk %d of %q: %w", index, f.name, err)
	}

	if int64(len(data)) != ref.SizeBytes {
		return nil, fmt.Errorf("brook: chunk %d of %q is %d bytes, manifest says %d", index, f.name, len(data), ref.SizeBytes)
	}
	if ref.Checksum != "" {
		sum := sha256.Sum256(data)
		if actual := hex.EncodeToString(sum[:]); actual != ref.Checksum {
			return nil, fmt.Errorf("brook: chunk %d of %q checksum mismatch: expected %s, got %s", index, f.name, ref.Checksum, actual)
		}
	}

	return newChunk(index, data), nil
}

// Close releases the handle. For a ModeWrite handle this finalizes the
// object: the manifest is rewritten with a finalization timestamp. For a
// ModeRead handle it performs no store I/O.
//
// Close returns the manifest even when finalization fails, so callers can
// surface whatever partial state was reached.
func (f *File) Close(ctx context.Context) (*Manifest, error) {
	if f.mode != ModeWrite {
		return f.manifest, nil
	}

	now := time.Now().UTC()
	finalized := *f.manifest
	finalized.FinalizedAt = &now
	f.manifest = &finalized

	data, err := json.MarshalIndent(&finalized, "", "  ")
	if err != nil {
		return &finalized, fmt.Errorf("brook: failed to marshal manifest: %w", err)
	}

	// The manifest is the only mutable object; replace it in two steps.
	if err := f.store.Delete(ctx, manifestPath(f.name)); err != nil {
		return &finalized, fmt.Errorf("brook: failed to replace manifest for %q: %w", f.name, err)
	}
	if err := f.store.Put(ctx, manifestPath(f.name), bytes.NewReader(data)); err != nil {
		return &finalized, fmt.Errorf("brook: failed to write manifest for %q: %w", f.name, err)
	}

	return &finalized, nil
}
