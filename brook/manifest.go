package brook

import (
	"errors"
	"fmt"
	"path"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	manifestSchemaName    = "brook-manifest"
	manifestFormatVersion = "1.0.0"

	// DefaultChunkSize is the chunk size used when a writer does not
	// specify one.
	DefaultChunkSize = int64(255 * 1024)
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// -----------------------------------------------------------------------------
// Manifest
// -----------------------------------------------------------------------------

// Manifest describes the complete chunk layout of a stored object.
//
// A manifest is self-contained: the object's logical length, the fixed
// chunk size, the compressor, and one reference per chunk. Manifest
// presence is the commit signal; writers stage all chunk objects before
// writing the manifest.
type Manifest struct {
	// SchemaName identifies the manifest schema.
	SchemaName string `json:"schema_name"`

	// FormatVersion identifies the manifest schema version.
	FormatVersion string `json:"format_version"`

	// Name identifies the object this manifest belongs to.
	Name string `json:"name"`

	// Length is the total logical byte size of the object.
	Length int64 `json:"length"`

	// ChunkSize is the byte size of every chunk except possibly the last.
	ChunkSize int64 `json:"chunk_size"`

	// CreatedAt records when the object was committed.
	CreatedAt time.Time `json:"created_at"`

	// Metadata contains user-provided key-value pairs.
	Metadata Metadata `json:"metadata"`

	// Compressor records the compression format of chunk payloads
	// (e.g., "gzip", "zstd", "noop").
	Compressor string `json:"compressor"`

	// Chunks lists all chunks comprising the object, in index order.
	Chunks []ChunkRef `json:"chunks"`

	// FinalizedAt records when a write-mode handle finalized the object.
	// Omitted until finalization.
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// ChunkRef describes a single chunk within an object.
type ChunkRef struct {
	// Index is the zero-based position of the chunk.
	Index int64 `json:"index"`

	// SizeBytes is the uncompressed chunk size in bytes.
	SizeBytes int64 `json:"size_bytes"`

	// Checksum is an optional integrity hash of the uncompressed payload.
	Checksum string `json:"checksum,omitempty"`
}

// TotalChunks returns the number of chunks the object spans.
func (m *Manifest) TotalChunks() int64 {
	if m.ChunkSize <= 0 {
		return 0
	}
	return (m.Length + m.ChunkSize - 1) / m.ChunkSize
}

// -----------------------------------------------------------------------------
// Path helpers (fixed layout)
// -----------------------------------------------------------------------------

func objectPrefix(name string) string {
	return path.Join("objects", name) + "/"
}

func manifestPath(name string) string {
	return path.Join("objects", name, "manifest.json")
}

func chunkPath(name string, index int64, ext string) string {
	return path.Join("objects", name, "chunks", fmt.Sprintf("%08d.bin%s", index, ext))
}

// -----------------------------------------------------------------------------
// Manifest validation
// -----------------------------------------------------------------------------

// ErrManifestInvalid indicates a manifest failed validation.
var ErrManifestInvalid = errors.New("invalid manifest")

// manifestValidationError provides details about manifest validation failures.
type manifestValidationError struct {
	Field   string
	Message string
}

func (e *manifestValidationError) Error() string {
	return fmt.Sprintf("invalid manifest: %s: %s", e.Field, e.Message)
}

func (e *manifestValidationError) Unwrap() error {
	return ErrManifestInvalid
}

// validateManifest checks that a manifest is complete and that its chunk
// references form an exact, gap-free cover of the object's length.
func validateManifest(m *Manifest) error {
	if m == nil {
		return &manifestValidationError{Field: "manifest", Message: "is nil"}
	}

	if m.SchemaName == "" {
		return &manifestValidationError{Field: "schema_name", Message: "is required"}
	}
	if m.FormatVersion == "" {
		return &manifestValidationError{Field: "format_version", Message: "is required"}
	}
	if m.Name == "" {
		return &manifestValidationError{Field: "name", Message: "is required"}
	}
	if m.Length < 0 {
		return &manifestValidationError{Field: "length", Message: "must be non-negative"}
	}
	if m.ChunkSize <= 0 {
		return &manifestValidationError{Field: "chunk_size", Message: "must be positive"}
	}
	if m.CreatedAt.IsZero() {
		return &manifestValidationError{Field: "created_at", Message: "is required"}
	}
	if m.Metadata == nil {
		return &manifestValidationError{Field: "metadata", Message: "must not be nil (use empty map for no metadata)"}
	}
	if m.Compressor == "" {
		return &manifestValidationError{Field: "compressor", Message: "is required"}
	}
	if m.Chunks == nil {
		return &manifestValidationError{Field: "chunks", Message: "must not be nil (use empty slice for no chunks)"}
	}

	total := m.TotalChunks()
	if int64(len(m.Chunks)) != total {
		return &manifestValidationError{
			Field:   "chunks",
			Message: fmt.Sprintf("expected %d chunk refs for length %d, got %d", total, m.Length, len(m.Chunks)),
		}
	}

	for i, c := range m.Chunks {
		if c.Index != int64(i) {
			return &manifestValidationError{
				Field:   fmt.Sprintf("chunks[%d].index", i),
				Message: fmt.Sprintf("expected %d, got %d", i, c.Index),
			}
		}

		want := m.ChunkSize
		if int64(i) == total-1 {
			want = m.Length - int64(i)*m.ChunkSize
		}
		if c.SizeBytes != want {
			return &manifestValidationError{
				Field:   fmt.Sprintf("chunks[%d].size_bytes", i),
				Message: fmt.Sprintf("expected %d, got %d", want, c.SizeBytes),
			}
		}
	}

	return nil
}
