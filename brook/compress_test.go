package brook

import (
	"bytes"
	"io"
	"testing"
)

func TestCompressor_RoundTrip(t *testing.T) {
	compressors := []Compressor{
		NewNoOpCompressor(),
		NewGzipCompressor(),
		NewZstdCompressor(),
	}

	data := testPattern(4096)
	for _, c := range compressors {
		t.Run(c.Name(), func(t *testing.T) {
			var compressed bytes.Buffer
			cw, err := c.Compress(&compressed)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := cw.Write(data); err != nil {
				t.Fatal(err)
			}
			if err := cw.Close(); err != nil {
				t.Fatal(err)
			}

			dr, err := c.Decompress(&compressed)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(dr)
			if err != nil {
				t.Fatal(err)
			}
			if err := dr.Close(); err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(got, data) {
				t.Error("decompressed bytes do not match input")
			}
		})
	}
}

func TestCompressorByName(t *testing.T) {
	for _, name := range []string{"noop", "gzip", "zstd"} {
		c, err := compressorByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("expected %q, got %q", name, c.Name())
		}
	}

	if _, err := compressorByName("lz4"); err == nil {
		t.Error("expected error for unknown compressor")
	}
}
