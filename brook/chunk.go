package brook

// Chunk is one loaded chunk of an object, with a read cursor over its
// uncompressed payload. A Chunk belongs to a single File and is not safe
// for concurrent use.
type Chunk struct {
	index int64
	data  []byte
	off   int
}

func newChunk(index int64, data []byte) *Chunk {
	return &Chunk{index: index, data: data}
}

// emptyChunk is the end sentinel returned for a fetch one past the last
// chunk. It carries no data, so the pull that fetches it produces an empty
// unit and the stream detects exhaustion.
func emptyChunk(index int64) *Chunk {
	return &Chunk{index: index}
}

// Index returns the zero-based chunk index.
func (c *Chunk) Index() int64 {
	return c.index
}

// Available returns the number of unread bytes remaining in the chunk.
func (c *Chunk) Available() int {
	return len(c.data) - c.off
}

// ReadSlice consumes and returns the next n bytes of the chunk, clamped
// to the available count. The returned slice aliases the chunk's payload.
func (c *Chunk) ReadSlice(n int) []byte {
	if n < 0 {
		n = 0
	}
	if avail := c.Available(); n > avail {
		n = avail
	}
	out := c.data[c.off : c.off+n]
	c.off += n
	return out
}
