package protocol

import (
	"errors"
	"io"
)

// ChunkSize is the plaintext size of one UPLOAD_CHUNK/CHUNK payload.
const ChunkSize = 200

// ChunkCount returns how many chunks a payload of size bytes needs.
func ChunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// Chunker splits a reader into ChunkSize pieces. Every chunk but the last is
// full; the reader is never consumed past the announced size.
type Chunker struct {
	r    io.Reader
	buf  []byte
	read int64
	done bool
}

// NewChunker reads at most size bytes from r.
func NewChunker(r io.Reader, size int64) *Chunker {
	return &Chunker{
		r:   io.LimitReader(r, size),
		buf: make([]byte, ChunkSize),
	}
}

// Next returns the next chunk, or io.EOF once the source is exhausted. The
// returned slice is only valid until the following call.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	n, err := io.ReadFull(c.r, c.buf)
	c.read += int64(n)
	switch {
	case err == nil:
		return c.buf[:n], nil
	case errors.Is(err, io.EOF):
		c.done = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
		return c.buf[:n], nil
	default:
		return nil, err
	}
}

// BytesRead is the number of bytes handed out so far.
func (c *Chunker) BytesRead() int64 {
	return c.read
}
