package frame

import (
	"fmt"
	"io"
)

// ChunkReader slices a large input into fixed-size plaintext chunks without
// ever holding more than one chunk (plus one lookahead byte) in memory.
// It is the only component that tracks a byte offset into the source.
type ChunkReader struct {
	source    io.Reader
	chunkSize int
	bytesRead int64
	carry     byte
	hasCarry  bool
	exhausted bool
}

// NewChunkReader creates a reader that yields chunks of exactly chunkSize
// bytes, except for the final chunk which may be shorter.
func NewChunkReader(source io.Reader, chunkSize int) (*ChunkReader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	return &ChunkReader{source: source, chunkSize: chunkSize}, nil
}

// Next returns the next plaintext chunk in source order. isLast is true for
// the final chunk, even when the input length is an exact multiple of the
// chunk size. After the final chunk has been returned, Next returns io.EOF.
func (r *ChunkReader) Next() ([]byte, bool, error) {
	if r.exhausted {
		return nil, false, io.EOF
	}

	chunk := make([]byte, r.chunkSize)
	offset := 0
	if r.hasCarry {
		chunk[0] = r.carry
		r.hasCarry = false
		offset = 1
	}

	n, err := io.ReadFull(r.source, chunk[offset:])
	total := offset + n
	switch err {
	case nil:
		// Full chunk; peek one byte to learn whether the source is done.
		var peek [1]byte
		if _, peekErr := io.ReadFull(r.source, peek[:]); peekErr != nil {
			r.exhausted = true
			r.bytesRead += int64(total)
			return chunk, true, nil
		}
		r.carry = peek[0]
		r.hasCarry = true
		r.bytesRead += int64(total)
		return chunk, false, nil
	case io.ErrUnexpectedEOF:
		r.exhausted = true
		r.bytesRead += int64(total)
		return chunk[:total], true, nil
	case io.EOF:
		r.exhausted = true
		if total > 0 {
			r.bytesRead += int64(total)
			return chunk[:total], true, nil
		}
		return nil, false, io.EOF
	default:
		return nil, false, fmt.Errorf("read chunk at offset %d: %w", r.bytesRead, err)
	}
}

// BytesRead returns the number of plaintext bytes consumed from the source.
func (r *ChunkReader) BytesRead() int64 {
	return r.bytesRead
}
