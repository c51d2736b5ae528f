package frame

import (
	"bytes"
	"fmt"
	"io"
)

// readBufferSize is the size of a single read from the ciphertext source.
// Network reads arrive in arbitrary sizes; the coalescer never assumes any
// alignment between a read and a frame boundary.
const readBufferSize = 32 * 1024

// Coalescer reassembles arbitrarily-sized ciphertext reads into exact frame
// boundaries and decrypts frames strictly in their original order. It
// implements io.Reader over the reconstructed plaintext, buffering at most
// one frame of ciphertext plus one frame of decoded plaintext.
//
// The final frame is recognized by source end-of-input: whatever remains in
// the accumulator at that point must be one whole (shorter) frame. A frame
// that fails authentication terminates the stream; the remainder of the
// logical stream is untrustworthy and is never emitted.
type Coalescer struct {
	source    io.Reader
	key       []byte
	frameSize int

	acc     bytes.Buffer
	plain   []byte
	readBuf []byte
	srcDone bool
	err     error
}

// NewCoalescer wraps a ciphertext source. plainChunkSize must be the exact
// chunk size used on the encode side; any other value fails every frame's
// authentication check.
func NewCoalescer(source io.Reader, key []byte, plainChunkSize int) (*Coalescer, error) {
	if plainChunkSize <= 0 {
		return nil, fmt.Errorf("plain chunk size must be positive, got %d", plainChunkSize)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Coalescer{
		source:    source,
		key:       key,
		frameSize: plainChunkSize + Overhead,
		readBuf:   make([]byte, readBufferSize),
	}, nil
}

// Read returns reconstructed plaintext bytes in order.
func (c *Coalescer) Read(p []byte) (int, error) {
	for len(c.plain) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if err := c.fill(); err != nil {
			c.err = err
			return 0, err
		}
	}

	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}

// fill makes progress towards having decoded plaintext available: it reads
// from the source until the accumulator holds at least one full frame, then
// decodes the oldest frame. On source end-of-input the remainder is decoded
// as the final, undersized frame.
func (c *Coalescer) fill() error {
	for !c.srcDone && c.acc.Len() < c.frameSize {
		n, err := c.source.Read(c.readBuf)
		if n > 0 {
			c.acc.Write(c.readBuf[:n])
		}
		if err == io.EOF {
			c.srcDone = true
			break
		}
		if err != nil {
			return fmt.Errorf("read ciphertext: %w", err)
		}
	}

	if c.acc.Len() >= c.frameSize {
		return c.decodeNext(c.acc.Next(c.frameSize))
	}

	// Source ended with less than a full frame buffered.
	if c.acc.Len() == 0 {
		return io.EOF
	}
	if c.acc.Len() < Overhead+1 {
		return fmt.Errorf("truncated final frame: %d bytes", c.acc.Len())
	}
	return c.decodeNext(c.acc.Next(c.acc.Len()))
}

func (c *Coalescer) decodeNext(encrypted []byte) error {
	plaintext, err := Open(c.key, encrypted)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	c.plain = plaintext
	return nil
}
