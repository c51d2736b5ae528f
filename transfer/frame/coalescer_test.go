package frame

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptStream produces the full ciphertext stream for the given plaintext
// and chunk size, the way the upload side frames it.
func encryptStream(t *testing.T, key, plaintext []byte, chunkSize int) []byte {
	t.Helper()

	reader, err := NewChunkReader(bytes.NewReader(plaintext), chunkSize)
	require.NoError(t, err)

	var stream bytes.Buffer
	for {
		chunk, _, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sealed, err := Seal(key, chunk)
		require.NoError(t, err)
		stream.Write(sealed)
	}
	return stream.Bytes()
}

// chunkyReader yields the underlying data in caller-controlled slices,
// simulating unaligned network reads.
type chunkyReader struct {
	data  []byte
	sizes []int
	pos   int
}

func (r *chunkyReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	size := len(r.data)
	if len(r.sizes) > 0 {
		size = r.sizes[r.pos%len(r.sizes)]
		r.pos++
	}
	if size > len(r.data) {
		size = len(r.data)
	}
	if size > len(p) {
		size = len(p)
	}
	n := copy(p, r.data[:size])
	r.data = r.data[n:]
	return n, nil
}

func decodeAll(t *testing.T, source io.Reader, key []byte, chunkSize int) ([]byte, error) {
	t.Helper()
	coalescer, err := NewCoalescer(source, key, chunkSize)
	require.NoError(t, err)
	return io.ReadAll(coalescer)
}

func TestCoalescer_ArbitraryReadSizes(t *testing.T) {
	key := testKey(t)
	plaintext := make([]byte, 100*1024+37)
	_, err := rand.New(rand.NewSource(1)).Read(plaintext)
	require.NoError(t, err)

	chunkSize := 16 * 1024
	stream := encryptStream(t, key, plaintext, chunkSize)

	tests := []struct {
		name  string
		sizes []int
	}{
		{name: "single byte reads", sizes: []int{1}},
		{name: "whole stream at once", sizes: nil},
		{name: "random sizes", sizes: []int{7, 3000, 1, 16411, 255, 28}},
		{name: "exactly frame sized", sizes: []int{chunkSize + Overhead}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamCopy := make([]byte, len(stream))
			copy(streamCopy, stream)

			decoded, err := decodeAll(t, &chunkyReader{data: streamCopy, sizes: tt.sizes}, key, chunkSize)
			require.NoError(t, err)
			assert.Equal(t, plaintext, decoded)
		})
	}
}

func TestCoalescer_ExactMultipleOfChunkSize(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte("q"), 4*1024)

	stream := encryptStream(t, key, plaintext, 1024)
	decoded, err := decodeAll(t, bytes.NewReader(stream), key, 1024)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decoded)
}

func TestCoalescer_CorruptedFrameIsFatal(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte("r"), 5000)

	stream := encryptStream(t, key, plaintext, 1024)
	// Corrupt a byte inside the second frame.
	stream[(1024+Overhead)+100] ^= 0xff

	coalescer, err := NewCoalescer(bytes.NewReader(stream), key, 1024)
	require.NoError(t, err)

	decoded, err := io.ReadAll(coalescer)
	assert.ErrorIs(t, err, ErrAuthentication)
	// Only the first intact frame may have been emitted, nothing after the
	// corrupted one.
	assert.LessOrEqual(t, len(decoded), 1024)

	// The error is sticky.
	_, err = coalescer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestCoalescer_WrongChunkSizeNeverSilentlySucceeds(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte("s"), 10000)

	stream := encryptStream(t, key, plaintext, 1024)

	decoded, err := decodeAll(t, bytes.NewReader(stream), key, 2048)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Empty(t, decoded)
}

func TestCoalescer_WrongKeyFails(t *testing.T) {
	key := testKey(t)
	stream := encryptStream(t, key, []byte("short payload"), 1024)

	decoded, err := decodeAll(t, bytes.NewReader(stream), testKey(t), 1024)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Empty(t, decoded)
}

func TestCoalescer_TruncatedStream(t *testing.T) {
	key := testKey(t)
	stream := encryptStream(t, key, bytes.Repeat([]byte("t"), 3000), 1024)

	// Cut the stream inside the final frame's tag.
	truncated := stream[:len(stream)-TagSize]
	_, err := decodeAll(t, bytes.NewReader(truncated), key, 1024)
	assert.Error(t, err)
}

func TestCoalescer_EmptyStream(t *testing.T) {
	decoded, err := decodeAll(t, bytes.NewReader(nil), testKey(t), 1024)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
