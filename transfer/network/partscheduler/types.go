// Package partscheduler dispatches encrypted parts to remote storage with a
// fixed concurrency bound and per-part retries. Reading and sealing of chunk
// n+1 is pipelined with the uploads of chunks n, n-1, ... within the bound.
package partscheduler

import "context"

// ChunkSource yields plaintext chunks in strict sequential order.
// frame.ChunkReader satisfies it.
type ChunkSource interface {
	// Next returns the next chunk and whether it is the final one.
	// After the final chunk it returns io.EOF.
	Next() ([]byte, bool, error)
}

// SealFunc transforms one plaintext chunk into its on-wire frame.
type SealFunc func(plaintext []byte) ([]byte, error)

// PartUploader performs the remote upload of a single part.
// Implementations must be safe for concurrent calls.
type PartUploader interface {
	UploadPart(ctx context.Context, partNumber int, body []byte) (etag string, err error)
}

// Part is one completed remote part.
type Part struct {
	Number int
	ETag   string
}

// Result is the outcome of a fully successful run.
type Result struct {
	// Parts is sorted by part number, dense from 1, ready for finalize.
	Parts []Part
	// PlaintextBytes is the total number of plaintext bytes consumed.
	PlaintextBytes int64
	// UploadedBytes is the total number of frame bytes sent.
	UploadedBytes int64
}

// partResult is one settlement delivered to the collector.
type partResult struct {
	number     int
	etag       string
	plainBytes int64
	frameBytes int64
	err        error
}
