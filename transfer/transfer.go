// Package transfer implements end-to-end encrypted file transfers through an
// untrusted storage service. The sender encrypts a file chunk by chunk and
// streams the frames into a multipart upload with bounded concurrency; the
// receiver reconstructs the plaintext from the transfer ID and the shared
// secret alone. The storage service only ever sees ciphertext frames and the
// public manifest (chunk size, part count, expiry).
package transfer

import (
	"errors"
	"fmt"
	"time"
)

// ErrResumeUnsupported is returned for any attempt to resume a partial
// upload across process restarts.
var ErrResumeUnsupported = errors.New("resuming a partial transfer is not supported")

// ErrTransferExpired is returned when the transfer's manifest says its
// retention window has passed.
var ErrTransferExpired = errors.New("transfer has expired")

// Plan fixes the chunk geometry for the lifetime of one transfer. The chunk
// size must be identical on the encode and decode sides; it travels with the
// public manifest, not with the secret.
type Plan struct {
	TotalPlaintextSize int64
	PlainChunkSize     int64
	TotalParts         int
}

// NewPlan derives the part count from the total size and the chunk size the
// service picked.
func NewPlan(totalPlaintextSize, plainChunkSize int64) (Plan, error) {
	if totalPlaintextSize <= 0 {
		return Plan{}, fmt.Errorf("total size must be positive, got %d", totalPlaintextSize)
	}
	if plainChunkSize <= 0 {
		return Plan{}, fmt.Errorf("chunk size must be positive, got %d", plainChunkSize)
	}

	return Plan{
		TotalPlaintextSize: totalPlaintextSize,
		PlainChunkSize:     plainChunkSize,
		TotalParts:         int((totalPlaintextSize + plainChunkSize - 1) / plainChunkSize),
	}, nil
}

// LastChunkSize is the plaintext length of the final chunk.
func (p Plan) LastChunkSize() int64 {
	remainder := p.TotalPlaintextSize % p.PlainChunkSize
	if remainder == 0 {
		return p.PlainChunkSize
	}
	return remainder
}

// expired reports whether the manifest expiry lies in the past. A zero
// expiry means the service put no limit on the transfer.
func expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && time.Now().After(expiresAt)
}
