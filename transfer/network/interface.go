// Package network talks to the remote storage service that holds the
// encrypted parts. The service never sees plaintext or keys; it only stores
// opaque frames and the public transfer manifest.
package network

import (
	"context"
	"errors"
	"time"

	"github.com/sealdrop/sealdrop-go/transfer/network/partscheduler"
)

// ErrTransferNotFound is returned when no transfer exists for the given ID.
var ErrTransferNotFound = errors.New("no transfer found for the provided ID")

// BeginParams describes the transfer to be created.
type BeginParams struct {
	DisplayName string
	ContentType string
	TotalSize   int64
}

// Session is the remote session created by Begin. The service chooses the
// chunk size based on the total size (to respect its own part-count limits);
// clients must honor whatever size comes back.
type Session struct {
	TransferID     string
	PlainChunkSize int64
	TotalParts     int
}

// Metadata is the public manifest persisted alongside the object. The chunk
// size in it is trusted completely on the download side; there is no
// independent verification channel.
type Metadata struct {
	DisplayName    string
	PlainChunkSize int64
	TotalParts     int
	ExpiresAt      time.Time
	// SourceURL is where the raw ciphertext stream can be fetched from.
	SourceURL string
}

// MultipartClient is the client-facing contract of the storage service's
// multipart protocol.
type MultipartClient interface {
	Begin(ctx context.Context, params BeginParams) (Session, error)
	// UploadPart stores one frame; partNumber is 1-based and dense.
	UploadPart(ctx context.Context, transferID string, partNumber int, body []byte) (etag string, err error)
	// Finalize requires parts sorted by strictly increasing part number
	// with no gaps and no duplicates. It returns the object handle.
	Finalize(ctx context.Context, transferID string, parts []partscheduler.Part) (string, error)
	// Abort is best-effort cleanup: it must be safe to call when the remote
	// session was already finalized or never fully created.
	Abort(ctx context.Context, transferID string) error
	Metadata(ctx context.Context, transferID string) (Metadata, error)
}

// SessionUploader binds a MultipartClient and a transfer ID into the
// per-part uploader the scheduler consumes.
func SessionUploader(client MultipartClient, transferID string) partscheduler.PartUploader {
	return &sessionUploader{client: client, transferID: transferID}
}

type sessionUploader struct {
	client     MultipartClient
	transferID string
}

func (u *sessionUploader) UploadPart(ctx context.Context, partNumber int, body []byte) (string, error) {
	return u.client.UploadPart(ctx, u.transferID, partNumber, body)
}
