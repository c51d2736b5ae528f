package transfer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"

	"github.com/sealdrop/sealdrop-go/transfer/bridge"
	"github.com/sealdrop/sealdrop-go/transfer/network"
)

// defaultHandshakeTimeout bounds how long Receive waits for the local bridge
// to come up before failing the transfer.
const defaultHandshakeTimeout = 3 * time.Second

// ReceiveInput identifies the transfer and where to put the plaintext.
type ReceiveInput struct {
	TransferID   string
	Secret       Secret
	DownloadPath string
	Verbose      bool
}

// ReceiveResult describes a completed download.
type ReceiveResult struct {
	DisplayName    string
	DownloadPath   string
	PlaintextBytes int64
	DownloadTime   time.Duration
}

// Downloader ...
type Downloader interface {
	Receive(ctx context.Context, input ReceiveInput) (*ReceiveResult, error)
}

type receiver struct {
	envRepo          env.Repository
	logger           log.Logger
	client           network.MultipartClient
	handshakeTimeout time.Duration
}

// NewReceiver creates a receiver on top of the given storage client. Each
// Receive call runs its own bridge for the duration of the download.
func NewReceiver(envRepo env.Repository, logger log.Logger, client network.MultipartClient) *receiver {
	return &receiver{
		envRepo:          envRepo,
		logger:           logger,
		client:           client,
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

// NewDefaultReceiver wires the receiver against the transfer service
// configured in the environment.
func NewDefaultReceiver(envRepo env.Repository, logger log.Logger) (*receiver, error) {
	apiBaseURL := envRepo.Get("SEALDROP_API_URL")
	if apiBaseURL == "" {
		return nil, fmt.Errorf("the secret 'SEALDROP_API_URL' is not defined")
	}
	accessToken := envRepo.Get("SEALDROP_ACCESS_TOKEN")
	if accessToken == "" {
		return nil, fmt.Errorf("the secret 'SEALDROP_ACCESS_TOKEN' is not defined")
	}

	client := network.NewAPIClient(retryhttp.NewClient(logger), apiBaseURL, accessToken, logger)
	return NewReceiver(envRepo, logger, client), nil
}

// Receive fetches the transfer manifest, registers a decrypting stream on the
// local bridge and pulls the plaintext to DownloadPath. The ciphertext never
// touches disk. If the transfer does not exist the error is
// network.ErrTransferNotFound; if its retention window has passed it is
// ErrTransferExpired.
func (r *receiver) Receive(ctx context.Context, input ReceiveInput) (*ReceiveResult, error) {
	r.logger.EnableDebugLog(input.Verbose)

	if input.TransferID == "" {
		return nil, fmt.Errorf("transfer ID should not be empty")
	}
	if input.DownloadPath == "" {
		return nil, fmt.Errorf("download path should not be empty")
	}

	key, err := input.Secret.EncryptionKey()
	if err != nil {
		return nil, err
	}

	tracker := newTransferTracker(r.envRepo, r.logger)
	defer tracker.wait()

	r.logger.Debugf("Fetching transfer manifest")
	meta, err := r.client.Metadata(ctx, input.TransferID)
	if err != nil {
		return nil, err
	}

	// The manifest is validated in full before any bytes move; a malformed
	// one means the service or the link is broken, not the ciphertext.
	if err := validateMetadata(meta); err != nil {
		return nil, fmt.Errorf("invalid transfer manifest: %w", err)
	}
	if expired(meta.ExpiresAt) {
		return nil, ErrTransferExpired
	}

	b := bridge.New(r.logger)
	if err := b.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			r.logger.Warnf("failed to close bridge: %s", err)
		}
	}()

	plaintextSize := plaintextSizeOf(meta)
	address, ready, err := b.Register(bridge.Registration{
		DisplayName:    meta.DisplayName,
		Size:           plaintextSize,
		SourceURL:      meta.SourceURL,
		Key:            key,
		PlainChunkSize: meta.PlainChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("register stream: %w", err)
	}

	select {
	case <-ready:
	case <-time.After(r.handshakeTimeout):
		b.Cancel(address)
		return nil, fmt.Errorf("bridge did not become ready within %s", r.handshakeTimeout)
	case <-ctx.Done():
		b.Cancel(address)
		return nil, ctx.Err()
	}

	r.logger.Println()
	r.logger.Infof("Downloading %q (up to %s)...", meta.DisplayName,
		units.HumanSizeWithPrecision(float64(plaintextSize), 3))
	downloadStartTime := time.Now()

	retryableHTTPClient := retryhttp.NewClient(r.logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(r.logger)
	if err := downloadFile(ctx, retryableHTTPClient.StandardClient(), address, input.DownloadPath); err != nil {
		// A partial plaintext on disk is worse than no file at all.
		if removeErr := os.Remove(input.DownloadPath); removeErr != nil && !os.IsNotExist(removeErr) {
			r.logger.Warnf("failed to remove partial download %s: %s", input.DownloadPath, removeErr)
		}
		return nil, fmt.Errorf("failed to download transfer: %w", err)
	}

	fileInfo, err := os.Stat(input.DownloadPath)
	if err != nil {
		return nil, fmt.Errorf("stat downloaded file: %w", err)
	}

	downloadTime := time.Since(downloadStartTime).Round(time.Second)
	r.logger.Donef("Downloaded %s in %s",
		units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3), downloadTime)
	tracker.logTransferDownloaded(downloadTime, fileInfo.Size())

	return &ReceiveResult{
		DisplayName:    meta.DisplayName,
		DownloadPath:   input.DownloadPath,
		PlaintextBytes: fileInfo.Size(),
		DownloadTime:   downloadTime,
	}, nil
}

func validateMetadata(meta network.Metadata) error {
	if meta.SourceURL == "" {
		return fmt.Errorf("manifest has no source URL")
	}
	if meta.PlainChunkSize <= 0 {
		return fmt.Errorf("manifest chunk size must be positive, got %d", meta.PlainChunkSize)
	}
	if meta.TotalParts <= 0 {
		return fmt.Errorf("manifest part count must be positive, got %d", meta.TotalParts)
	}
	return nil
}

// plaintextSizeOf is an upper bound: the manifest does not carry the exact
// final-chunk length, only the chunk geometry.
func plaintextSizeOf(meta network.Metadata) int64 {
	return meta.PlainChunkSize * int64(meta.TotalParts)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
