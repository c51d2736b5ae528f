// Package bridge exposes a programmatically-fed plaintext stream at a
// loopback HTTP address, so a consumer that can only pull from a URL (a
// generic downloader) can read decrypted transfer contents without the
// ciphertext ever touching disk.
package bridge

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"

	"github.com/sealdrop/sealdrop-go/transfer/frame"
)

// Registration describes one pending stream: where the ciphertext lives and
// how to turn it back into plaintext.
type Registration struct {
	DisplayName    string
	Size           int64
	SourceURL      string
	Key            []byte
	PlainChunkSize int64
}

// Bridge is an intercepting loopback HTTP server. Producers register a
// stream and get back a single-use virtual address; when the consumer pulls
// that address, the bridge fetches the remote ciphertext, pipes it through
// the frame coalescer and streams the plaintext as the response body.
//
// The response deliberately carries no Content-Length header: ciphertext
// length differs from plaintext length, and a wrong length stalls some
// consumers indefinitely.
type Bridge struct {
	logger     log.Logger
	httpClient *http.Client

	mu      sync.Mutex
	streams map[string]Registration

	listener net.Listener
	server   *http.Server
	started  chan struct{}
}

// New creates a Bridge. Call Start before registering streams.
func New(logger log.Logger) *Bridge {
	return &Bridge{
		logger:     logger,
		httpClient: retryhttp.NewClient(logger).StandardClient(),
		streams:    map[string]Registration{},
		started:    make(chan struct{}),
	}
}

// Start binds a loopback listener and begins serving. It returns once the
// bridge is ready to accept pulls. A Bridge serves one Start/Close cycle.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return fmt.Errorf("bridge already started")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", b.handleStream)

	b.listener = listener
	b.server = &http.Server{Handler: mux}
	close(b.started)

	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Errorf("bridge server: %s", err)
		}
	}()
	return nil
}

// Close shuts the bridge down and drops all pending registrations.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.streams = map[string]Registration{}
	b.mu.Unlock()

	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(context.Background())
}

// Register adds a pending stream and returns its single-use virtual address
// plus a ready channel. The channel is closed once the bridge is serving;
// producers guard the wait with a short timeout in case Start never ran.
func (b *Bridge) Register(reg Registration) (string, <-chan struct{}, error) {
	if reg.SourceURL == "" {
		return "", nil, fmt.Errorf("source URL must not be empty")
	}
	if len(reg.Key) != frame.KeySize {
		return "", nil, fmt.Errorf("key must be %d bytes, got %d", frame.KeySize, len(reg.Key))
	}
	if reg.PlainChunkSize <= 0 {
		return "", nil, fmt.Errorf("plain chunk size must be positive, got %d", reg.PlainChunkSize)
	}

	token := uuid.NewString()
	b.mu.Lock()
	b.streams[token] = reg
	b.mu.Unlock()
	b.logger.Debugf("bridge: registered stream %s (%q, %d plaintext bytes)", token, reg.DisplayName, reg.Size)

	ready := make(chan struct{})
	go func() {
		<-b.started
		close(ready)
	}()

	return b.addressFor(token), ready, nil
}

// Cancel removes a registration that will not be pulled after all.
func (b *Bridge) Cancel(address string) {
	token := address[len(address)-36:] // trailing UUID
	b.mu.Lock()
	delete(b.streams, token)
	b.mu.Unlock()
}

func (b *Bridge) addressFor(token string) string {
	return fmt.Sprintf("http://%s/stream/%s", b.listener.Addr().String(), token)
}

func (b *Bridge) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Path[len("/stream/"):]

	// Registrations are single-use; the entry is claimed before any bytes
	// move so a second pull of the same address gets a 404.
	b.mu.Lock()
	reg, ok := b.streams[token]
	if ok {
		delete(b.streams, token)
	}
	b.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, reg.SourceURL, nil)
	if err != nil {
		b.logger.Errorf("bridge: build source request: %s", err)
		http.Error(w, "bad source", http.StatusBadGateway)
		return
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Errorf("bridge: fetch source: %s", err)
		http.Error(w, "source fetch failed", http.StatusBadGateway)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			b.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode != http.StatusOK {
		b.logger.Errorf("bridge: source returned HTTP %d", resp.StatusCode)
		http.Error(w, "source fetch failed", http.StatusBadGateway)
		return
	}

	coalescer, err := frame.NewCoalescer(resp.Body, reg.Key, int(reg.PlainChunkSize))
	if err != nil {
		b.logger.Errorf("bridge: %s", err)
		http.Error(w, "stream setup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": reg.DisplayName}))

	written, err := io.Copy(w, coalescer)
	if err != nil {
		// Headers are long gone; aborting the connection is the only way
		// to signal the consumer that the stream is not trustworthy.
		b.logger.Errorf("bridge: stream %s failed after %d bytes: %s", token, written, err)
		panic(http.ErrAbortHandler)
	}
	b.logger.Debugf("bridge: stream %s served, %d plaintext bytes", token, written)
}
