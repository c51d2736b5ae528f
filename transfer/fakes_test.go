package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/sealdrop/sealdrop-go/transfer/network"
	"github.com/sealdrop/sealdrop-go/transfer/network/partscheduler"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeStorage is an in-memory MultipartClient plus an httptest server that
// serves the concatenated frames of finalized transfers, so the bridge has a
// real URL to pull from.
type fakeStorage struct {
	mu        sync.Mutex
	sessions  map[string]*fakeSession
	server    *httptest.Server
	chunkSize int64

	// uploadPartErr, when set, fails every UploadPart call.
	uploadPartErr error
	abortCalls    int
}

type fakeSession struct {
	displayName string
	totalSize   int64
	totalParts  int
	parts       map[int][]byte
	finalized   bool
	expiresAt   time.Time
}

func newFakeStorage(chunkSize int64) *fakeStorage {
	s := &fakeStorage{
		sessions:  map[string]*fakeSession{},
		chunkSize: chunkSize,
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serveCiphertext))
	return s
}

func (s *fakeStorage) close() {
	s.server.Close()
}

func (s *fakeStorage) Begin(ctx context.Context, params network.BeginParams) (network.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("transfer-%d", len(s.sessions)+1)
	totalParts := int((params.TotalSize + s.chunkSize - 1) / s.chunkSize)
	s.sessions[id] = &fakeSession{
		displayName: params.DisplayName,
		totalSize:   params.TotalSize,
		totalParts:  totalParts,
		parts:       map[int][]byte{},
	}
	return network.Session{
		TransferID:     id,
		PlainChunkSize: s.chunkSize,
		TotalParts:     totalParts,
	}, nil
}

func (s *fakeStorage) UploadPart(ctx context.Context, transferID string, partNumber int, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploadPartErr != nil {
		return "", s.uploadPartErr
	}
	session, ok := s.sessions[transferID]
	if !ok {
		return "", network.ErrTransferNotFound
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	session.parts[partNumber] = stored
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (s *fakeStorage) Finalize(ctx context.Context, transferID string, parts []partscheduler.Part) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[transferID]
	if !ok {
		return "", network.ErrTransferNotFound
	}
	for i, part := range parts {
		if part.Number != i+1 {
			return "", fmt.Errorf("parts are not dense: index %d has number %d", i, part.Number)
		}
		if _, ok := session.parts[part.Number]; !ok {
			return "", fmt.Errorf("part %d was never uploaded", part.Number)
		}
	}
	if len(parts) != session.totalParts {
		return "", fmt.Errorf("finalized with %d parts, expected %d", len(parts), session.totalParts)
	}
	session.finalized = true
	return "handle-" + transferID, nil
}

func (s *fakeStorage) Abort(ctx context.Context, transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abortCalls++
	delete(s.sessions, transferID)
	return nil
}

func (s *fakeStorage) Metadata(ctx context.Context, transferID string) (network.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[transferID]
	if !ok || !session.finalized {
		return network.Metadata{}, network.ErrTransferNotFound
	}
	return network.Metadata{
		DisplayName:    session.displayName,
		PlainChunkSize: s.chunkSize,
		TotalParts:     session.totalParts,
		ExpiresAt:      session.expiresAt,
		SourceURL:      s.server.URL + "/" + transferID,
	}, nil
}

func (s *fakeStorage) serveCiphertext(w http.ResponseWriter, r *http.Request) {
	transferID := r.URL.Path[1:]

	s.mu.Lock()
	session, ok := s.sessions[transferID]
	if !ok || !session.finalized {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	numbers := make([]int, 0, len(session.parts))
	for n := range session.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	var body []byte
	for _, n := range numbers {
		body = append(body, session.parts[n]...)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(body); err != nil {
		return
	}
}
