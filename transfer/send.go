package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"

	"github.com/sealdrop/sealdrop-go/transfer/frame"
	"github.com/sealdrop/sealdrop-go/transfer/network"
	"github.com/sealdrop/sealdrop-go/transfer/network/partscheduler"
)

// SendInput is the information provided by the caller for one upload.
type SendInput struct {
	// PathPattern selects the file to send. Glob patterns are allowed but
	// must match exactly one file.
	PathPattern string
	// ContentType defaults to application/octet-stream.
	ContentType string
	Verbose     bool
}

// SendResult is everything the caller needs to hand over to a receiver: the
// transfer ID goes into the share link, the secret into its fragment.
type SendResult struct {
	TransferID string
	Handle     string
	Secret     Secret
	Plan       Plan
}

// Uploader ...
type Uploader interface {
	Send(ctx context.Context, input SendInput) (*SendResult, error)
}

type sender struct {
	envRepo         env.Repository
	logger          log.Logger
	pathModifier    pathutil.PathModifier
	pathChecker     pathutil.PathChecker
	client          network.MultipartClient
	schedulerConfig partscheduler.Config
}

// NewSender creates a sender on top of the given storage client.
func NewSender(
	envRepo env.Repository,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	client network.MultipartClient,
) *sender {
	return &sender{
		envRepo:         envRepo,
		logger:          logger,
		pathModifier:    pathModifier,
		pathChecker:     pathChecker,
		client:          client,
		schedulerConfig: partscheduler.DefaultConfig(),
	}
}

// NewDefaultSender wires the sender against the transfer service configured
// in the environment.
func NewDefaultSender(envRepo env.Repository, logger log.Logger) (*sender, error) {
	apiBaseURL := envRepo.Get("SEALDROP_API_URL")
	if apiBaseURL == "" {
		return nil, fmt.Errorf("the secret 'SEALDROP_API_URL' is not defined")
	}
	accessToken := envRepo.Get("SEALDROP_ACCESS_TOKEN")
	if accessToken == "" {
		return nil, fmt.Errorf("the secret 'SEALDROP_ACCESS_TOKEN' is not defined")
	}

	httpClient := retryhttp.NewClient(logger)
	// Part uploads run several connections in parallel; the default transport
	// is tuned for that.
	httpClient.HTTPClient = partscheduler.DefaultHTTPClient()

	client := network.NewAPIClient(httpClient, apiBaseURL, accessToken, logger)
	return NewSender(envRepo, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker(), client), nil
}

// Send encrypts and uploads one file. On any failure past session creation
// the remote session is aborted best-effort before the error is returned;
// cancellation also settles outstanding parts and aborts the session, then
// surfaces as context.Canceled.
func (s *sender) Send(ctx context.Context, input SendInput) (*SendResult, error) {
	s.logger.EnableDebugLog(input.Verbose)

	path, err := s.resolvePath(input.PathPattern)
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat input file: %w", err)
	}
	if fileInfo.Size() == 0 {
		return nil, fmt.Errorf("refusing to send empty file %s", path)
	}
	s.logger.Printf("File size: %s", units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	key, err := secret.EncryptionKey()
	if err != nil {
		return nil, err
	}

	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	tracker := newTransferTracker(s.envRepo, s.logger)
	defer tracker.wait()

	s.logger.Debugf("Creating remote session")
	session, err := s.client.Begin(ctx, network.BeginParams{
		DisplayName: filepath.Base(path),
		ContentType: contentType,
		TotalSize:   fileInfo.Size(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer session: %w", err)
	}
	s.logger.Debugf("Transfer ID: %s", session.TransferID)

	// The service chooses the chunk size; the part count it announces must
	// agree with the geometry that size implies.
	plan, err := NewPlan(fileInfo.Size(), session.PlainChunkSize)
	if err != nil {
		s.abort(session.TransferID)
		return nil, fmt.Errorf("invalid session parameters: %w", err)
	}
	if session.TotalParts != plan.TotalParts {
		s.abort(session.TransferID)
		return nil, fmt.Errorf("part count mismatch: service announced %d, chunk size %d implies %d",
			session.TotalParts, session.PlainChunkSize, plan.TotalParts)
	}

	file, err := os.Open(path)
	if err != nil {
		s.abort(session.TransferID)
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			s.logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	reader, err := frame.NewChunkReader(file, int(plan.PlainChunkSize))
	if err != nil {
		s.abort(session.TransferID)
		return nil, err
	}

	s.logger.Println()
	s.logger.Infof("Uploading %d parts, %s each...", plan.TotalParts,
		units.HumanSizeWithPrecision(float64(plan.PlainChunkSize), 3))
	uploadStartTime := time.Now()

	scheduler := partscheduler.New(s.schedulerConfig, s.logger)
	seal := func(chunk []byte) ([]byte, error) { return frame.Seal(key, chunk) }
	result, err := scheduler.Run(ctx, reader, seal, network.SessionUploader(s.client, session.TransferID))
	if err != nil {
		s.abort(session.TransferID)
		if errors.Is(err, context.Canceled) {
			s.logger.Warnf("Transfer cancelled, remote session aborted")
			return nil, err
		}
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	if result.PlaintextBytes != plan.TotalPlaintextSize {
		s.abort(session.TransferID)
		return nil, fmt.Errorf("uploaded %d plaintext bytes, expected %d", result.PlaintextBytes, plan.TotalPlaintextSize)
	}

	handle, err := s.client.Finalize(ctx, session.TransferID, result.Parts)
	if err != nil {
		s.abort(session.TransferID)
		return nil, fmt.Errorf("failed to finalize transfer: %w", err)
	}

	uploadTime := time.Since(uploadStartTime).Round(time.Second)
	s.logger.Donef("Uploaded %s in %s",
		units.HumanSizeWithPrecision(float64(result.UploadedBytes), 3), uploadTime)
	tracker.logTransferUploaded(uploadTime, fileInfo.Size(), plan.TotalParts)

	return &SendResult{
		TransferID: session.TransferID,
		Handle:     handle,
		Secret:     secret,
		Plan:       plan,
	}, nil
}

// Resume is deliberately unsupported: the chunk cursor and the remote
// session state do not survive a process restart.
func (s *sender) Resume(ctx context.Context, transferID string) error {
	return ErrResumeUnsupported
}

func (s *sender) resolvePath(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("path pattern should not be empty")
	}

	absPattern, err := s.pathModifier.AbsPath(pattern)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", pattern, err)
	}

	matches, err := doublestar.FilepathGlob(absPattern)
	if err != nil {
		return "", fmt.Errorf("expand pattern %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no file matches %s", pattern)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("pattern %s matches %d files, expected exactly one", pattern, len(matches))
	}

	exists, err := s.pathChecker.IsPathExists(matches[0])
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("file %s does not exist", matches[0])
	}
	return matches[0], nil
}

// abort is best-effort cleanup on a session that is already failing; its own
// failure is logged, never escalated.
func (s *sender) abort(transferID string) {
	if err := s.client.Abort(context.Background(), transferID); err != nil {
		s.logger.Warnf("failed to abort remote session %s: %s", transferID, err)
	}
}
