package partscheduler

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Scheduler reads, seals and uploads parts with a bounded pool of in-flight
// uploads. Chunk reads are strictly sequential; upload completions are not,
// so completed parts are tracked by part number and sorted before they are
// handed back for finalize.
type Scheduler struct {
	config Config
	logger log.Logger
	stats  *Stats
}

// New creates a new Scheduler with the given configuration.
func New(config Config, logger log.Logger) *Scheduler {
	return &Scheduler{
		config: config.normalized(),
		logger: logger,
		stats:  NewStats(),
	}
}

// Stats returns the live progress counters of this scheduler.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run drains the source: each chunk is sealed, admitted into the upload pool
// once there is capacity, and retried on failure up to the attempt budget.
// Cancellation is checked before admitting each chunk and before each retry
// attempt; uploads already dispatched are left to settle and their results
// discarded. Either every part completes, or Run returns an error and the
// caller must abort the remote session.
func (s *Scheduler) Run(ctx context.Context, source ChunkSource, seal SealFunc, uploader PartUploader) (*Result, error) {
	// admitCtx only gates new work: chunk admission and retry waits.
	admitCtx, stopAdmission := context.WithCancel(ctx)
	defer stopAdmission()

	sem := make(chan struct{}, s.config.Concurrency)
	resultCh := make(chan partResult)
	collectorDone := make(chan struct{})

	var parts []Part
	var plainTotal, frameTotal int64
	var uploadErr error

	// The collector is the only goroutine that touches the completed-part
	// list and the progress counters; workers hand results over the channel.
	go func() {
		defer close(collectorDone)
		for res := range resultCh {
			if res.err != nil {
				if uploadErr == nil {
					uploadErr = res.err
					stopAdmission()
				}
				continue
			}
			if uploadErr != nil {
				// Session is already failing, the result is discarded.
				continue
			}
			parts = append(parts, Part{Number: res.number, ETag: res.etag})
			plainTotal += res.plainBytes
			frameTotal += res.frameBytes
			s.stats.update(res.plainBytes)
		}
	}()

	var wg sync.WaitGroup
	var admitErr error
	partCount := 0

	for admitCtx.Err() == nil {
		chunk, isLast, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			admitErr = fmt.Errorf("read chunk %d: %w", partCount+1, err)
			break
		}

		partCount++
		body, err := seal(chunk)
		if err != nil {
			admitErr = fmt.Errorf("seal chunk %d: %w", partCount, err)
			break
		}

		// Wait for pool capacity before dispatching.
		select {
		case sem <- struct{}{}:
		case <-admitCtx.Done():
		}
		if admitCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(number int, body []byte, plainBytes int64) {
			defer wg.Done()
			defer func() { <-sem }()

			etag, err := s.uploadWithRetry(ctx, admitCtx, uploader, number, body)
			resultCh <- partResult{
				number:     number,
				etag:       etag,
				plainBytes: plainBytes,
				frameBytes: int64(len(body)),
				err:        err,
			}
		}(partCount, body, int64(len(chunk)))

		if isLast {
			break
		}
	}

	wg.Wait()
	close(resultCh)
	<-collectorDone

	if admitErr != nil {
		return nil, admitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if uploadErr != nil {
		return nil, uploadErr
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	for i, part := range parts {
		if part.Number != i+1 {
			return nil, fmt.Errorf("completed part numbers are not dense: got %d at position %d", part.Number, i)
		}
	}

	return &Result{
		Parts:          parts,
		PlaintextBytes: plainTotal,
		UploadedBytes:  frameTotal,
	}, nil
}

func (s *Scheduler) uploadWithRetry(ctx, admitCtx context.Context, uploader PartUploader, number int, body []byte) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= s.config.MaxAttemptsPerPart; attempt++ {
		if err := admitCtx.Err(); err != nil {
			if lastErr != nil {
				return "", lastErr
			}
			return "", err
		}

		s.logger.Debugf("Uploading part %d (attempt %d/%d) [finished=%d] [%s/s]",
			number, attempt, s.config.MaxAttemptsPerPart,
			s.stats.CompletedParts(), units.HumanSize(s.stats.Throughput()))

		etag, err := uploader.UploadPart(ctx, number, body)
		if err == nil {
			return etag, nil
		}
		lastErr = err
		s.logger.Warnf("Part %d attempt %d failed: %v", number, attempt, err)

		if attempt < s.config.MaxAttemptsPerPart {
			backoff := time.Duration(attempt) * s.config.RetryBaseDelay
			select {
			case <-time.After(backoff):
			case <-admitCtx.Done():
				return "", lastErr
			}
		}
	}

	return "", fmt.Errorf("part %d failed after %d attempts: %w", number, s.config.MaxAttemptsPerPart, lastErr)
}
