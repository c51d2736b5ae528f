package transfer

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type transferTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newTransferTracker(envRepo env.Repository, logger log.Logger) transferTracker {
	p := analytics.Properties{
		"client_id": envRepo.Get("SEALDROP_CLIENT_ID"),
	}
	return transferTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *transferTracker) logTransferUploaded(uploadTime time.Duration, sizeBytes int64, partCount int) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
		"part_count":        partCount,
	}
	t.tracker.Enqueue("transfer_uploaded", properties)
}

func (t *transferTracker) logTransferDownloaded(downloadTime time.Duration, sizeBytes int64) {
	properties := analytics.Properties{
		"download_time_s":     downloadTime.Truncate(time.Second).Seconds(),
		"download_size_bytes": sizeBytes,
	}
	t.tracker.Enqueue("transfer_downloaded", properties)
}

func (t *transferTracker) wait() {
	t.tracker.Wait()
}
