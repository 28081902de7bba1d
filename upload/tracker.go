package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates an analytics tracker sending the given properties with every event.
type TrackerFactory func(logger log.Logger, properties ...analytics.Properties) analytics.Tracker

// NewTracker returns a tracker for the upload session events, or nil when analytics are disabled.
func NewTracker(config Config, logger log.Logger, factory TrackerFactory) analytics.Tracker {
	if !config.Analytics {
		return nil
	}
	return factory(logger, analytics.Properties{
		"part_size_bytes": config.PartSizeBytes,
		"concurrency":     config.PartUploader.Concurrency,
		"max_attempts":    config.PartUploader.MaxAttempts,
		"s3_direct":       config.S3 != nil,
	})
}

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(tracker analytics.Tracker, logger log.Logger) uploadTracker {
	return uploadTracker{
		tracker: tracker,
		logger:  logger,
	}
}

func (t uploadTracker) enqueue(event string, properties analytics.Properties) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue(event, properties)
}

func (t uploadTracker) logStarted(session UploadSession) {
	t.enqueue("upload_started", analytics.Properties{
		"file_size_bytes": session.FileSizeBytes,
		"part_size_bytes": session.PartSizeBytes,
		"part_count":      session.TotalParts,
	})
}

func (t uploadTracker) logInitFailed(err error) {
	t.enqueue("upload_init_failed", analytics.Properties{
		"error": err.Error(),
	})
}

func (t uploadTracker) logPartFailed(partNumber, attempt int) {
	t.enqueue("upload_part_failed", analytics.Properties{
		"part_number": partNumber,
		"attempt":     attempt,
	})
}

func (t uploadTracker) logAborted(session UploadSession, uploadedParts int, reason error, abortErr error) {
	p := analytics.Properties{
		"part_count":     session.TotalParts,
		"uploaded_parts": uploadedParts,
		"reason":         reason.Error(),
		"abort_failed":   abortErr != nil,
	}
	t.enqueue("upload_aborted", p)
}

func (t uploadTracker) logCompleted(session UploadSession, uploadTime time.Duration) {
	t.enqueue("upload_completed", analytics.Properties{
		"upload_time_s":   uploadTime.Truncate(time.Second).Seconds(),
		"file_size_bytes": session.FileSizeBytes,
		"part_count":      session.TotalParts,
	})
}

func (t uploadTracker) logCompleteFailed(session UploadSession, err error) {
	t.enqueue("upload_complete_failed", analytics.Properties{
		"part_count": session.TotalParts,
		"error":      err.Error(),
	})
}

func (t uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
