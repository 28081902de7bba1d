package partuploader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

// PartUploader uploads the bytes of one part to a presigned URL and returns its ETag.
type PartUploader interface {
	PutPart(ctx context.Context, url UploadURL, partNumber int, data []byte) (string, error)
}

// ProgressFunc receives the number of uploaded parts after every successful part.
type ProgressFunc func(completed, total int)

// Scheduler drives a fixed number of lanes over a part plan.
// A Scheduler is meant for a single Run.
type Scheduler struct {
	config     Config
	signer     Signer
	provider   PartProvider
	uploader   PartUploader
	logger     log.Logger
	stats      *Stats
	onProgress ProgressFunc

	aborted atomic.Bool
}

// NewScheduler creates a Scheduler that signs parts with signer, reads them from
// provider and uploads them with uploader.
func NewScheduler(config Config, signer Signer, provider PartProvider, uploader PartUploader, logger log.Logger) *Scheduler {
	return &Scheduler{
		config:   config.withDefaults(),
		signer:   signer,
		provider: provider,
		uploader: uploader,
		logger:   logger,
		stats:    NewStats(),
	}
}

// OnProgress registers a progress observer. Calls are serialized and completed never decreases.
func (s *Scheduler) OnProgress(fn ProgressFunc) {
	s.onProgress = fn
}

// Abort stops lanes from claiming further parts. In-flight uploads are left to finish.
func (s *Scheduler) Abort() {
	s.aborted.Store(true)
}

// Aborted reports whether the run was aborted.
func (s *Scheduler) Aborted() bool {
	return s.aborted.Load()
}

// Stats returns the upload statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run uploads parts with at most Concurrency lanes and returns once every lane has settled.
// Lane failures are not returned as errors: the first one aborts the run and is reported as Result.Cause.
func (s *Scheduler) Run(ctx context.Context, parts []PartDescriptor) Result {
	total := len(parts)
	if total == 0 {
		return Result{Parts: []PartResult{}, Aborted: s.Aborted()}
	}

	var (
		cursor  atomic.Int64
		mu      sync.Mutex
		results = make([]PartResult, 0, total)
	)

	// claim hands out every index at most once, across all lanes.
	claim := func() (PartDescriptor, bool) {
		if s.aborted.Load() {
			return PartDescriptor{}, false
		}
		idx := cursor.Add(1) - 1
		if idx >= int64(total) {
			return PartDescriptor{}, false
		}
		return parts[idx], true
	}

	lanes := s.config.Concurrency
	if lanes > total {
		lanes = total
	}
	s.logger.Debugf("Uploading %d parts on %d lanes", total, lanes)

	var g errgroup.Group
	for lane := 1; lane <= lanes; lane++ {
		lane := lane
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					s.aborted.Store(true)
					return fmt.Errorf("upload cancelled: %w", err)
				}

				part, ok := claim()
				if !ok {
					return nil
				}

				etag, err := s.uploadPart(ctx, lane, total, part)
				if err != nil {
					s.aborted.Store(true)
					s.logger.Errorf("Part %d failed: %s", part.PartNumber, err)
					return err
				}

				mu.Lock()
				results = append(results, PartResult{PartNumber: part.PartNumber, ETag: etag})
				completed := len(results)
				if s.onProgress != nil {
					s.onProgress(completed, total)
				}
				mu.Unlock()

				s.logger.Infof("Uploaded part %d", part.PartNumber)
			}
		})
	}

	cause := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return Result{
		Parts:   results,
		Aborted: s.aborted.Load(),
		Cause:   cause,
	}
}

func (s *Scheduler) uploadPart(ctx context.Context, lane, total int, part PartDescriptor) (string, error) {
	s.logger.Printf("Requesting URL for part %d", part.PartNumber)
	url, err := s.signer.SignPart(ctx, part.PartNumber)
	if err != nil {
		return "", err
	}

	data, err := s.provider.ReadPart(part)
	if err != nil {
		return "", fmt.Errorf("read part %d: %w", part.PartNumber, err)
	}

	s.logger.Debugf("Uploading part %d/%d on lane %d [finished=%d] [avg=%v]",
		part.PartNumber, total, lane, s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))

	start := time.Now()
	etag, err := s.uploader.PutPart(ctx, url, part.PartNumber, data)
	if err != nil {
		return "", err
	}
	if etag == "" {
		return "", fmt.Errorf("part %d: %w", part.PartNumber, errMissingETag)
	}

	took := time.Since(start)
	s.stats.Update(took, part.Size())
	s.logger.Debugf("Part %d uploaded in %v, ETag: %s", part.PartNumber, took.Round(time.Millisecond), etag)

	return etag, nil
}
