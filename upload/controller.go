// Package upload drives a multipart upload session from init to complete or abort
// and exposes its state, progress and log lines to an observer.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/primevod/go-ingest/upload/network"
	"github.com/primevod/go-ingest/upload/network/partuploader"
)

const maxLoggedResponseLength = 800

// Observer receives state, progress and log updates. Calls may come from several goroutines.
type Observer interface {
	OnState(state State)
	OnProgress(percent int)
	OnLog(entry LogEntry)
}

// Result describes a finished upload.
type Result struct {
	Session  UploadSession
	Parts    []partuploader.PartResult
	Response []byte
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers an observer.
func WithObserver(observer Observer) Option {
	return func(c *Controller) { c.observer = observer }
}

// WithTracker sends upload events to an analytics tracker.
func WithTracker(tracker analytics.Tracker) Option {
	return func(c *Controller) { c.analytics = tracker }
}

// WithClock replaces time.Now, used for log timestamps and object keys.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs one upload session at a time.
type Controller struct {
	config    Config
	client    network.SessionClient
	logger    log.Logger
	observer  Observer
	analytics analytics.Tracker
	now       func() time.Time

	book      *LogBook
	transport *partuploader.Transport
	tracker   uploadTracker

	mu             sync.Mutex
	state          State
	progress       int
	scheduler      *partuploader.Scheduler
	abortRequested bool
	parts          []partuploader.PartResult
}

// NewController creates an idle Controller using client for the remote session.
func NewController(config Config, client network.SessionClient, logger log.Logger, opts ...Option) *Controller {
	c := &Controller{
		config: config,
		client: client,
		now:    time.Now,
		book:   NewLogBook(MaxLogEntries),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = bookLogger{Logger: logger, record: c.record}
	c.tracker = newUploadTracker(c.analytics, c.logger)
	c.transport = partuploader.NewTransport(config.partUploaderConfig(), c.logger)
	c.transport.OnRetry(func(partNumber, attempt int, _ error) {
		c.tracker.logPartFailed(partNumber, attempt)
	})

	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the uploaded share of parts in percent.
func (c *Controller) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Logs returns the kept log lines, oldest first.
func (c *Controller) Logs() []LogEntry {
	return c.book.Entries()
}

// Parts returns the sorted part results of the last completed upload.
func (c *Controller) Parts() []partuploader.PartResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]partuploader.PartResult(nil), c.parts...)
}

// Reset returns a finished controller to idle with no logs and zero progress.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrUploadInProgress
	}
	c.state = StateIdle
	c.progress = 0
	c.parts = nil
	c.abortRequested = false
	c.scheduler = nil
	c.book.Clear()
	c.mu.Unlock()

	c.notifyState(StateIdle)
	c.notifyProgress(0)
	return nil
}

// Abort asks a running upload to stop. Parts already being uploaded finish first;
// the remote session is then aborted. It returns false when nothing is running
// or an abort was already requested.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	if (c.state != StateStarting && c.state != StateUploading) || c.abortRequested {
		c.mu.Unlock()
		return false
	}
	c.abortRequested = true
	if c.scheduler != nil {
		c.scheduler.Abort()
	}
	c.mu.Unlock()

	c.logger.Warnf("Abort requested by user.")
	return true
}

// Upload runs a whole session for source and blocks until it is done or failed.
// The returned error is the reason of the failure; the controller state is error in that case.
func (c *Controller) Upload(ctx context.Context, source Source) (Result, error) {
	if source == nil || source.Size() <= 0 {
		return Result{}, ErrEmptyFile
	}
	if source.Size() > partuploader.MaxObjectSizeBytes {
		return Result{}, &FileTooLargeError{SizeBytes: source.Size(), MaxBytes: partuploader.MaxObjectSizeBytes}
	}

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return Result{}, ErrUploadInProgress
	}
	c.state = StateStarting
	c.progress = 0
	c.parts = nil
	c.abortRequested = false
	c.scheduler = nil
	c.mu.Unlock()
	c.notifyState(StateStarting)
	c.notifyProgress(0)

	defer c.tracker.wait()

	startTime := c.now()
	c.logger.Infof("Preparing to upload: %s (%s)", source.Name(), units.HumanSizeWithPrecision(float64(source.Size()), 3))

	session, err := c.startSession(ctx, source)
	if err != nil {
		return Result{}, err
	}
	c.tracker.logStarted(session)

	parts, err := partuploader.Plan(session.FileSizeBytes, session.PartSizeBytes)
	if err != nil {
		return Result{}, c.abortSession(ctx, session, 0, err)
	}

	provider, ok := source.(partuploader.PartProvider)
	if !ok {
		provider = partuploader.NewReaderAtPartProvider(source, session.FileSizeBytes)
	}
	scheduler := partuploader.NewScheduler(
		c.config.PartUploader,
		c.signer(session),
		provider,
		c.transport,
		c.logger,
	)
	scheduler.OnProgress(func(completed, total int) {
		c.setProgress(completed * 100 / total)
	})

	c.mu.Lock()
	c.scheduler = scheduler
	if c.abortRequested {
		scheduler.Abort()
	}
	c.mu.Unlock()

	result := scheduler.Run(ctx, parts)
	stats := scheduler.Stats()
	c.logger.Debugf("Lanes settled: %d of %d parts uploaded, average part time %s",
		len(result.Parts), session.TotalParts, stats.Average().Round(time.Millisecond))

	if result.Aborted {
		reason := result.Cause
		if reason == nil {
			reason = ErrAborted
		}
		return Result{}, c.abortSession(ctx, session, len(result.Parts), reason)
	}

	sorted, err := validateParts(result.Parts, session.TotalParts)
	if err != nil {
		return Result{}, c.abortSession(ctx, session, len(result.Parts), err)
	}

	c.setState(StateCompleting)
	c.logger.Infof("Completing upload...")
	response, err := c.client.Complete(ctx, session.Key, session.UploadID, sorted)
	if err != nil {
		c.tracker.logCompleteFailed(session, err)
		c.logger.Errorf("Complete failed: %s", err)
		c.setState(StateError)
		return Result{}, err
	}

	c.mu.Lock()
	c.parts = sorted
	c.mu.Unlock()
	c.setProgress(100)
	c.logger.Printf("Uploaded %s in %d parts (%s/s per lane)", units.BytesSize(float64(stats.UploadedBytes())),
		stats.FinishedCount(), units.BytesSize(stats.BytesPerSecond()))
	c.logger.Donef("Upload complete!")
	c.tracker.logCompleted(session, c.now().Sub(startTime))
	if len(response.Body) > 0 {
		c.logger.Printf("%s", truncate(string(response.Body), maxLoggedResponseLength))
	}
	c.setState(StateDone)

	return Result{Session: session, Parts: sorted, Response: response.Body}, nil
}

func (c *Controller) startSession(ctx context.Context, source Source) (UploadSession, error) {
	key := c.objectKey(source.Name())
	partSize := c.partSizeFor(source.Size())
	c.logger.Printf("Calling init to start multipart upload (key: %s)", key)

	initResp, err := c.client.Init(ctx, network.InitRequest{Key: key, ContentType: c.detectContentType(source)})
	if err == nil && initResp.UploadID == "" {
		err = &network.InitError{Key: key, Err: network.ErrMissingUploadID}
	}
	if err != nil {
		c.tracker.logInitFailed(err)
		c.logger.Errorf("Init failed: %s", err)
		c.setState(StateError)
		return UploadSession{}, err
	}
	if initResp.Key != "" {
		key = initResp.Key
	}

	session := UploadSession{
		Key:           key,
		UploadID:      initResp.UploadID,
		TotalParts:    partuploader.PartCount(source.Size(), partSize),
		PartSizeBytes: partSize,
		FileSizeBytes: source.Size(),
	}

	c.logger.Printf("UploadId: %s", session.UploadID)
	c.logger.Debugf("Uploading %d parts of %s", session.TotalParts, units.BytesSize(float64(session.PartSizeBytes)))
	c.setState(StateUploading)

	return session, nil
}

// partSizeFor keeps the configured part size unless it would need more than MaxParts parts.
func (c *Controller) partSizeFor(fileSize int64) int64 {
	partSize := c.config.PartSizeBytes
	if partuploader.PartCount(fileSize, partSize) <= partuploader.MaxParts {
		return partSize
	}

	raised := partuploader.OptimalPartSizeBytes(fileSize, c.config.PartUploader.Concurrency)
	if raised < partSize {
		raised = partSize
	}
	c.logger.Warnf("Part size raised from %s to %s to stay within %d parts",
		units.BytesSize(float64(partSize)), units.BytesSize(float64(raised)), partuploader.MaxParts)
	return raised
}

func (c *Controller) signer(session UploadSession) partuploader.Signer {
	return partuploader.SignerFunc(func(ctx context.Context, partNumber int) (partuploader.UploadURL, error) {
		resp, err := c.client.SignPart(ctx, session.Key, session.UploadID, partNumber)
		if err != nil {
			return partuploader.UploadURL{}, err
		}
		if resp.URL == "" {
			return partuploader.UploadURL{}, &network.SignError{PartNumber: partNumber, Err: network.ErrMissingURL}
		}
		return resp.UploadURL(), nil
	})
}

// abortSession moves through aborting to error and always returns reason.
// The remote abort outlives cancellation of ctx.
func (c *Controller) abortSession(ctx context.Context, session UploadSession, uploadedParts int, reason error) error {
	c.setState(StateAborting)
	c.logger.Warnf("Aborting upload...")

	_, abortErr := c.client.Abort(context.WithoutCancel(ctx), session.Key, session.UploadID)
	if abortErr != nil {
		var reported *network.AbortReportedError
		if !errors.As(abortErr, &reported) {
			abortErr = &network.AbortReportedError{UploadID: session.UploadID, Err: abortErr}
		}
		c.logger.Warnf("Abort failed: %s", abortErr)
	} else {
		c.logger.Printf("Abort complete")
	}
	c.tracker.logAborted(session, uploadedParts, reason, abortErr)

	c.logger.Errorf("Upload failed: %s", reason)
	c.setState(StateError)
	return reason
}

func (c *Controller) objectKey(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fmt.Sprintf("%s/%s.bin", c.config.KeyPrefix, uuid.NewString())
	}
	return fmt.Sprintf("%s/%d_%s", c.config.KeyPrefix, c.now().UnixMilli(), name)
}

func (c *Controller) detectContentType(source Source) string {
	mime, err := mimetype.DetectReader(io.NewSectionReader(source, 0, source.Size()))
	if err != nil {
		c.logger.Warnf("Failed to detect content type: %s", err)
		return ""
	}
	return mime.String()
}

func (c *Controller) record(message string) {
	entry := LogEntry{Time: c.now(), Message: message}
	c.book.Append(entry)
	if c.observer != nil {
		c.observer.OnLog(entry)
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.notifyState(state)
}

func (c *Controller) setProgress(percent int) {
	if percent > 100 {
		percent = 100
	}
	c.mu.Lock()
	if percent <= c.progress {
		c.mu.Unlock()
		return
	}
	c.progress = percent
	c.mu.Unlock()
	c.notifyProgress(percent)
}

func (c *Controller) notifyState(state State) {
	if c.observer != nil {
		c.observer.OnState(state)
	}
}

func (c *Controller) notifyProgress(percent int) {
	if c.observer != nil {
		c.observer.OnProgress(percent)
	}
}

// validateParts sorts results by part number and checks they cover 1..total exactly once.
func validateParts(parts []partuploader.PartResult, total int) ([]partuploader.PartResult, error) {
	sorted := append([]partuploader.PartResult(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})

	incomplete := &IncompleteUploadError{TotalParts: total, Got: len(sorted)}
	seen := make(map[int]bool, len(sorted))
	for _, p := range sorted {
		if seen[p.PartNumber] {
			incomplete.Duplicates = append(incomplete.Duplicates, p.PartNumber)
		}
		seen[p.PartNumber] = true
		if p.ETag == "" {
			incomplete.EmptyETags = append(incomplete.EmptyETags, p.PartNumber)
		}
	}
	for n := 1; n <= total; n++ {
		if !seen[n] {
			incomplete.Missing = append(incomplete.Missing, n)
		}
	}

	if len(sorted) != total || len(incomplete.Missing) > 0 || len(incomplete.Duplicates) > 0 || len(incomplete.EmptyETags) > 0 {
		return nil, incomplete
	}
	return sorted, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
