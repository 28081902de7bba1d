package upload

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
)

var (
	// ErrUploadInProgress is returned when starting or resetting while a session is active.
	ErrUploadInProgress = errors.New("an upload is already in progress")
	// ErrEmptyFile is returned for sources without bytes.
	ErrEmptyFile = errors.New("no file selected or file is empty")
	// ErrAborted is the failure reason of an upload stopped by Abort.
	ErrAborted = errors.New("upload aborted by user")
)

// IncompleteUploadError means the collected part results cannot finalize the session.
// It indicates a bug in the upload pipeline, not a remote failure.
type IncompleteUploadError struct {
	TotalParts int
	Got        int
	Missing    []int
	Duplicates []int
	EmptyETags []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("incomplete upload: %d of %d part results (missing: %v, duplicates: %v, empty ETags: %v)",
		e.Got, e.TotalParts, e.Missing, e.Duplicates, e.EmptyETags)
}

// FileTooLargeError is returned for sources above the object size limit of the storage.
type FileTooLargeError struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file is too large: %s, at most %s can be uploaded",
		units.BytesSize(float64(e.SizeBytes)), units.BytesSize(float64(e.MaxBytes)))
}
