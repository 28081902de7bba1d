package network

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingUploadID is returned when init succeeds but carries no upload id.
	ErrMissingUploadID = errors.New("init response missing UploadId")
	// ErrMissingURL is returned when a part was signed without a URL.
	ErrMissingURL = errors.New("missing presigned URL")
)

// HTTPError is a non-2xx answer from the ingest API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// InitError means the multipart session could not be started.
type InitError struct {
	Key string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init multipart upload %s: %s", e.Key, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// SignError means no upload URL could be obtained for a part.
type SignError struct {
	PartNumber int
	Err        error
}

func (e *SignError) Error() string {
	return fmt.Sprintf("sign part %d: %s", e.PartNumber, e.Err)
}

func (e *SignError) Unwrap() error { return e.Err }

// CompleteError means the session could not be finalized.
type CompleteError struct {
	UploadID string
	Err      error
}

func (e *CompleteError) Error() string {
	return fmt.Sprintf("complete multipart upload %s: %s", e.UploadID, e.Err)
}

func (e *CompleteError) Unwrap() error { return e.Err }

// AbortReportedError means the remote abort failed. Callers log it and move on.
type AbortReportedError struct {
	UploadID string
	Err      error
}

func (e *AbortReportedError) Error() string {
	return fmt.Sprintf("abort multipart upload %s: %s", e.UploadID, e.Err)
}

func (e *AbortReportedError) Unwrap() error { return e.Err }
