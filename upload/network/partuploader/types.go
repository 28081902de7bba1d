// Package partuploader splits a source into numbered parts and uploads them to
// presigned URLs with a bounded pool of lanes, linear-backoff retries and
// ETag tracking.
package partuploader

import (
	"context"
)

// UploadURL represents a signed URL for uploading a single part.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// PartDescriptor is a half-open byte range [Start, End) of the source.
type PartDescriptor struct {
	PartNumber int
	Start      int64
	End        int64
}

// Size returns the number of bytes covered by the part.
func (p PartDescriptor) Size() int64 {
	return p.End - p.Start
}

// PartResult is the outcome of a successfully uploaded part.
type PartResult struct {
	PartNumber int
	ETag       string
}

// PartProvider provides part data for upload.
// Implementations can read from files or memory buffers.
type PartProvider interface {
	// ReadPart returns the bytes of the given part.
	// It may be called concurrently for different parts.
	ReadPart(part PartDescriptor) ([]byte, error)
}

// Signer returns a presigned upload URL for a part number.
type Signer interface {
	SignPart(ctx context.Context, partNumber int) (UploadURL, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, partNumber int) (UploadURL, error)

// SignPart calls f(ctx, partNumber).
func (f SignerFunc) SignPart(ctx context.Context, partNumber int) (UploadURL, error) {
	return f(ctx, partNumber)
}

// Result is what the scheduler hands back once every lane has settled.
type Result struct {
	Parts   []PartResult
	Aborted bool
	// Cause is the first lane failure, nil when the run was aborted externally or succeeded.
	Cause error
}
