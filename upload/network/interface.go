package network

import (
	"context"
	"net/http"

	"github.com/primevod/go-ingest/upload/network/partuploader"
)

// InitRequest starts a multipart upload for Key.
type InitRequest struct {
	Key         string
	ContentType string
}

// InitResponse identifies the started multipart upload.
type InitResponse struct {
	UploadID string
	// Key and Bucket are echoed by the ingest API when it normalizes the key.
	Key    string
	Bucket string
}

// SignResponse is a presigned request for uploading one part.
type SignResponse struct {
	URL     string
	Method  string
	Headers map[string]string
}

// UploadURL converts the response to the part uploader's URL type. PUT is assumed when no method was given.
func (r SignResponse) UploadURL() partuploader.UploadURL {
	method := r.Method
	if method == "" {
		method = http.MethodPut
	}
	return partuploader.UploadURL{Method: method, URL: r.URL, Headers: r.Headers}
}

// CompleteResponse carries the implementation-defined confirmation body.
type CompleteResponse struct {
	Body []byte
}

// AbortResponse carries the implementation-defined confirmation body.
type AbortResponse struct {
	Body []byte
}

// SessionClient is the remote side of a multipart upload session.
type SessionClient interface {
	Init(ctx context.Context, request InitRequest) (InitResponse, error)
	SignPart(ctx context.Context, key, uploadID string, partNumber int) (SignResponse, error)
	Complete(ctx context.Context, key, uploadID string, parts []partuploader.PartResult) (CompleteResponse, error)
	Abort(ctx context.Context, key, uploadID string) (AbortResponse, error)
}
