package partuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

var errMissingETag = errors.New("no ETag in response")

// TransportError is returned by PutPart once every attempt for a part has failed.
type TransportError struct {
	PartNumber int
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upload part %d failed after %d attempt(s): %s", e.PartNumber, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetryHook is called before a part upload is retried.
type RetryHook func(partNumber, attempt int, err error)

// attemptState follows a single PutPart call through the retryable client hooks.
type attemptState struct {
	partNumber int
	attempts   int
	statusCode int
	lastErr    error
}

type attemptStateKey struct{}

// Transport PUTs part bytes to presigned URLs with bounded, linearly backed-off retries.
type Transport struct {
	client  *retryablehttp.Client
	config  Config
	logger  log.Logger
	onRetry RetryHook
}

// NewTransport creates a Transport with the given configuration.
func NewTransport(config Config, logger log.Logger) *Transport {
	config = config.withDefaults()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	t := &Transport{
		config: config,
		logger: logger,
	}

	client := retryhttp.NewClient(logger)
	client.HTTPClient = httpClient
	client.RetryMax = config.MaxAttempts - 1
	client.RetryWaitMin = config.BaseDelay
	client.RetryWaitMax = config.BaseDelay * time.Duration(config.MaxAttempts)
	client.Backoff = linearBackoff
	client.CheckRetry = checkPartResponse
	client.ErrorHandler = closeAndReturnError
	client.RequestLogHook = t.logAttempt
	t.client = client

	return t
}

// OnRetry registers a hook that observes retries.
func (t *Transport) OnRetry(hook RetryHook) {
	t.onRetry = hook
}

// PutPart uploads data to url and returns the part's ETag with surrounding quotes removed.
// A response without an ETag counts as a failed attempt.
func (t *Transport) PutPart(ctx context.Context, url UploadURL, partNumber int, data []byte) (string, error) {
	state := &attemptState{partNumber: partNumber}
	ctx = context.WithValue(ctx, attemptStateKey{}, state)

	method := url.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url.URL, data)
	if err != nil {
		return "", &TransportError{PartNumber: partNumber, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &TransportError{
			PartNumber: partNumber,
			Attempts:   state.attempts,
			StatusCode: state.statusCode,
			Err:        err,
		}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	return cleanETag(resp.Header.Get("ETag")), nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *Transport) CloseIdleConnections() {
	t.client.HTTPClient.CloseIdleConnections()
}

func (t *Transport) logAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if attempt == 0 {
		return
	}
	state, ok := req.Context().Value(attemptStateKey{}).(*attemptState)
	if !ok {
		return
	}

	t.logger.Warnf("Retry %d for part %d due to: %s", attempt, state.partNumber, state.lastErr)
	if t.onRetry != nil {
		t.onRetry(state.partNumber, attempt, state.lastErr)
	}
}

// linearBackoff waits unit * n before the n-th retry.
func linearBackoff(unit, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return unit * time.Duration(attemptNum+1)
}

func checkPartResponse(ctx context.Context, resp *http.Response, err error) (bool, error) {
	state, _ := ctx.Value(attemptStateKey{}).(*attemptState)
	if state != nil {
		state.attempts++
	}

	record := func(statusCode int, err error) {
		if state != nil {
			state.statusCode = statusCode
			state.lastErr = err
		}
	}

	if err != nil {
		record(0, err)
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		failure := fmt.Errorf("PUT failed status %d: %s", resp.StatusCode, string(errorBody[:n]))
		record(resp.StatusCode, failure)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, failure
	}

	if cleanETag(resp.Header.Get("ETag")) == "" {
		record(resp.StatusCode, errMissingETag)
		return true, errMissingETag
	}

	return false, nil
}

func closeAndReturnError(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		err = fmt.Errorf("giving up after %d attempt(s)", numTries)
	}
	return nil, err
}

func cleanETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}
