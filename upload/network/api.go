package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/primevod/go-ingest/upload/network/partuploader"
)

const (
	initPath     = "/ingest/init"
	signPartPath = "/ingest/signPart"
	completePath = "/ingest/complete"
	abortPath    = "/ingest/abort"
)

type initRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
}

type signPartRequest struct {
	Key        string `json:"key"`
	UploadID   string `json:"uploadId"`
	PartNumber int    `json:"partNumber"`
}

type completedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

type completeRequest struct {
	Key      string          `json:"key"`
	UploadID string          `json:"uploadId"`
	Parts    []completedPart `json:"parts"`
}

type abortRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

// Accepted spellings of response fields, in order of preference.
var (
	uploadIDFields = []string{"uploadId", "UploadId"}
	urlFields      = []string{"url", "presignedUrl"}
)

// APIClientParams configures the HTTP ingest API client created by NewAPIClient.
type APIClientParams struct {
	// BaseURL is the ingest API origin; the /ingest/* paths are appended to it.
	BaseURL     string
	AccessToken string
	// RetryMax is the number of retries for a failed API call (connection errors, 5xx, 429).
	RetryMax  int
	RetryWait time.Duration
	// HTTPClient overrides the underlying client, mostly for timeouts.
	HTTPClient *http.Client
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient returns a SessionClient talking JSON to the ingest API.
func NewAPIClient(params APIClientParams, logger log.Logger) SessionClient {
	client := retryhttp.NewClient(logger)
	client.RetryMax = params.RetryMax
	if params.RetryWait > 0 {
		client.RetryWaitMin = params.RetryWait
		client.RetryWaitMax = params.RetryWait * time.Duration(params.RetryMax+1)
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if params.HTTPClient != nil {
		client.HTTPClient = params.HTTPClient
	}

	return newAPIClient(client, params.BaseURL, params.AccessToken, logger)
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) Init(ctx context.Context, request InitRequest) (InitResponse, error) {
	c.logger.Debugf("Calling %s to start multipart upload", initPath)
	body, err := c.postJSON(ctx, initPath, initRequest{Key: request.Key, ContentType: request.ContentType})
	if err != nil {
		return InitResponse{}, &InitError{Key: request.Key, Err: err}
	}

	raw, err := decodeFields(body)
	if err != nil {
		return InitResponse{}, &InitError{Key: request.Key, Err: err}
	}

	response := InitResponse{
		UploadID: firstString(raw, uploadIDFields...),
		Key:      firstString(raw, "key"),
		Bucket:   firstString(raw, "bucket"),
	}
	if response.UploadID == "" {
		return InitResponse{}, &InitError{Key: request.Key, Err: ErrMissingUploadID}
	}

	return response, nil
}

func (c apiClient) SignPart(ctx context.Context, key, uploadID string, partNumber int) (SignResponse, error) {
	body, err := c.postJSON(ctx, signPartPath, signPartRequest{Key: key, UploadID: uploadID, PartNumber: partNumber})
	if err != nil {
		return SignResponse{}, &SignError{PartNumber: partNumber, Err: err}
	}

	raw, err := decodeFields(body)
	if err != nil {
		return SignResponse{}, &SignError{PartNumber: partNumber, Err: err}
	}

	url := firstString(raw, urlFields...)
	if url == "" {
		return SignResponse{}, &SignError{PartNumber: partNumber, Err: ErrMissingURL}
	}

	return SignResponse{URL: url, Method: http.MethodPut}, nil
}

func (c apiClient) Complete(ctx context.Context, key, uploadID string, parts []partuploader.PartResult) (CompleteResponse, error) {
	request := completeRequest{
		Key:      key,
		UploadID: uploadID,
		Parts:    make([]completedPart, 0, len(parts)),
	}
	for _, p := range parts {
		request.Parts = append(request.Parts, completedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	body, err := c.postJSON(ctx, completePath, request)
	if err != nil {
		return CompleteResponse{}, &CompleteError{UploadID: uploadID, Err: err}
	}

	return CompleteResponse{Body: body}, nil
}

func (c apiClient) Abort(ctx context.Context, key, uploadID string) (AbortResponse, error) {
	body, err := c.postJSON(ctx, abortPath, abortRequest{Key: key, UploadID: uploadID})
	if err != nil {
		return AbortResponse{}, &AbortReportedError{UploadID: uploadID, Err: err}
	}

	return AbortResponse{Body: body}, nil
}

func (c apiClient) postJSON(ctx context.Context, path string, requestBody interface{}) ([]byte, error) {
	url := c.baseURL + path

	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer func(body io.ReadCloser) {
			err := body.Close()
			if err != nil {
				c.logger.Warnf("close response body: %s", err)
			}
		}(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(resp)
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debugf("Response from %s: %s", path, string(responseBody))

	return responseBody, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}

func decodeFields(body []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

// firstString returns the first non-empty string found under one of names.
func firstString(raw map[string]json.RawMessage, names ...string) string {
	for _, name := range names {
		value, ok := raw[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		if s != "" {
			return s
		}
	}
	return ""
}
