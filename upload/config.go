package upload

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/primevod/go-ingest/upload/network"
	"github.com/primevod/go-ingest/upload/network/partuploader"
)

// Environment variables read by ConfigFromEnv.
const (
	IngestURLEnvKey      = "PRIMEVOD_INGEST_URL"
	IngestTokenEnvKey    = "PRIMEVOD_INGEST_TOKEN"
	PartSizeEnvKey       = "PRIMEVOD_PART_SIZE"
	ConcurrencyEnvKey    = "PRIMEVOD_CONCURRENCY"
	MaxRetriesEnvKey     = "PRIMEVOD_MAX_RETRIES"
	RetryBaseDelayEnvKey = "PRIMEVOD_RETRY_BASE_DELAY"
	HTTPTimeoutEnvKey    = "PRIMEVOD_HTTP_TIMEOUT"
	APIRetriesEnvKey     = "PRIMEVOD_API_RETRIES"
	KeyPrefixEnvKey      = "PRIMEVOD_KEY_PREFIX"
	VerboseEnvKey        = "PRIMEVOD_VERBOSE"
	AnalyticsEnvKey      = "PRIMEVOD_ANALYTICS"
	S3BucketEnvKey       = "PRIMEVOD_S3_BUCKET"
	S3RegionEnvKey       = "PRIMEVOD_S3_REGION"
	AccessKeyIDEnvKey    = "AWS_ACCESS_KEY_ID"
	SecretKeyEnvKey      = "AWS_SECRET_ACCESS_KEY"
)

const (
	// DefaultPartSizeBytes is the part size used when none is configured.
	DefaultPartSizeBytes int64 = 5 * 1024 * 1024
	// DefaultKeyPrefix is prepended to every object key.
	DefaultKeyPrefix = "uploads"
	// DefaultAPIRetries is the number of retries of a failed ingest API call.
	DefaultAPIRetries = 2

	maxConcurrency = 64
)

// S3Config selects the direct S3 session backend.
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Config holds the settings of an upload run, usually built by ConfigFromEnv.
type Config struct {
	IngestURL     string
	IngestToken   string
	PartSizeBytes int64
	KeyPrefix     string
	Verbose       bool
	// Analytics enables sending upload events to the analytics backend.
	Analytics  bool
	APIRetries int
	// HTTPTimeout bounds every single HTTP request. Zero means no timeout.
	HTTPTimeout  time.Duration
	PartUploader partuploader.Config
	// S3 is set when uploads should bypass the ingest API.
	S3 *S3Config
}

// DefaultConfig returns the configuration used for unset values.
func DefaultConfig() Config {
	return Config{
		PartSizeBytes: DefaultPartSizeBytes,
		KeyPrefix:     DefaultKeyPrefix,
		APIRetries:    DefaultAPIRetries,
		PartUploader:  partuploader.DefaultConfig(),
	}
}

// ConfigFromEnv builds a validated Config from the environment.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	config.IngestURL = strings.TrimSpace(envRepo.Get(IngestURLEnvKey))
	config.IngestToken = envRepo.Get(IngestTokenEnvKey)
	config.Verbose = envRepo.Get(VerboseEnvKey) == "true"
	config.Analytics = envRepo.Get(AnalyticsEnvKey) == "true"

	if prefix := strings.Trim(envRepo.Get(KeyPrefixEnvKey), "/ "); prefix != "" {
		config.KeyPrefix = prefix
	}

	if value := envRepo.Get(PartSizeEnvKey); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", PartSizeEnvKey, value, err)
		}
		config.PartSizeBytes = size
	}

	intInputs := []struct {
		key    string
		target *int
	}{
		{key: ConcurrencyEnvKey, target: &config.PartUploader.Concurrency},
		{key: MaxRetriesEnvKey, target: &config.PartUploader.MaxAttempts},
		{key: APIRetriesEnvKey, target: &config.APIRetries},
	}
	for _, input := range intInputs {
		value := envRepo.Get(input.key)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", input.key, value, err)
		}
		*input.target = n
	}

	durationInputs := []struct {
		key    string
		target *time.Duration
	}{
		{key: RetryBaseDelayEnvKey, target: &config.PartUploader.BaseDelay},
		{key: HTTPTimeoutEnvKey, target: &config.HTTPTimeout},
	}
	for _, input := range durationInputs {
		value := envRepo.Get(input.key)
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", input.key, value, err)
		}
		*input.target = d
	}

	if bucket := envRepo.Get(S3BucketEnvKey); bucket != "" {
		config.S3 = &S3Config{
			Bucket:          bucket,
			Region:          envRepo.Get(S3RegionEnvKey),
			AccessKeyID:     envRepo.Get(AccessKeyIDEnvKey),
			SecretAccessKey: envRepo.Get(SecretKeyEnvKey),
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks value ranges and that a session backend is configured.
func (c Config) Validate() error {
	if c.S3 == nil && c.IngestURL == "" {
		return fmt.Errorf("the secret '%s' is not defined", IngestURLEnvKey)
	}
	if c.S3 != nil && c.S3.Region == "" {
		return fmt.Errorf("'%s' is required when '%s' is set", S3RegionEnvKey, S3BucketEnvKey)
	}
	if c.PartSizeBytes < partuploader.MinPartSizeBytes {
		return fmt.Errorf("part size should be at least %s, got %s",
			units.BytesSize(float64(partuploader.MinPartSizeBytes)), units.BytesSize(float64(c.PartSizeBytes)))
	}
	if c.PartUploader.Concurrency < 1 || c.PartUploader.Concurrency > maxConcurrency {
		return fmt.Errorf("concurrency should be between 1 and %d", maxConcurrency)
	}
	if c.PartUploader.MaxAttempts < 1 {
		return fmt.Errorf("max retries should be at least 1")
	}
	if c.PartUploader.BaseDelay < 0 {
		return fmt.Errorf("retry base delay should not be negative")
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("http timeout should not be negative")
	}
	if c.APIRetries < 0 {
		return fmt.Errorf("api retries should not be negative")
	}
	return nil
}

// NewSessionClient creates the session backend selected by the config.
func NewSessionClient(ctx context.Context, config Config, logger log.Logger) (network.SessionClient, error) {
	if config.S3 != nil {
		logger.Debugf("Using direct S3 session backend (bucket: %s)", config.S3.Bucket)
		return network.NewS3Client(ctx, network.S3ClientParams{
			Bucket:          config.S3.Bucket,
			Region:          config.S3.Region,
			AccessKeyID:     config.S3.AccessKeyID,
			SecretAccessKey: config.S3.SecretAccessKey,
		}, logger)
	}

	logger.Debugf("Using ingest API at %s", config.IngestURL)
	return network.NewAPIClient(network.APIClientParams{
		BaseURL:     config.IngestURL,
		AccessToken: config.IngestToken,
		RetryMax:    config.APIRetries,
		HTTPClient:  config.httpClient(),
	}, logger), nil
}

// httpClient returns nil when no timeout is configured, leaving the default client in place.
func (c Config) httpClient() *http.Client {
	if c.HTTPTimeout <= 0 {
		return nil
	}
	client := partuploader.DefaultHTTPClient()
	client.Timeout = c.HTTPTimeout
	return client
}

// partUploaderConfig applies HTTPTimeout to the part uploads unless a client was set explicitly.
func (c Config) partUploaderConfig() partuploader.Config {
	config := c.PartUploader
	if config.HTTPClient == nil {
		config.HTTPClient = c.httpClient()
	}
	return config
}
