package partuploader

import (
	"net/http"
	"time"
)

const (
	// DefaultConcurrency is the number of lanes used when none is configured.
	DefaultConcurrency = 4
	// DefaultMaxAttempts is the number of PUT attempts per part.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is multiplied by the attempt number to get the wait before a retry.
	DefaultBaseDelay = time.Second
)

// Config holds configuration for the part uploader.
type Config struct {
	// Concurrency is the number of lanes uploading parts in parallel.
	// Default: 4
	Concurrency int

	// MaxAttempts is the maximum number of PUT attempts per part.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the linear backoff unit: the wait after attempt n is BaseDelay * n.
	// Default: 1 second
	BaseDelay time.Duration

	// HTTPClient is the HTTP client to use for part uploads.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		HTTPClient:  nil, // Will be created by the Transport
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	return c
}

// DefaultHTTPClient creates an HTTP client optimized for part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - upload deadlines are left to the caller's context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
