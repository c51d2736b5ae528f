package partscheduler

import (
	"net/http"
	"time"
)

// Config holds configuration for the part scheduler.
type Config struct {
	// Concurrency is the maximum number of in-flight part uploads.
	// Default: 3
	Concurrency int

	// MaxAttemptsPerPart is the attempt budget for a single part, including
	// the first try. Default: 3
	MaxAttemptsPerPart int

	// RetryBaseDelay is the unit of the linear backoff between attempts:
	// the wait before attempt n+1 is n * RetryBaseDelay. Default: 1s
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        3,
		MaxAttemptsPerPart: 3,
		RetryBaseDelay:     time.Second,
	}
}

// normalized returns the config with zero values replaced by defaults.
func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.MaxAttemptsPerPart <= 0 {
		c.MaxAttemptsPerPart = defaults.MaxAttemptsPerPart
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	return c
}

// DefaultHTTPClient creates an HTTP client tuned for part uploads. Part
// deadlines are handled via context, not a client-wide timeout.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
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
