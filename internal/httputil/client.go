package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// NewClientWithTimeout returns an HTTP client whose requests give up after timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}
