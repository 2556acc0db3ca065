package common

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds every upstream request
const DefaultTimeout = 30 * time.Second

// NewHTTPClient creates an HTTP client with system proxy support
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Use http.ProxyFromEnvironment to respect system proxy settings
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
