package provider

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// NewLimiter returns a token bucket allowing rps outbound requests per second. A non-positive
// rps disables throttling.
func NewLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// ThrottledTransport waits on a shared limiter before every outbound request so provider API
// quotas are spread across all users of the process.
type ThrottledTransport struct {
	Base    http.RoundTripper
	Limiter *rate.Limiter
}

// RoundTrip implements http.RoundTripper.
func (t *ThrottledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewHTTPClient builds the HTTP client provider adapters share.
func NewHTTPClient(limiter *rate.Limiter, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &ThrottledTransport{Base: http.DefaultTransport, Limiter: limiter},
	}
}
