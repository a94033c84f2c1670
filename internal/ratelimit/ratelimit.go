// Package ratelimit enforces per-user request quotas.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// BucketDeploymentCreate is the quota bucket for starting template deployments.
const BucketDeploymentCreate = "deployment:create"

// Backend counts hits per key within a fixed window. Implementations must increment atomically.
type Backend interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// Remaining returns how many hits are left in the window for limit.
func (d Decision) Remaining(limit int) int {
	if remaining := limit - d.Count; remaining > 0 {
		return remaining
	}
	return 0
}

// Policy bounds the number of hits per window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// ThrottledError is returned when a user exceeds a bucket's policy.
type ThrottledError struct {
	Bucket     string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	minutes := int(math.Ceil(e.RetryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Rate limit exceeded. You can make %d requests per %s. Please try again in %d %s.", e.Limit, humanWindow(e.Window), minutes, unit)
}

// Limiter applies policies to per-user buckets.
type Limiter struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Limiter over backend.
func New(backend Backend, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{backend: backend, logger: logger.With("component", "ratelimit"), now: time.Now}
}

// Backend exposes the underlying counter for request-level throttling.
func (l *Limiter) Backend() Backend {
	return l.backend
}

// CheckLimit records a hit for userID in bucket and returns a *ThrottledError when the policy
// is exceeded.
func (l *Limiter) CheckLimit(ctx context.Context, userID, bucket string, policy Policy) error {
	if l == nil || l.backend == nil || policy.Limit <= 0 {
		return nil
	}
	key := Key(userID, bucket)
	decision := l.backend.Allow(key, policy.Limit, policy.Window)
	if decision.Allowed {
		return nil
	}
	retry := decision.WindowEnd.Sub(l.now())
	if retry < 0 {
		retry = 0
	}
	l.logger.Warn("rate limit exceeded", "user_id", userID, "bucket", bucket, "count", decision.Count, "limit", policy.Limit)
	return &ThrottledError{Bucket: bucket, Limit: policy.Limit, Window: policy.Window, RetryAfter: retry}
}

// Close releases backend resources.
func (l *Limiter) Close() {
	if l != nil && l.backend != nil {
		l.backend.Close()
	}
}

// Key builds the counter key for a user bucket.
func Key(userID, bucket string) string {
	return "user:" + strings.TrimSpace(userID) + ":" + bucket
}

func humanWindow(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "hour"
	case d == time.Minute:
		return "minute"
	case d == 24*time.Hour:
		return "day"
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
