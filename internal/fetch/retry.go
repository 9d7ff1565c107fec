package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"
)

// retryStatuses are the HTTP statuses treated as transient. 403 is included
// because the upstream image hosts throttle with it.
var retryStatuses = map[int]struct{}{
	403: {},
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

// statusError reports a non-success HTTP response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// Policy decides which failures are worth retrying and how long to wait
// between attempts.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewPolicy builds a retry policy. Non-positive arguments fall back to the
// defaults: three attempts total with a one second base delay.
func NewPolicy(maxAttempts int, baseDelay time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// MaxAttempts returns the total attempt budget, first try included.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Retryable reports whether the failure is transient. Connection errors,
// timeouts and the throttling status codes qualify; everything else is
// terminal.
func (p *Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		_, ok := retryStatuses[se.code]
		return ok
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// Backoff returns the wait after attempt n (1-based) fails: the base delay
// doubled per attempt, so 1s, 2s with the defaults.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.baseDelay << uint(attempt-1)
}
