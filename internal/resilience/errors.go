package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen signals that a live call was skipped because the network's
// circuit is open. It drives snapshot fallback and is never surfaced to
// callers of the orchestrators.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// UpstreamError is a non-2xx response or a transport failure from an
// upstream network.
type UpstreamError struct {
	StatusCode int
	Payload    string
	Path       string
	BaseURL    string
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
	// Cause is the transport error, nil for HTTP status failures.
	Cause error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s%s: %v", e.BaseURL, e.Path, e.Cause)
	}
	return fmt.Sprintf("upstream %s%s: http %d", e.BaseURL, e.Path, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// TimeoutError reports an attempt aborted after its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

// IsRetryableStatus returns true for HTTP statuses worth another attempt.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable classifies err: timeouts, retryable statuses and any upstream
// error carrying a transport cause are retryable; everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		if ue.Cause != nil {
			return true
		}
		return IsRetryableStatus(ue.StatusCode)
	}

	return IsTransient(err)
}

// IsTransient returns true if err matches common transient network failures
// (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsRetryable(err) {
		return "transient"
	}
	return "permanent"
}

// ErrorCode returns a short machine-readable code for err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		if ue.Cause != nil {
			return "transport"
		}
		return "http_" + strconv.Itoa(ue.StatusCode)
	}
	return "error"
}

// RetryAfterFrom extracts a server-requested delay from err.
func RetryAfterFrom(err error) (time.Duration, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.RetryAfter > 0 {
		return ue.RetryAfter, true
	}
	return 0, false
}

// ParseRetryAfter interprets a Retry-After header as delta seconds or an
// HTTP-date. Non-positive or unparsable values yield false.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(now)
		if d <= 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}
