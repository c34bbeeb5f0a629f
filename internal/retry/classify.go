package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"syscall"

	"github.com/phrazzld/aiqueue/internal/domain"
)

// transientPattern matches error text from network and timeout failures that
// do not carry a typed cause.
var transientPattern = regexp.MustCompile(`(?i)network|timeout|timed out|connection (reset|refused|closed)|econnreset|etimedout|econnrefused|no such host|temporarily unavailable|broken pipe`)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// IsTransient is the default retry predicate. Explicitly classified errors
// win; otherwise network, timeout and DNS failures are retried and everything
// else is not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsPermanent(err),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, domain.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return transientPattern.MatchString(err.Error())
}

// RetryOnStatus returns a predicate that retries errors carrying one of codes,
// falling back to IsTransient for everything else.
func RetryOnStatus(codes ...int) func(err error, attempt int) bool {
	retryable := make(map[int]bool, len(codes))
	for _, c := range codes {
		retryable[c] = true
	}

	return func(err error, _ int) bool {
		var sc StatusCoder
		if errors.As(err, &sc) {
			if retryable[sc.StatusCode()] {
				return true
			}
			if domain.IsPermanent(err) {
				return false
			}
		}
		return IsTransient(err)
	}
}
