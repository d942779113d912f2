package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	stdhttp "net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"upcoach-sync/internal/shared"
	"upcoach-sync/pkg/retry"
)

var errThrottled = errors.New("http: throttle wait")

// StatusError describes an unsuccessful response. Client.Do returns it for
// retryable statuses (408, 421, 425, 429 and 5xx) once attempts ran out;
// API adapters build it with NewStatusError for the remaining 4xx codes.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Kind       shared.Kind
	RetryAfter time.Duration
	// Body holds the start of the response body, if any.
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, stdhttp.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap exposes the shared sentinel so shared.KindOf works on StatusError.
func (e *StatusError) Unwrap() error { return shared.SentinelOf(e.Kind) }

// NewStatusError describes resp, reading at most 256 bytes of its body.
func NewStatusError(method, u string, resp *stdhttp.Response) *StatusError {
	kind := shared.KindFromStatus(resp.StatusCode)
	switch resp.StatusCode {
	case stdhttp.StatusMisdirectedRequest, stdhttp.StatusTooEarly:
		kind = shared.KindUnavailable
	}
	se := &StatusError{
		Method:     method,
		URL:        u,
		StatusCode: resp.StatusCode,
		Kind:       kind,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		se.Body = strings.TrimSpace(string(b))
	}
	return se
}

func retryableStatus(code int) bool {
	switch code {
	case stdhttp.StatusRequestTimeout, stdhttp.StatusMisdirectedRequest, stdhttp.StatusTooEarly, stdhttp.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// retryAfter parses Retry-After header value.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := stdhttp.ParseTime(h); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// RetryableError is the default retry predicate of Client. It checks, in
// order: typed status errors, transport failures, the shared error kinds
// and finally the message heuristic of retry.IsRetryableError.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReplayBodyTooLarge) || errors.Is(err, errThrottled) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.StatusCode)
	}
	if transportRetryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if shared.IsTransient(err) {
		return true
	}
	return retry.IsRetryableError(err)
}

// transportRetryable recognizes connection level failures from net/http.
func transportRetryable(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ne, ok := ue.Err.(net.Error); ok && ne.Timeout() {
			return true
		}
		if oe, ok := ue.Err.(*net.OpError); ok {
			if se, ok := oe.Err.(*os.SyscallError); ok {
				switch se.Err {
				case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
					syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
					syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
					return true
				}
			}
		}
		var dnsErr *net.DNSError
		if errors.As(ue.Err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
