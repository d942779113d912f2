package retry

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

var (
	transientWords = []string{"socket", "connection", "timeout", "timed out", "network", "rate limit"}
	permanentWords = []string{"invalid", "already exists"}

	// whole three digit numbers only, so "15000" never reads as 500
	statusCodeRe = regexp.MustCompile(`\b[1-5][0-9]{2}\b`)
)

// IsRetryableError is the default heuristic for transient failures. It
// can be passed as Config.ShouldRetry or wrapped by a stricter predicate.
//
// Retryable: network timeouts, context.DeadlineExceeded, and messages that
// mention sockets, connections, timeouts, the network, rate limiting or the
// status codes 429, 500, 502, 503 and 504. Everything else is not, in
// particular validation messages and the remaining 4xx codes.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, w := range permanentWords {
		if strings.Contains(msg, w) {
			return false
		}
	}

	for _, code := range statusCodes(msg) {
		switch {
		case code == "429":
			return true
		case code == "500", code == "502", code == "503", code == "504":
			return true
		case code[0] == '4':
			return false
		}
	}

	for _, w := range transientWords {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// statusCodes returns the three digit numbers of msg that can be HTTP
// statuses. Ports ("127.0.0.1:443", "[::1]:443->") and IPv4 octets
// ("200.1.2.3") are skipped.
func statusCodes(msg string) []string {
	var out []string
	for _, loc := range statusCodeRe.FindAllStringIndex(msg, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && (msg[start-1] == ':' || msg[start-1] == '.') {
			continue
		}
		if end+1 < len(msg) && msg[end] == '.' && msg[end+1] >= '0' && msg[end+1] <= '9' {
			continue
		}
		out = append(out, msg[start:end])
	}
	return out
}
