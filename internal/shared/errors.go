package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors shared by adapters, stores and the sync engine.
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates that input validation failed
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates missing or expired credentials
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates that the caller may not access the resource
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates that the request conflicts with current state
	ErrConflict = errors.New("conflict")

	// ErrRateLimited indicates that the remote side asked us to slow down
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable indicates a dependency that is temporarily down or busy
	ErrUnavailable = errors.New("unavailable")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrDependencyFailure indicates that an external dependency failed
	ErrDependencyFailure = errors.New("dependency failure")

	// ErrInternal indicates a bug or an unexpected state
	ErrInternal = errors.New("internal error")
)

// Kind is a coarse error category used for retry and status code decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindUnauthorized
	KindForbidden
	KindConflict
	KindRateLimited
	KindUnavailable
	KindTimeout
	KindCanceled
	KindDependencyFailure
	KindInternal
)

var kindNames = map[Kind]string{
	KindNotFound:          "NotFound",
	KindValidation:        "Validation",
	KindUnauthorized:      "Unauthorized",
	KindForbidden:         "Forbidden",
	KindConflict:          "Conflict",
	KindRateLimited:       "RateLimited",
	KindUnavailable:       "Unavailable",
	KindTimeout:           "Timeout",
	KindCanceled:          "Canceled",
	KindDependencyFailure: "DependencyFailure",
	KindInternal:          "Internal",
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// kindOrder is the deterministic classification order used by KindOf.
// Cancellation wins over everything, then timeouts, then the specific kinds.
var kindOrder = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindRateLimited, ErrRateLimited},
	{KindUnavailable, ErrUnavailable},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindUnauthorized, ErrUnauthorized},
	{KindForbidden, ErrForbidden},
	{KindConflict, ErrConflict},
	{KindDependencyFailure, ErrDependencyFailure},
	{KindInternal, ErrInternal},
}

// KindOf classifies err by walking its chain. For errors.Join values the
// first kind in classification order wins. Unrecognized errors are KindUnknown.
//
//	switch shared.KindOf(err) {
//	case shared.KindNotFound:
//	    return http.StatusNotFound
//	case shared.KindRateLimited:
//	    return http.StatusTooManyRequests
//	default:
//	    return http.StatusInternalServerError
//	}
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kindOrder {
		switch k.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if errors.Is(err, k.err) {
				return k.kind
			}
		}
	}
	return KindUnknown
}

// HasKind reports whether KindOf(err) == kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for kind, or nil for KindUnknown and KindCanceled.
func SentinelOf(kind Kind) error {
	for _, k := range kindOrder {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}

// MarkKind wraps err with the sentinel of kind so that both KindOf and
// errors.Is against the original error keep working. Marking an error with
// the kind it already has returns it unchanged. A nil err yields the sentinel.
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
func MarkKind(err error, kind Kind) error {
	sentinel := SentinelOf(kind)
	if err == nil {
		return sentinel
	}
	if sentinel == nil || KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// KindFromStatus maps an HTTP response status to a Kind.
// 2xx and 3xx map to KindUnknown.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return KindUnavailable
	case status >= 500:
		return KindDependencyFailure
	case status >= 400:
		return KindValidation
	}
	return KindUnknown
}

// Wrap returns "context: err", or err itself when context is empty.
// A nil err stays nil.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether err is or wraps context.Canceled.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports context deadlines, ErrTimeout and net.Error timeouts.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransientKind reports whether failures of kind k may go away on their
// own: timeouts, rate limiting, unavailability and dependency failures.
func IsTransientKind(k Kind) bool {
	switch k {
	case KindTimeout, KindRateLimited, KindUnavailable, KindDependencyFailure:
		return true
	}
	return false
}

// IsTransient is IsTransientKind(KindOf(err)).
func IsTransient(err error) bool { return IsTransientKind(KindOf(err)) }

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
func IsForbidden(err error) bool    { return errors.Is(err, ErrForbidden) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsRateLimited(err error) bool  { return errors.Is(err, ErrRateLimited) }
func IsUnavailable(err error) bool  { return errors.Is(err, ErrUnavailable) }
func IsInternal(err error) bool     { return errors.Is(err, ErrInternal) }

// IsDependencyFailure reports whether an external dependency failed.
func IsDependencyFailure(err error) bool { return errors.Is(err, ErrDependencyFailure) }
