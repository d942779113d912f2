// Package shared contains the error taxonomy used across the sync agent.
//
// # Error Kinds
//
// Sentinel errors describe failure conditions without exposing transport or
// storage details:
//
//   - ErrNotFound, ErrValidation, ErrConflict: the request itself is wrong
//   - ErrUnauthorized, ErrForbidden: credentials are missing or insufficient
//   - ErrRateLimited, ErrUnavailable, ErrTimeout: the dependency is busy or slow
//   - ErrDependencyFailure: the dependency failed in some other way
//   - ErrInternal: a bug on our side
//
// KindOf classifies any wrapped error into a Kind. When several sentinels are
// present (errors.Join) the order is:
//
//	Canceled > Timeout > RateLimited > Unavailable > NotFound > Validation >
//	Unauthorized > Forbidden > Conflict > DependencyFailure > Internal
//
// # Marking Third-Party Errors
//
// Adapters translate foreign errors with MarkKind so callers never depend on
// driver or HTTP details:
//
//	if errors.Is(err, pgx.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
//
// KindFromStatus does the same for HTTP status codes.
//
// # Retry Decisions
//
// IsTransient is true for Timeout, RateLimited, Unavailable and
// DependencyFailure. It is the first check in the HTTP client's retry
// predicate, before the message heuristic of pkg/retry.
//
// # Style
//
// Keep messages lowercase and without punctuation so they compose well with
// Wrap and Wrapf. Map kinds to status codes in the admin adapter, not here.
package shared
