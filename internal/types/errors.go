package types

import "errors"

// Sentinel errors shared across ParqueDB packages. Callers classify with
// errors.Is; wire surfaces map them to Code values.
var (
	// ErrNotFound is returned when an entity, file, commit, or ref is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for duplicate unique keys, conflicting update
	// operators, and duplicate subscription registration.
	ErrConflict = errors.New("conflict")

	// ErrInvariant is returned when a validation invariant is violated
	// (exact match with non-1 similarity, rename path clash, ...).
	ErrInvariant = errors.New("invariant violated")

	// ErrCancelled is returned when an operation is cancelled by the caller.
	ErrCancelled = errors.New("cancelled")

	// ErrUnavailable is a transient storage or backend failure; retryable.
	ErrUnavailable = errors.New("unavailable")

	// ErrFatal indicates data corruption, such as a footer parse failure.
	ErrFatal = errors.New("fatal")
)

// Auth failure codes, consumed from the authenticator collaborator.
const (
	AuthMissingToken      = "missing_token"
	AuthInvalidToken      = "invalid_token"
	AuthExpiredToken      = "expired_token"
	AuthInsufficientScope = "insufficient_scope"
	AuthServerError       = "server_error"
)

// Code maps an error to its wire code, or "" for unclassified errors.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrInvariant):
		return "INVARIANT"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrUnavailable):
		return "UNAVAILABLE"
	case errors.Is(err, ErrFatal):
		return "FATAL"
	}
	return ""
}
