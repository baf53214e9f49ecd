package server

import "github.com/biyahe/relay/errors"

// Sentinel errors matching the client-visible error taxonomy. Handlers return
// these (wrapped with context) and the router maps them onto the error event.
var (
	// ErrValidation indicates a malformed payload, missing field, or
	// out-of-range value
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates an event issued by a connection whose role
	// does not permit it
	ErrUnauthorized = errors.New("not permitted for role")

	// ErrRateLimited indicates the producer exceeded the update rate gate
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound indicates the referenced driver or account does not exist
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates the target exists but has no live transport
	ErrUnavailable = errors.New("unavailable")

	// ErrSessionUnknown indicates resumeSession named a key the server does
	// not hold
	ErrSessionUnknown = errors.New("unknown session")
)

// validationf builds an ErrValidation with a client-facing message.
func validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
