package types

import "errors"

// Error taxonomy shared by the engine, the registry and the service layer.
// Callers classify with errors.Is; every error is local to one session.
var (
	// ErrValidation is malformed caller input, rejected before the engine runs
	ErrValidation = errors.New("validation error")

	// ErrProvider means a text-generation call exhausted its retries.
	// Session state is untouched and the answer may be resubmitted.
	ErrProvider = errors.New("provider error")

	// ErrTimeout means a provider call hit its deadline. Always reported
	// alongside ErrProvider.
	ErrTimeout = errors.New("provider timeout")

	// ErrParse means model output was not structurally valid during generation.
	// No instances are persisted; generation may be retried.
	ErrParse = errors.New("parse error")

	// ErrQuotaExceeded means the user has no capacity left for generation
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRateLimited means generation was attempted too frequently
	ErrRateLimited = errors.New("rate limited")

	// ErrSessionNotFound means the session expired or was evicted.
	// The caller must restart the interview.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotFound means a stored record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means an event is not accepted in the current state
	ErrInvalidTransition = errors.New("invalid state transition")
)

// IsQuotaError reports whether err came from the quota gate
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrRateLimited)
}
