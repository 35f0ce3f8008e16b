package api

import "errors"

// Structural errors. They are returned synchronously, never mutate state and
// are never retried.
var (
	ErrInvalidSignal    = errors.New("invalid signal")
	ErrAlreadyCompleted = errors.New("instance already completed")
	ErrAlreadyRunning   = errors.New("instance already running")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrQuarantined      = errors.New("instance quarantined")
	ErrInvalidRequest   = errors.New("invalid request")
)

var (
	ErrEngineClosed     = errors.New("engine closed")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrNoApprover       = errors.New("no approver for level")
	ErrReplayDivergence = errors.New("replay diverged from snapshot")
	ErrUnknownActivity  = errors.New("unknown activity")
)

// IsStructural reports whether err is one of the synchronous API errors.
func IsStructural(err error) bool {
	for _, target := range []error{
		ErrInvalidSignal,
		ErrAlreadyCompleted,
		ErrAlreadyRunning,
		ErrInstanceNotFound,
		ErrQuarantined,
		ErrInvalidRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
