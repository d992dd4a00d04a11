package call

import "errors"

// Sentinel errors for call manager operations. Precondition failures
// return these so callers can classify with errors.Is().
var (
	// ErrNotInitialized indicates the manager has not been initialized.
	ErrNotInitialized = errors.New("call manager not initialized")

	// ErrNoCurrentUser indicates no local user identity has been set.
	ErrNoCurrentUser = errors.New("current user not set")

	// ErrFeatureDisabled indicates the call type is disabled by configuration.
	ErrFeatureDisabled = errors.New("call type disabled by configuration")

	// ErrCallActive indicates another call is already in progress.
	ErrCallActive = errors.New("another call is already active")

	// ErrCallNotFound indicates no session exists for the call id.
	ErrCallNotFound = errors.New("call session not found")

	// ErrInvalidState indicates the session is not in a state that
	// permits the requested transition.
	ErrInvalidState = errors.New("invalid call state for operation")

	// ErrNotIncoming indicates accept/reject was invoked on an outgoing call.
	ErrNotIncoming = errors.New("call is not incoming")

	// ErrNotConference indicates a conference operation on a 1:1 call.
	ErrNotConference = errors.New("call is not a conference")

	// ErrConferenceFull indicates the participant limit was reached.
	ErrConferenceFull = errors.New("conference participant limit reached")
)
