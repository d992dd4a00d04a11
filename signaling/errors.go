package signaling

import "errors"

// Sentinel errors for signaling contract validation.
// These enable reliable classification with errors.Is().
var (
	// ErrUnknownKind indicates a message kind outside the contract.
	ErrUnknownKind = errors.New("unknown signaling message kind")

	// ErrMissingCallID indicates a message without a call identifier.
	ErrMissingCallID = errors.New("signaling message missing call id")

	// ErrEmptyPayload indicates a payload was expected but absent.
	ErrEmptyPayload = errors.New("signaling message payload is empty")
)
