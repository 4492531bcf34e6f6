package bus

import "errors"

// Domain-specific errors for bus operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDecode is returned when a wire payload cannot be parsed into an Envelope.
	ErrDecode = errors.New("bus: malformed envelope")

	// ErrUnknownAction is returned when an envelope carries an action tag
	// outside the closed set.
	ErrUnknownAction = errors.New("bus: unknown action")

	// ErrPublishFailed is returned when handing an envelope to the transport fails.
	ErrPublishFailed = errors.New("bus: publish failed")

	// ErrSubscribeFailed is returned when a channel subscription cannot be opened.
	ErrSubscribeFailed = errors.New("bus: subscribe failed")
)
