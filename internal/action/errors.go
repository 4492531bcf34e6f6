package action

import "errors"

var (
	// ErrUnknownAction indicates the action tag has no registered handler.
	// Decoded envelopes can still carry tags that are valid on the wire but
	// are only ever produced by the server, never accepted from clients.
	ErrUnknownAction = errors.New("no handler for action")

	// ErrActorMismatch indicates the action exists but is reserved for the
	// other client role.
	ErrActorMismatch = errors.New("action not allowed for this client role")

	// ErrInvalidPayload indicates the action data is missing a required
	// field or carries a wrong type.
	ErrInvalidPayload = errors.New("invalid action payload")
)
