package store

import "errors"

// Sentinel errors for lookups. Callers use errors.Is to distinguish a missing
// row from an infrastructure failure.
var (
	// ErrUserNotFound indicates no user matched the query.
	ErrUserNotFound = errors.New("user not found")

	// ErrNodeNotFound indicates no node matched the query.
	ErrNodeNotFound = errors.New("node not found")

	// ErrLampNotFound indicates no lamp matched the query.
	ErrLampNotFound = errors.New("lamp not found")

	// ErrSensorNotFound indicates no sensor matched the query.
	ErrSensorNotFound = errors.New("sensor not found")

	// ErrTokenNotFound indicates the presented token matched no entity.
	ErrTokenNotFound = errors.New("token not found")
)
