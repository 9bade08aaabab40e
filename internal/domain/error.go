package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyExists   = errors.New("entity already exists")

	// Failure taxonomy surfaced at operation boundaries.
	ErrAuthFailure    = errors.New("identity operation rejected")
	ErrStorageFailure = errors.New("conversation store operation failed")
	ErrAPIFailure     = errors.New("model endpoint call failed")
	ErrConfiguration  = errors.New("missing or invalid configuration")

	// ErrSignedOut is returned when an operation requires a signed-in user.
	ErrSignedOut = errors.New("no signed-in user")

	// ErrBusy is returned while a previous submission is still in flight.
	ErrBusy = errors.New("a request is already in flight")
)
