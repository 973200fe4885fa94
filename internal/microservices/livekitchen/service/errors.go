package service

import "errors"

// Event-scoped failures. None of them close the connection.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrPersistence       = errors.New("persistence failed")
	ErrNotUpdated        = errors.New("order not updated")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTimeout           = errors.New("collaborator call timed out")
)
