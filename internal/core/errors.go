package core

import "errors"

var (
	// ErrNotFound is returned when a stored message does not exist
	ErrNotFound = errors.New("message not found")
	// ErrInvalidCredentials is returned for an unknown identity or wrong secret
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an identity is locked out
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrRejected is returned when a message is refused because of its verdict
	ErrRejected = errors.New("message rejected by threat policy")
)
