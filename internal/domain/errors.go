package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound       = errors.New("domain: not found")
	ErrInvalidCommand = errors.New("domain: invalid command")
	ErrUnauthorized   = errors.New("domain: unauthorized")
)
