package relay_errors

import (
	"errors"
)

// Common errors
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSessionExpired     = errors.New("session expired")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidMode        = errors.New("invalid subscription mode")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrNotConnected       = errors.New("feed not connected")
	ErrAuthFailed         = errors.New("feed authentication failed")
	ErrAPIKeyNotFound     = errors.New("api key not found")
	ErrBrokerNotFound     = errors.New("broker not found")
)

// PublicError pairs an error with the message shown to API clients.
type PublicError struct {
	Message string
	Err     error
}

func (e *PublicError) Error() string { return e.Message }

func (e *PublicError) Unwrap() error { return e.Err }

// WithMessage wraps err so it renders as message.
func WithMessage(err error, message string) error {
	return &PublicError{Message: message, Err: err}
}
