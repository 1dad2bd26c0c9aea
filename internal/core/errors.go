package core

import (
	"errors"
	"fmt"
)

// Error kinds for the governance core. Handlers map these to HTTP status
// codes; everything else is treated as internal and fails closed.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state transition")
	ErrChainConflict = errors.New("chain conflict")
	ErrConfiguration = errors.New("configuration error")
	ErrInternal      = errors.New("internal error")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// InvalidStatef wraps ErrInvalidState with a formatted message.
func InvalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidState}, args...)...)
}

// IsValidation reports whether err is a caller error rather than an
// internal failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
