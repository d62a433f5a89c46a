package utils

import (
	"errors"
)

var (
	ErrBadRequest = errors.New("Bad request")
	ErrNotFound   = errors.New("Not found")
	ErrParse      = errors.New("Parse error")
	ErrInvalid    = errors.New("Invalid configuration")
)

// An error carrying additional detail, such as the log output
// of a failed command or conversion.
type DetailedError interface {
	error
	Details() string
}

type detailedError struct {
	message string
	details string
	cause   error
}

func NewDetailedError(message, details string, cause error) error {
	return &detailedError{
		message: message,
		details: details,
		cause:   cause,
	}
}

func (e *detailedError) Error() string {
	return e.message
}

func (e *detailedError) Details() string {
	return e.details
}

func (e *detailedError) Unwrap() error {
	return e.cause
}

// Returns the details of the first DetailedError in the chain, if any.
func ErrorDetails(err error) string {
	var detailed DetailedError
	if errors.As(err, &detailed) {
		return detailed.Details()
	}
	return ""
}
