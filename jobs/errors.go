package jobs

import (
	"errors"
	"fmt"
)

// ValidationError rejects a job request before any record is created.
type ValidationError struct {
	// Unsupported is true when the Content-Type is absent or unrecognized.
	Unsupported bool
	Msg         string
	Err         error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an unknown job, or a job owned by someone else.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "unknown job " + e.ID
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
