package eligibility

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTrialID  = errors.New("invalid trial id")
	ErrTrialNotFound   = errors.New("trial not found")
	ErrMissingCriteria = errors.New("missing eligibility criteria")
	ErrInvalidCriteria = errors.New("invalid eligibility criteria")
)

// ValidationError marks a request problem the caller must fix; the pipeline
// never starts for these.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func invalid(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}
