package registry

import (
	"errors"
	"fmt"
)

// Registry error taxonomy. The HTTP layer maps these to status codes;
// upstream failures never reach it, they collapse to ErrNotFound so a
// proxy miss is indistinguishable from a true absence.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
	ErrStorage   = errors.New("storage failure")
)

// ValidationError reports a malformed request: bad archive, checksum
// mismatch, missing fields, reserved username.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
