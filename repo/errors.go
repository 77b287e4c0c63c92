package repo

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist. Callers distinguish it
// from transient store failures with errors.Is.
var ErrNotFound = errors.New("record not found")

// ValidationError reports an invalid write before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
