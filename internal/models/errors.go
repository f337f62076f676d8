package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrNonMonotonicReading = errors.New("reading breaks meter monotonicity")
	ErrInsufficientData    = errors.New("insufficient data")
)

// ValidationError reports malformed input. It is returned synchronously and
// reported per item.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// TransientStoreFailure wraps a storage error that is expected to clear on retry.
type TransientStoreFailure struct {
	Op  string
	Err error
}

func (e *TransientStoreFailure) Error() string {
	return fmt.Sprintf("%s: transient store failure: %v", e.Op, e.Err)
}

func (e *TransientStoreFailure) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err (or anything it wraps) is a TransientStoreFailure.
func IsTransient(err error) bool {
	var tsf *TransientStoreFailure
	return errors.As(err, &tsf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
