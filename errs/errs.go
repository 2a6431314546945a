// Package errs holds the error taxonomy shared by the ingestion and query
// paths. Handlers map these onto HTTP status codes:
//
//	*ValidationError -> 400
//	ErrMissingAPIKey, ErrInvalidAPIKey -> 401
//	*StorageError -> 500 (503 on the health probe)
//
// A duplicate message id is not an error; it is reported as an outcome by
// the storage layer.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// ValidationError reports client input that failed shape or range checks.
// Field is the JSON path of the offending value, e.g. "metrics[2].metric_value".
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for &ValidationError{Field: field, Reason: reason}.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError wraps a failure of the storage engine: unreachable, corrupt,
// locked past its busy timeout, or cancelled by the request deadline.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a *StorageError. A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is or wraps a *StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsAuth reports whether err is one of the API key errors.
func IsAuth(err error) bool {
	return errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrInvalidAPIKey)
}
