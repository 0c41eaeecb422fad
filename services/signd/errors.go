package signd

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers unresolvable job ids and stored credentials.
	ErrNotFound = errors.New("not found")

	// ErrInvalidToken covers missing, expired, or tampered password tokens
	// and malformed stored-credential secrets.
	ErrInvalidToken = errors.New("invalid token")
)

// MissingParameterError reports a required upload field that was absent.
type MissingParameterError struct {
	Field string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing parameter (%s)", e.Field)
}

// SigningError is returned when the external signing tool exits with a
// failure. The tool's output is not classified further; a wrong password and
// any other tool fault look the same to callers.
type SigningError struct {
	Diagnostic string
	Err        error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing failed: %v", e.Err)
	}
	return "signing failed"
}

func (e *SigningError) Unwrap() error { return e.Err }

// StorageError wraps filesystem or persistence failures so the request
// boundary can distinguish them from user faults.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
