package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// FailureClass separates failures caused by the input from failures of the
// backend serving it.
type FailureClass int

// Failure classes.
const (
	ClassInput FailureClass = iota + 1
	ClassBackend
)

func (c FailureClass) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// ProviderError is returned by providers and scrapers to classify a failure.
type ProviderError struct {
	Provider string
	Class    FailureClass
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failure: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// InputFailure marks err as specific to the input (bad URL, unsupported page,
// corrupt image). Retrying or falling back will not help.
func InputFailure(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Class: ClassInput, Err: err}
}

// BackendFailure marks err as a failure of the backend or transport.
func BackendFailure(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Class: ClassBackend, Err: err}
}

// IsBackendFailure reports whether err carries a backend classification.
func IsBackendFailure(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Class == ClassBackend
}

// IsInputFailure reports whether err carries an input classification.
func IsInputFailure(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Class == ClassInput
}

// TransientError marks a failure that may succeed on a later attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
