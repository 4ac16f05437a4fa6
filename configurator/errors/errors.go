// errors contains the error kinds a configuration run can produce.
// It is used by the configurator and the operator client to tell apart
// errors that block a whole run from errors that only affect a single
// connection.
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a configuration error.
type Kind string

// The available error kinds.
const (
	// InvalidArgument is a malformed or missing parameter. It is detected
	// before any connection is attempted and blocks the entire run.
	InvalidArgument Kind = "InvalidArgument"

	// ConnectionError means an operator could not be reached, timed out or
	// rejected a command.
	ConnectionError Kind = "ConnectionError"

	// TargetNotFound means the requested database or table does not exist
	// on an operator.
	TargetNotFound Kind = "TargetNotFound"
)

// ConfigError is the interface that encapsulates the behaviour of every
// error returned by a configuration run.
type ConfigError interface {
	Kind() Kind
	Err() error
	Error() string
}

// configError implements the ConfigError interface.
// It encapsulates an error and gives it more context by describing the
// phase in which it occured.
type configError struct {
	kind  Kind
	phase string
	err   error
}

// Error returns a string created from the configError's attributes.
func (e configError) Error() string {
	return fmt.Sprintf("%s while %s: %s", e.kind, e.phase, e.err)
}

// Kind exposes the kind of the current configError.
func (e configError) Kind() Kind {
	return e.kind
}

// Err returns the raw error wrapped by the current configError.
func (e configError) Err() error {
	return e.err
}

// Unwrap allows errors.Is and errors.As to reach the wrapped error.
func (e configError) Unwrap() error {
	return e.err
}

// E creates and returns a new configError of the given kind and phase.
func E(kind Kind, phase string, err error) configError {
	return configError{kind: kind, phase: phase, err: err}
}

// Errorf is a convenience function that creates a new configError
// formatting the given arguments into its wrapped error.
func Errorf(kind Kind, phase string, pattern string, args ...interface{}) configError {
	return E(kind, phase, pkgerrors.Errorf(pattern, args...))
}

// KindOf returns the kind of the first ConfigError found in err's chain.
// Errors that carry no kind are reported as ConnectionError, since anything
// unexpected happening against an operator is a per-connection failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce ConfigError
	if stderrors.As(err, &ce) {
		return ce.Kind()
	}
	return ConnectionError
}

// Is reports whether err is a ConfigError of kind k.
func Is(err error, k Kind) bool {
	var ce ConfigError
	return stderrors.As(err, &ce) && ce.Kind() == k
}
