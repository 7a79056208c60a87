// Package errors provides the standardized error handling patterns used
// across the daemon: sentinel variables for the common failure domains, a
// transient/invalid/fatal classification, and helpers for consistent
// wrapping. Errors cross component boundaries as values and are converted to
// event-bus diagnostics or response values at the boundary; only startup
// configuration failures terminate the process.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration.
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop the
	// affected component.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for the daemon's failure domains.
var (
	// Configuration errors (fatal at startup; the process exits).
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingConfig   = errors.New("missing required configuration")
	ErrDuplicateDevice = errors.New("duplicate device name")

	// Device and actuation errors.
	ErrUnknownDeviceType = errors.New("unknown device type")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrUnknownActuator   = errors.New("unknown actuator")
	ErrDriverFaulted     = errors.New("driver is faulted")
	ErrRegistrySealed    = errors.New("device registry is sealed")

	// Store errors.
	ErrUndeclaredSensor = errors.New("sensor not declared by peer identity")
	ErrUnknownPeer      = errors.New("peer identity not yet known")
	ErrStaleReading     = errors.New("reading older than highest observed sequence")

	// Network errors (transient: logged and retried; drops are normal).
	ErrConnectionLost     = errors.New("connection lost")
	ErrDialFailed         = errors.New("dial failed")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrMalformedFrame     = errors.New("malformed inbound frame")
	ErrSwarmUnrecoverable = errors.New("unrecoverable swarm error")

	// Web gateway errors.
	ErrPortBind = errors.New("web port bind failed")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrDialFailed) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal checks if an error is fatal for the component that raised it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDuplicateDevice) ||
		errors.Is(err, ErrSwarmUnrecoverable)
}

// IsInvalid checks if an error is due to invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnknownActuator) ||
		errors.Is(err, ErrUnknownDevice)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so callers lean toward retrying rather than giving up.
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap creates a standardized error with context following the pattern
// "Component.Method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ErrorFatal, err, component, method, action)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
