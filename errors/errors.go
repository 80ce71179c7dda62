// Package errors provides standardized error handling for DeviceBridge
// components. It classifies failures into the protocol/transport/validation
// taxonomy the recovery policy is built around, and provides helper
// functions for consistent error wrapping across the system.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorProtocol represents malformed or unparseable frames; the frame
	// is dropped and the connection stays open
	ErrorProtocol ErrorClass = iota
	// ErrorTransport represents connection-level failures that trigger the
	// disconnect notification and reconnection policy
	ErrorTransport
	// ErrorValidation represents decoded messages that fail a
	// required-field schema check; handled like protocol errors
	ErrorValidation
	// ErrorFatal represents unrecoverable failures (bad configuration,
	// lifecycle misuse) that should stop the component
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorProtocol:
		return "protocol"
	case ErrorTransport:
		return "transport"
	case ErrorValidation:
		return "validation"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Frame decoding errors
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrBadLength       = errors.New("malformed length prefix")
	ErrTruncatedBody   = errors.New("truncated frame body")
	ErrUnknownKind     = errors.New("unknown message kind")
	ErrInvalidJSON     = errors.New("invalid JSON envelope")
	ErrSchemaViolation = errors.New("message failed schema validation")

	// Connection errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrReconnectExhausted = errors.New("maximum reconnect attempts exceeded")

	// Session errors
	ErrSessionNotFound = errors.New("session not found or expired")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsProtocol checks if an error is a frame-level protocol error
func IsProtocol(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorProtocol
	}

	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrBadLength) ||
		errors.Is(err, ErrTruncatedBody) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrInvalidJSON)
}

// IsTransport checks if an error is a connection-level failure
func IsTransport(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransport
	}

	return errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrReconnectExhausted)
}

// IsValidation checks if an error is a schema validation failure
func IsValidation(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorValidation
	}

	return errors.Is(err, ErrSchemaViolation)
}

// IsFatal checks if an error is fatal and should stop the component
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrAlreadyStarted)
}

// Classify returns the error class for an error.
// Protocol and validation failures are recoverable by dropping the frame;
// unknown errors default to transport so the reconnect policy applies.
func Classify(err error) ErrorClass {
	switch {
	case IsProtocol(err):
		return ErrorProtocol
	case IsValidation(err):
		return ErrorValidation
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransport
	}
}

// newClassified creates a new classified error.
// This is an internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapProtocol wraps an error as a protocol error with context
func WrapProtocol(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorProtocol, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransport wraps an error as a transport error with context
func WrapTransport(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransport, wrappedErr, component, method, wrappedErr.Error())
}

// WrapValidation wraps an error as a validation error with context
func WrapValidation(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorValidation, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}
