package syncerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable means the message store or channel directory could not be reached. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTransportDisconnected means the live feed is down while the store may still be reachable.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrInvalidChannel means no usable channel exists for the session.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrValidationFailed is returned before any I/O for input that can never be stored.
	ErrValidationFailed = errors.New("validation failed")
	// ErrTimeout is returned when a store call exceeds its configured deadline.
	ErrTimeout = errors.New("operation timed out")
)

// Store wraps a backend error with the store taxonomy.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrInvalidChannel) || errors.Is(err, ErrValidationFailed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// Transport wraps a relay error as a disconnected transport.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransportDisconnected) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransportDisconnected, err)
}

// Validation builds a validation error with a reason.
func Validation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, reason)
}
