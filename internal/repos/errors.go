package repos

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Error kinds surfaced by the persistence gateway. StateConflict means a
// CAS lost its race; BackendUnavailable marks transient storage failures
// that callers retry with backoff.
var (
	ErrQueueFull          = errors.New("queue full")
	ErrNotFound           = errors.New("not found")
	ErrStateConflict      = errors.New("state conflict")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// backendErr wraps unclassified storage errors as BackendUnavailable so the
// engine loops know they may retry.
func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrBackendUnavailable, err)
}
