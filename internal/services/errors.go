package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed requests rejected before any store mutation.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks references to absent work items, batches, or failure records.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks mutations that violate a state-machine guard.
	ErrConflict = errors.New("conflict")
	// ErrStorage marks durable-store failures; callers may retry.
	ErrStorage = errors.New("storage error")
	// ErrPayload marks stored payloads that cannot be parsed; terminal.
	ErrPayload = errors.New("payload error")
	// ErrSafety marks operations targeting protected source assets; fatal.
	ErrSafety = errors.New("safety violation")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrStorage
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the caller may safely retry the failed operation.
// Only storage errors are retryable; everything else needs a corrected request
// or operator intervention.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// Kind returns the short classification string for an error, used in logs and
// API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPayload):
		return "payload"
	case errors.Is(err, ErrSafety):
		return "safety"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
