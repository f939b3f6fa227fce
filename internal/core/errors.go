package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a config or record does not exist.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a missing endpoint configuration.
type NotFoundError struct {
	Key EndpointKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("api configuration not found: %s", e.Key)
}

// Is lets errors.Is match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError lists config invariant violations. It rejects the write.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid endpoint configuration"
	}
	return "invalid endpoint configuration: " + strings.Join(e.Problems, "; ")
}

// UpstreamError describes a failed upstream call. Status is 0 when no response
// was received.
type UpstreamError struct {
	Status   int
	Message  string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
	}
	return "upstream call failed: " + e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusOr returns the upstream status, or fallback when there was none.
func (e *UpstreamError) StatusOr(fallback int) int {
	if e == nil || e.Status <= 0 {
		return fallback
	}
	return e.Status
}
