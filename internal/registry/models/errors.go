package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("proxy not found")
	ErrNoAvailableProxy = errors.New("no available proxy matches the requested criteria")
	ErrConflict         = errors.New("conflicting proxy assignment")
	ErrDuplicateProxy   = errors.New("proxy already registered")
)

// ValidationError reports a rejected input field. The record is left
// untouched when one of these is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ProbeError signals that a health check ran and failed. The failure has
// already been recorded on the proxy by the time this is returned, so the
// caller still receives the updated record alongside it.
type ProbeError struct {
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe failed: %v", e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}
