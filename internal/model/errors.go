package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DuplicateContentError is returned when a document with identical bytes
// already exists. ExistingID identifies the earlier document so callers can
// answer idempotently instead of failing.
type DuplicateContentError struct {
	ExistingID string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content: document %s has identical bytes", e.ExistingID)
}

// IsDuplicateContent unwraps err looking for a DuplicateContentError and
// returns it when found.
func IsDuplicateContent(err error) (*DuplicateContentError, bool) {
	var dup *DuplicateContentError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

// ValidationError rejects malformed input before any work happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ProviderError wraps a failure from an external model provider so callers
// can distinguish upstream trouble from their own bugs.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
