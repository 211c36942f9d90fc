package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrNoValidRecipients  = errors.New("no valid recipients")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrUnknownCorrelation = errors.New("unknown correlation")
	ErrStaleTransition    = errors.New("stale transition")
	ErrTransitionConflict = errors.New("transition conflict")
	ErrUnknownProvider    = errors.New("unknown provider")

	// ErrDuplicateIdempotencyKey is returned by stores when another communication
	// already holds the idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// ValidationError is surfaced synchronously to the caller and never enqueued.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// Unwrap exposes both ErrValidation and the specific cause to errors.Is.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NoValidRecipients builds the validation error returned when normalization leaves nothing.
func NoValidRecipients(channel CommunicationType) *ValidationError {
	return &ValidationError{
		Field:   "to",
		Message: fmt.Sprintf("no valid %s recipients", channel),
		Err:     ErrNoValidRecipients,
	}
}

// ConflictError reports that a conditional update found an unexpected status.
type ConflictError struct {
	ID      string
	Current Status
	To      Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("communication %s: cannot move from %s to %s", e.ID, e.Current, e.To)
}

func (e *ConflictError) Unwrap() error { return ErrTransitionConflict }

// StaleEventError reports a delivery event that would regress or skip states.
type StaleEventError struct {
	ID      string
	Current Status
	Event   EventType
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("communication %s: %s event not applicable in status %s", e.ID, e.Event, e.Current)
}

func (e *StaleEventError) Unwrap() error { return ErrStaleTransition }
