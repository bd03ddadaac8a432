package progress

import (
	"errors"
	"fmt"
	"strings"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors for event validation.
var (
	// ErrInvalidEvent is the root of every validation failure. A *ValidationError
	// unwraps to it, so errors.Is(err, ErrInvalidEvent) identifies rejected input.
	ErrInvalidEvent = fmt.Errorf("invalid event: %w", eventerrors.ErrInvalidArgument)

	// ErrUnknownEventType is returned when eventType is not one of EventTypes().
	ErrUnknownEventType = fmt.Errorf("unknown event type: %w", ErrInvalidEvent)
)

// FieldError describes a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries field-level detail for a rejected event.
type ValidationError struct {
	Fields []FieldError
	cause  error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrInvalidEvent and eventerrors.ErrInvalidArgument.
func (e *ValidationError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrInvalidEvent
}

// FieldErrors extracts field-level detail from err. It returns nil when err
// is not a validation error.
func FieldErrors(err error) []FieldError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// IsInvalid reports whether err means the event was rejected before queueing.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}

// violations accumulates field errors while a payload is checked.
type violations []FieldError

func (v *violations) add(field, format string, args ...any) {
	*v = append(*v, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: v}
}

func invalidField(field, format string, args ...any) error {
	var v violations
	v.add(field, format, args...)
	return v.err()
}
