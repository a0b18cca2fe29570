// Package schema validates the canonical event envelope used at ingress and
// revalidated before every outbound fan-out delivery.
package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxPayloadKeys is the maximum number of top-level keys allowed in the
	// payload object.
	MaxPayloadKeys = 100

	eventIDPattern   = `^[A-Za-z0-9_-]+$`
	eventTypePattern = `^[A-Za-z0-9_]+$`
)

var (
	eventIDRe   = regexp.MustCompile(eventIDPattern)
	eventTypeRe = regexp.MustCompile(eventTypePattern)
)

// Envelope is the fixed shape of an event as delivered to subscribers and
// validated at ingress.
type Envelope struct {
	EventID   string                 `json:"event_id" validate:"required,min=1,max=255"`
	EventType string                 `json:"event_type" validate:"required,min=1,max=255"`
	Timestamp string                 `json:"timestamp" validate:"required"`
	Payload   map[string]interface{} `json:"payload" validate:"required"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt string                 `json:"created_at" validate:"required"`
}

// FieldError reports one structural violation.
type FieldError struct {
	Field      string `json:"field"`
	Message    string `json:"message"`
	Constraint string `json:"constraint"`
}

// FieldErrors is a list of FieldError; it satisfies error.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "schema: no errors"
	}
	return fmt.Sprintf("schema: %s: %s", fe[0].Field, fe[0].Message)
}

// Validator validates Envelope values against the fixed event schema.
type Validator struct {
	v *validator.Validate
}

// New constructs a Validator.
func New() *Validator {
	return &Validator{v: validator.New()}
}

// Validate checks e against the fixed schema. It returns nil when e is
// valid, or a non-empty FieldErrors describing every violation found.
func (val *Validator) Validate(e *Envelope) error {
	var errs FieldErrors

	if structErr := val.v.Struct(e); structErr != nil {
		if ve, ok := structErr.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				errs = append(errs, FieldError{
					Field:      fe.Field(),
					Message:    fe.Error(),
					Constraint: fe.Tag(),
				})
			}
		} else {
			errs = append(errs, FieldError{Field: "envelope", Message: structErr.Error(), Constraint: "struct"})
		}
	}

	if e.EventID != "" && !eventIDRe.MatchString(e.EventID) {
		errs = append(errs, FieldError{Field: "event_id", Message: "must match " + eventIDPattern, Constraint: "pattern"})
	}
	if e.EventType != "" && !eventTypeRe.MatchString(e.EventType) {
		errs = append(errs, FieldError{Field: "event_type", Message: "must match " + eventTypePattern, Constraint: "pattern"})
	}

	if err := checkRoundTrip("timestamp", e.Timestamp); err != nil {
		errs = append(errs, *err)
	}
	if err := checkRoundTrip("created_at", e.CreatedAt); err != nil {
		errs = append(errs, *err)
	}

	if e.Payload != nil && len(e.Payload) > MaxPayloadKeys {
		errs = append(errs, FieldError{
			Field:      "payload",
			Message:    fmt.Sprintf("payload has %d keys, max is %d", len(e.Payload), MaxPayloadKeys),
			Constraint: "max_keys",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// checkRoundTrip verifies value parses as RFC 3339 (ISO-8601) and that
// re-serializing the parsed instant reproduces the same instant (not
// necessarily the same string — offsets may be normalized).
func checkRoundTrip(field, value string) *FieldError {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return &FieldError{Field: field, Message: "not a valid ISO-8601 timestamp", Constraint: "iso8601"}
	}
	reparsed, err := time.Parse(time.RFC3339, t.Format(time.RFC3339))
	if err != nil || !reparsed.Equal(t) {
		return &FieldError{Field: field, Message: "timestamp does not round-trip", Constraint: "iso8601_roundtrip"}
	}
	return nil
}
