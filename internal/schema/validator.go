package schema

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)


// Validator checks detection events against the schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
	now       func() time.Time
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()
	v.RegisterValidation("label_format", func(fl validator.FieldLevel) bool {
		return ValidateLabel(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
		now:       time.Now,
	}
}

// Check validates the structure of an event without timestamp bounds.
// Stored events of any age pass as long as their fields are well formed.
func (v *Validator) Check(event *DetectionEvent) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedEvent)
	}
	return nil
}

// Validate validates a freshly ingested event, including timestamp bounds.
func (v *Validator) Validate(event *DetectionEvent) error {
	if err := v.Check(event); err != nil {
		return err
	}

	now := v.now().UTC()
	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("%w: timestamp too old: %v (max age: %v)", ErrMalformedEvent, event.Timestamp, v.maxAge)
	}
	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("%w: timestamp in future: %v (max future: %v)", ErrMalformedEvent, event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateLabel reports whether label is usable as an attack label. Labels
// come from the classifier and are opaque: any non-blank text without
// control characters is accepted.
func ValidateLabel(label string) bool {
	if strings.TrimSpace(label) == "" {
		return false
	}
	return strings.IndexFunc(label, unicode.IsControl) < 0
}
