package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/stavekit/partflow/internal/providers"
)

// FieldError names one invalid configuration field. Validation returns all
// violations, not just the first.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// ErrConfigInvalid is the sentinel matched by errors.Is for any
// configuration validation failure.
var ErrConfigInvalid = errors.New("invalid configuration")

// FieldErrors extracts the individual field violations from a Load error.
func FieldErrors(err error) []*FieldError {
	var joined *validationError
	if errors.As(err, &joined) {
		return joined.fields
	}
	return nil
}

type validationError struct {
	fields []*FieldError
}

func (e *validationError) Error() string {
	msg := "invalid configuration:"
	for _, f := range e.fields {
		msg += fmt.Sprintf(" [%s: %s]", f.Field, f.Reason)
	}
	return msg
}

func (e *validationError) Unwrap() error { return ErrConfigInvalid }

func joinFieldErrors(fields []*FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &validationError{fields: fields}
}

var semverShape = regexp.MustCompile(`^v?\d+\.\d+\.\d+$`)

// validate runs the enumerated checks from the configuration contract.
func (c *Runtime) validate() []*FieldError {
	var errs []*FieldError

	meta, ok := providers.GetMeta(c.Provider)
	if !ok {
		errs = append(errs, &FieldError{Field: KeyProvider, Reason: fmt.Sprintf("unknown provider %q", c.Provider)})
	} else {
		if meta.RequiresKey && c.APIKey == "" {
			errs = append(errs, &FieldError{Field: APIKeySetting(c.Provider), Reason: "API key required for provider " + c.Provider})
		}
		if c.Provider == "custom" && c.Endpoint == "" {
			errs = append(errs, &FieldError{Field: KeyCustomBaseURL, Reason: "custom provider requires an endpoint"})
		}
	}

	if c.VisionModel == "" {
		errs = append(errs, &FieldError{Field: KeyVisionModel, Reason: "vision model is required"})
	}
	if c.VerificationModel == "" {
		errs = append(errs, &FieldError{Field: KeyVerificationModel, Reason: "verification model is required"})
	}

	for _, t := range []struct {
		field string
		value int
	}{
		{KeySkipParseThreshold, c.SkipParseThreshold},
		{KeyAutoApproveThreshold, c.AutoApproveThreshold},
		{KeyAutonomousThreshold, c.AutonomousApprovalThreshold},
	} {
		if t.value < 0 || t.value > 100 {
			errs = append(errs, &FieldError{Field: t.field, Reason: fmt.Sprintf("must be in [0,100], got %d", t.value)})
		}
	}
	if c.SkipParseThreshold > c.AutoApproveThreshold {
		errs = append(errs, &FieldError{
			Field:  KeySkipParseThreshold,
			Reason: fmt.Sprintf("must not exceed %s (%d > %d)", KeyAutoApproveThreshold, c.SkipParseThreshold, c.AutoApproveThreshold),
		})
	}
	if c.AutoApproveThreshold > c.AutonomousApprovalThreshold {
		errs = append(errs, &FieldError{
			Field:  KeyAutoApproveThreshold,
			Reason: fmt.Sprintf("must not exceed %s (%d > %d)", KeyAutonomousThreshold, c.AutoApproveThreshold, c.AutonomousApprovalThreshold),
		})
	}

	if !semverShape.MatchString(c.PromptVersion) {
		errs = append(errs, &FieldError{Field: KeyPromptVersion, Reason: fmt.Sprintf("must be semver-shaped, got %q", c.PromptVersion)})
	}

	return errs
}
