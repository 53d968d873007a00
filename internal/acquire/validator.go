package acquire

import (
	"fmt"

	"github.com/Frunin/diario-oficial/internal/gazette"
)

// ShapeChecker verifies that raw markup looks like the listing page.
type ShapeChecker interface {
	CheckShape(markup string) error
}

// Validator decides whether a transport success carries usable content.
type Validator struct {
	checker ShapeChecker
}

// NewValidator builds a Validator backed by checker.
func NewValidator(checker ShapeChecker) *Validator {
	return &Validator{checker: checker}
}

// Validate returns an ErrMalformed error when res cannot yield records.
func (v *Validator) Validate(res gazette.AcquisitionResult) error {
	switch res.Mode {
	case gazette.ModeStructured:
		if len(res.Records) == 0 {
			return fmt.Errorf("%w: structured result without records", gazette.ErrMalformed)
		}
		return nil
	case gazette.ModeRaw:
		if res.Content == "" {
			return fmt.Errorf("%w: empty content", gazette.ErrMalformed)
		}
		if v.checker == nil {
			return nil
		}
		return v.checker.CheckShape(res.Content)
	default:
		return fmt.Errorf("%w: unknown result mode %q", gazette.ErrMalformed, res.Mode)
	}
}
