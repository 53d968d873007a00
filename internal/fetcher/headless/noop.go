package headless

import (
	"context"
	"errors"

	"github.com/Frunin/diario-oficial/internal/gazette"
)

// Noop stands in for Rendered when headless browsing is disabled. Every
// attempt fails as a network failure so the orchestrator moves on.
type Noop struct{}

// NewNoop creates a new Noop strategy.
func NewNoop() *Noop {
	return &Noop{}
}

// Name implements gazette.Strategy.
func (Noop) Name() string { return Name }

// Attempt always fails.
func (Noop) Attempt(_ context.Context, _ string) (gazette.AcquisitionResult, error) {
	return gazette.AcquisitionResult{}, gazette.NewFetchError(Name, gazette.ErrNetwork, 0,
		errors.New("headless browsing not configured"))
}
