// Package acquire obtains the listing page by trying strategies in priority order.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/cache"
	"github.com/Frunin/diario-oficial/internal/clock/system"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
	"github.com/Frunin/diario-oficial/internal/metrics"
)

// GenerativeName labels results produced by the fallback.
const GenerativeName = "generative"

// ErrFallbackUnavailable is reported when no fallback is configured.
var ErrFallbackUnavailable = errors.New("generative fallback not configured")

// Fallback approximates the latest edition when every strategy failed.
type Fallback interface {
	Locate(ctx context.Context) ([]gazette.Record, error)
}

// Orchestrator runs one pass over the strategy chain per call.
type Orchestrator struct {
	strategies []gazette.Strategy
	cache      *cache.Cache
	validator  *Validator
	fallback   Fallback
	clock      gazette.Clock
	logger     *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCache memoizes successful acquisitions.
func WithCache(c *cache.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithFallback sets the last-resort generative fallback.
func WithFallback(f Fallback) Option { return func(o *Orchestrator) { o.fallback = f } }

// WithClock overrides the clock.
func WithClock(c gazette.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New builds an Orchestrator trying strategies in the given order.
func New(strategies []gazette.Strategy, validator *Validator, opts ...Option) *Orchestrator {
	if validator == nil {
		validator = NewValidator(nil)
	}
	o := &Orchestrator{
		strategies: strategies,
		validator:  validator,
		clock:      system.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger).Named("acquire")
	return o
}

// Strategies returns the strategy names in attempt order.
func (o *Orchestrator) Strategies() []string {
	names := make([]string, len(o.strategies))
	for i, s := range o.strategies {
		names[i] = s.Name()
	}
	return names
}

// Acquire returns the listing content for url. Any strategy failure,
// including content rejected by the validator, promotes to the next
// strategy. When the chain is exhausted the fallback runs once; its result is
// never cached.
func (o *Orchestrator) Acquire(ctx context.Context, url string) (gazette.AcquisitionResult, error) {
	if o.cache != nil {
		if res, ok := o.cache.Get(url, o.validator.Validate); ok {
			o.logger.Info("serving cached acquisition", zap.String("strategy", res.Strategy))
			metrics.ObserveStrategyAttempt("cache", "success")
			return res, nil
		}
	}

	attempts := make([]error, 0, len(o.strategies))
	for _, s := range o.strategies {
		if err := ctx.Err(); err != nil {
			return gazette.AcquisitionResult{}, fmt.Errorf("acquire canceled before %s: %w", s.Name(), err)
		}
		res, err := o.attempt(ctx, s, url)
		if err != nil {
			attempts = append(attempts, err)
			continue
		}
		if o.cache != nil {
			o.cache.Put(url, res)
		}
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return gazette.AcquisitionResult{}, fmt.Errorf("acquire canceled before fallback: %w", err)
	}
	return o.runFallback(ctx, attempts)
}

func (o *Orchestrator) attempt(ctx context.Context, s gazette.Strategy, url string) (gazette.AcquisitionResult, error) {
	log := o.logger.With(zap.String("strategy", s.Name()))
	res, err := s.Attempt(ctx, url)
	if err == nil {
		if verr := o.validator.Validate(res); verr != nil {
			err = gazette.NewFetchError(s.Name(), gazette.ErrMalformed, 0, verr)
		}
	}
	if err != nil {
		outcome := outcomeOf(err)
		metrics.ObserveStrategyAttempt(s.Name(), outcome)
		log.Warn("strategy failed, promoting", zap.String("outcome", outcome), zap.Error(err))
		return gazette.AcquisitionResult{}, err
	}
	if res.Strategy == "" {
		res.Strategy = s.Name()
	}
	if res.FetchedAt.IsZero() {
		res.FetchedAt = o.clock.Now()
	}
	metrics.ObserveStrategyAttempt(s.Name(), "success")
	log.Info("strategy succeeded", zap.String("mode", string(res.Mode)), zap.Int("records", len(res.Records)))
	return res, nil
}

func (o *Orchestrator) runFallback(ctx context.Context, attempts []error) (gazette.AcquisitionResult, error) {
	if o.fallback == nil {
		return gazette.AcquisitionResult{}, gazette.NewTerminalError(attempts, ErrFallbackUnavailable)
	}
	o.logger.Warn("all strategies failed, using generative fallback", zap.String("attempts", summarize(attempts)))
	records, err := o.fallback.Locate(ctx)
	if err != nil {
		metrics.ObserveStrategyAttempt(GenerativeName, "failure")
		return gazette.AcquisitionResult{}, gazette.NewTerminalError(attempts, err)
	}
	metrics.ObserveStrategyAttempt(GenerativeName, "success")
	return gazette.AcquisitionResult{
		Mode:       gazette.ModeStructured,
		Records:    records,
		Strategy:   GenerativeName,
		FetchedAt:  o.clock.Now(),
		Generative: true,
	}, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, gazette.ErrBlocked):
		return "blocked"
	case errors.Is(err, gazette.ErrTimeout):
		return "timeout"
	case errors.Is(err, gazette.ErrMalformed):
		return "malformed"
	default:
		return "network"
	}
}

func summarize(attempts []error) string {
	parts := make([]string, len(attempts))
	for i, err := range attempts {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
