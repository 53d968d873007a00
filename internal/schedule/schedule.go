// Package schedule triggers watcher checks at fixed wall-clock times.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/clock/system"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
)

// Trigger starts a check unless one is already running.
type Trigger interface {
	TryCheck(ctx context.Context) (bool, error)
}

// Scheduler fires Trigger at each configured time of day.
type Scheduler struct {
	times   []time.Duration
	loc     *time.Location
	trigger Trigger
	clock   gazette.Clock
	after   func(time.Duration) <-chan time.Time
	logger  *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock.
func WithClock(c gazette.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New parses times ("HH:MM") interpreted in timezone.
func New(times []string, timezone string, trigger Trigger, opts ...Option) (*Scheduler, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("schedule: at least one time is required")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: load timezone %q: %w", timezone, err)
	}
	offsets := make([]time.Duration, 0, len(times))
	for _, hhmm := range times {
		t, err := time.Parse("15:04", hhmm)
		if err != nil {
			return nil, fmt.Errorf("schedule: invalid time %q: %w", hhmm, err)
		}
		offsets = append(offsets, time.Duration(t.Hour())*time.Hour+time.Duration(t.Minute())*time.Minute)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	s := &Scheduler{
		times:   offsets,
		loc:     loc,
		trigger: trigger,
		clock:   system.New(),
		after:   time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("schedule")
	return s, nil
}

// NextRun returns the first scheduled instant strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	for day := 0; day < 2; day++ {
		y, m, d := local.AddDate(0, 0, day).Date()
		for _, off := range s.times {
			h := int(off / time.Hour)
			mi := int((off % time.Hour) / time.Minute)
			candidate := time.Date(y, m, d, h, mi, 0, 0, s.loc)
			if candidate.After(local) {
				return candidate
			}
		}
	}
	// Unreachable with at least one time configured.
	return local.Add(24 * time.Hour)
}

// Run blocks until ctx is done, firing the trigger at each scheduled time.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := s.clock.Now()
		next := s.NextRun(now)
		s.logger.Info("next scheduled check", zap.Time("at", next))
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
		}
		ran, err := s.trigger.TryCheck(ctx)
		switch {
		case err != nil:
			s.logger.Warn("scheduled check failed", zap.Error(err))
		case !ran:
			s.logger.Info("scheduled check skipped, another check is running")
		}
	}
}
