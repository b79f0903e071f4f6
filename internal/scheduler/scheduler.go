package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// Offset is the clock as a duration since midnight.
func (c Clock) Offset() time.Duration {
	return time.Duration(c.minutes()) * time.Minute
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Window restricts ticks to trading hours. Start and End are inclusive.
type Window struct {
	Start        Clock
	End          Clock
	SkipWeekends bool
	Location     *time.Location
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	local := t.In(w.loc())
	if w.SkipWeekends && isWeekend(local) {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= w.Start.minutes() && m <= w.End.minutes()
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Window, when set, drops ticks outside trading hours.
	Window *Window
}

// Scheduler drives aligned execution of check jobs.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger(), now: time.Now}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := sleep(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	next := s.nextTick(s.now().UTC())
	for {
		if next.Before(s.now()) {
			next = s.nextTick(s.now().UTC())
		}
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if err := sleep(ctx, next.Sub(s.now())); err != nil {
			return err
		}

		bucket := s.bucketStart(next)
		next = next.Add(s.opts.Interval)
		if s.opts.Window != nil && !s.opts.Window.Contains(bucket) {
			s.logger.Debug().Time("bucket", bucket).Msg("outside trading window, skipping tick")
			continue
		}

		s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
		if err := tick(ctx, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
	}
}

// Daily blocks, invoking tick once per day at the given local time until ctx
// is cancelled. Weekends are skipped when skipWeekends is set.
func (s *Scheduler) Daily(ctx context.Context, at Clock, loc *time.Location, skipWeekends bool, tick TickFunc) error {
	if loc == nil {
		loc = time.Local
	}
	for {
		next := NextDaily(s.now(), at, loc, skipWeekends)
		s.logger.Debug().Time("next_run", next).Str("at", at.String()).Msg("waiting for daily job")
		if err := sleep(ctx, next.Sub(s.now())); err != nil {
			return err
		}
		s.logger.Info().Time("run", next).Msg("executing daily job")
		if err := tick(ctx, next); err != nil {
			s.logger.Error().Err(err).Time("run", next).Msg("daily job failed")
		}
	}
}

// NextDaily returns the first instant strictly after now at clock time at.
func NextDaily(now time.Time, at Clock, loc *time.Location, skipWeekends bool) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	for skipWeekends && isWeekend(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
