package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, scheduled time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	MisfireGrace time.Duration
	StartupDelay time.Duration
}

// Scheduler drives aligned execution of the sampling pipeline. Ticks run
// sequentially: a tick that overruns its slot coalesces the triggers it
// missed, and only the most recent pending slot survives (within the
// misfire grace window it still runs late; beyond it, it is dropped).
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each aligned interval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now())
	for {
		delay := time.Until(next)
		if delay < 0 {
			// We are late. Within the grace window the slot still runs;
			// otherwise it is dropped and we coalesce onto the next one.
			if -delay > s.opts.MisfireGrace {
				skipped := next
				next = s.nextTick(time.Now())
				delay = time.Until(next)
				s.logger.Warn().Time("skipped", skipped).Time("next", next).
					Msg("missed slot beyond grace window; coalescing")
			} else {
				delay = 0
			}
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_slot", next).Msg("waiting for next slot")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.logger.Info().Time("slot", next).Msg("executing scheduled tick")

		if err := tick(ctx, next); err != nil {
			s.logger.Error().Err(err).Time("slot", next).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}
