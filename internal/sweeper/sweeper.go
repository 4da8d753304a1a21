// Package sweeper runs the periodic reconciliation pass that catches
// rooms skipped by event-driven re-scans (missed webhooks, agents that
// came back online, stale load counters).
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Engine is the sweep entry point of the allocator.
type Engine interface {
	Sweep(ctx context.Context)
}

// Sweeper triggers Engine.Sweep on a cron schedule.
type Sweeper struct {
	engine   Engine
	schedule string
	cron     *gronx.Gronx
}

// New creates a sweeper. schedule is a cron expression; "off" disables
// the sweeper entirely. Returns an error for an invalid expression.
func New(engine Engine, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = "* * * * *"
	}
	g := gronx.New()
	if schedule != "off" {
		if !g.IsValid(schedule) {
			return nil, &InvalidScheduleError{Expr: schedule}
		}
	}
	return &Sweeper{engine: engine, schedule: schedule, cron: g}, nil
}

// InvalidScheduleError reports a bad cron expression.
type InvalidScheduleError struct{ Expr string }

func (e *InvalidScheduleError) Error() string {
	return "invalid sweep schedule: " + e.Expr
}

// Run blocks until ctx is canceled, firing a sweep whenever the
// schedule is due. Ticks align to minute boundaries like cron.
func (s *Sweeper) Run(ctx context.Context) {
	if s.schedule == "off" {
		slog.Info("periodic sweep disabled")
		<-ctx.Done()
		return
	}
	slog.Info("periodic sweep started", "schedule", s.schedule)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			due, err := s.cron.IsDue(s.schedule, tick)
			if err != nil {
				slog.Warn("sweep schedule check failed", "error", err)
				continue
			}
			if due {
				s.engine.Sweep(ctx)
			}
		}
	}
}
