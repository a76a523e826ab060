package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adhocore/gronx"

	"github.com/scrypster/strata/internal/storage"
)

// Scheduler runs maintenance on a cron schedule. The expression is checked
// once per minute.
type Scheduler struct {
	m     *Manager
	expr  string
	every time.Duration
	now   func() time.Time
}

// NewScheduler validates expr (five-field cron syntax).
func NewScheduler(m *Manager, expr string) (*Scheduler, error) {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return nil, fmt.Errorf("engine: invalid maintenance schedule %q: %w", expr, storage.ErrInvalidInput)
	}
	return &Scheduler{m: m, expr: expr, every: time.Minute, now: m.now}, nil
}

// Due reports whether the schedule fires at t (minute resolution).
func (s *Scheduler) Due(t time.Time) bool {
	gron := gronx.New()
	due, err := gron.IsDue(s.expr, t.Truncate(time.Minute))
	if err != nil {
		log.Printf("Warning: engine: schedule %q: %v", s.expr, err)
		return false
	}
	return due
}

// Next returns the first firing time strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run blocks until ctx is done, running Maintain whenever the schedule is
// due. A tick that arrives late still runs a cycle that fell due in a minute
// it skipped. Results are logged; an in-flight cycle is interrupted on
// shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	log.Printf("engine: maintenance scheduled %q", s.expr)
	// Minutes up to and including last have been checked.
	last := s.now().Truncate(time.Minute).Add(-time.Minute)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			minute := s.now().Truncate(time.Minute)
			if !minute.After(last) {
				continue
			}
			due := s.pending(last, minute)
			last = minute
			if due {
				s.runOnce(ctx)
			}
		}
	}
}

// pending reports whether the schedule fires in any minute after last up to
// and including minute.
func (s *Scheduler) pending(last, minute time.Time) bool {
	next, err := s.Next(last.Truncate(time.Minute))
	if err != nil {
		log.Printf("Warning: engine: schedule %q: %v", s.expr, err)
		return false
	}
	return !next.After(minute.Truncate(time.Minute))
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.m.Maintain(ctx)
	if err != nil {
		log.Printf("Warning: engine: scheduled maintenance failed: %v", err)
		return
	}
	log.Printf("engine: maintenance cycle %d: promoted %d, archived %d, checkpointed %d",
		report.Cycle, len(report.Promoted), len(report.Archived), report.Checkpointed)
}
