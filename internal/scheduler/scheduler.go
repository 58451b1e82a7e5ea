package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ccom-scheduler/internal/engine"
	"github.com/example/ccom-scheduler/internal/timeslot"
	"github.com/example/ccom-scheduler/internal/timesync"
)

// Runner is the two-phase run the scheduler triggers once per day.
type Runner interface {
	PreLogin(ctx context.Context, date time.Time) engine.PreLoginSummary
	Execute(ctx context.Context, date time.Time) engine.RunSummary
}

// Scheduler fires the daily reservation run. Booking for a given day opens
// the evening before at OpenTime; pre-login warms tokens a few minutes
// ahead, then the execute phase fires at the skew-corrected open instant.
type Scheduler struct {
	Runner         Runner
	Probe          *timesync.Probe
	Logger         *slog.Logger
	Location       *time.Location
	OpenTime       string
	PreLoginOffset time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NextOpen returns the next OpenTime instant strictly after now, in the
// scheduler's location.
func (s *Scheduler) NextOpen(now time.Time) time.Time {
	now = now.In(s.Location)
	hh, mm, err := timeslot.ParseHHMM(s.OpenTime)
	if err != nil {
		// Config validates OpenTime at load; an unparseable value here means
		// the scheduler was wired by hand, so fire at the upstream's window.
		hh, mm = 21, 30
	}
	open := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, s.Location)
	if !open.After(now) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// TargetDate returns the reservation date the run at open books: the day
// after the window opens.
func (s *Scheduler) TargetDate(open time.Time) time.Time {
	next := open.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, s.Location)
}

// Run loops forever firing one pre-login and one execute per open window,
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.logger()
	for {
		open := s.NextOpen(s.clock()())
		target := s.TargetDate(open)
		preLoginAt := open.Add(-s.PreLoginOffset)

		log.Info("next firing window computed",
			"open", open, "pre_login", preLoginAt, "target_date", target.Format("2006-01-02"))

		if err := s.sleepUntil(ctx, preLoginAt); err != nil {
			return err
		}
		pre := s.Runner.PreLogin(ctx, target)
		log.Info("pre-login finished",
			"run_id", pre.RunID, "users", pre.TotalUsers, "ok", pre.Successful, "failed", pre.Failed)

		fireAt := s.fireInstant(ctx, open)
		if err := s.sleepUntil(ctx, fireAt); err != nil {
			return err
		}
		sum := s.Runner.Execute(ctx, target)
		log.Info("execute finished",
			"run_id", sum.RunID, "processed", sum.Counters.Processed,
			"successful", sum.Counters.Successful, "failed", sum.Counters.Failed,
			"skipped", sum.Counters.Skipped, "notified", sum.Notified)

		// Never fire the same window twice.
		if err := s.sleepUntil(ctx, open.Add(time.Minute)); err != nil {
			return err
		}
	}
}

// fireInstant corrects the open instant for clock skew and one-way latency.
// A failed measurement falls back to the local clock; firing slightly off
// beats not firing at all.
func (s *Scheduler) fireInstant(ctx context.Context, open time.Time) time.Time {
	if s.Probe == nil {
		return open
	}
	at, err := s.Probe.FireInstant(ctx, open)
	if err != nil {
		s.logger().Warn("clock sync failed, firing on local clock", "error", err)
		return open
	}
	return at
}

func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(s.clock()())
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

func (s *Scheduler) clock() func() time.Time {
	if s.now != nil {
		return s.now
	}
	return time.Now
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
