package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ccom-scheduler/internal/engine"
)

type fakeRunner struct {
	mu        sync.Mutex
	preLogins []time.Time
	executes  []time.Time
}

func (f *fakeRunner) PreLogin(ctx context.Context, date time.Time) engine.PreLoginSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preLogins = append(f.preLogins, date)
	return engine.PreLoginSummary{RunID: "pre"}
}

func (f *fakeRunner) Execute(ctx context.Context, date time.Time) engine.RunSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes = append(f.executes, date)
	return engine.RunSummary{RunID: "run"}
}

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestNextOpen(t *testing.T) {
	loc := shanghai(t)
	s := &Scheduler{Location: loc, OpenTime: "2130"}

	// Before today's open: fire today.
	now := time.Date(2025, 5, 13, 9, 0, 0, 0, loc)
	open := s.NextOpen(now)
	want := time.Date(2025, 5, 13, 21, 30, 0, 0, loc)
	if !open.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", open, want)
	}

	// Exactly at open: already passed, fire tomorrow.
	open = s.NextOpen(want)
	if !open.Equal(want.AddDate(0, 0, 1)) {
		t.Errorf("NextOpen at the instant = %v", open)
	}

	// After open: tomorrow.
	open = s.NextOpen(time.Date(2025, 5, 13, 23, 0, 0, 0, loc))
	if !open.Equal(want.AddDate(0, 0, 1)) {
		t.Errorf("NextOpen after = %v", open)
	}

	// UTC input converts into the configured zone.
	open = s.NextOpen(time.Date(2025, 5, 13, 14, 0, 0, 0, time.UTC)) // 22:00 CST
	if !open.Equal(want.AddDate(0, 0, 1)) {
		t.Errorf("NextOpen from UTC = %v", open)
	}
}

func TestNextOpenUnparseableOpenTime(t *testing.T) {
	loc := shanghai(t)
	s := &Scheduler{Location: loc, OpenTime: "21x0"}

	now := time.Date(2025, 5, 13, 9, 0, 0, 0, loc)
	open := s.NextOpen(now)
	want := time.Date(2025, 5, 13, 21, 30, 0, 0, loc)
	if !open.Equal(want) {
		t.Errorf("NextOpen with bad open time = %v, want the 21:30 default", open)
	}
}

func TestTargetDateIsDayAfterOpen(t *testing.T) {
	loc := shanghai(t)
	s := &Scheduler{Location: loc, OpenTime: "2130"}

	open := time.Date(2025, 5, 13, 21, 30, 0, 0, loc)
	target := s.TargetDate(open)
	want := time.Date(2025, 5, 14, 0, 0, 0, 0, loc)
	if !target.Equal(want) {
		t.Errorf("TargetDate = %v, want %v", target, want)
	}
}

func TestRunFiresBothPhases(t *testing.T) {
	loc := shanghai(t)
	runner := &fakeRunner{}

	// Clock sits just before the pre-login instant so the run fires fast.
	base := time.Date(2025, 5, 13, 21, 29, 59, 950_000_000, loc)
	var mu sync.Mutex
	current := base
	s := &Scheduler{
		Runner:         runner,
		Location:       loc,
		OpenTime:       "2130",
		PreLoginOffset: time.Minute,
		now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			current = current.Add(20 * time.Millisecond)
			return current
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		fired := len(runner.executes) > 0
		runner.mu.Unlock()
		if fired {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatal("execute never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	<-done

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.preLogins) == 0 {
		t.Fatal("pre-login never fired")
	}
	wantDate := time.Date(2025, 5, 14, 0, 0, 0, 0, loc)
	if !runner.preLogins[0].Equal(wantDate) {
		t.Errorf("pre-login target = %v, want %v", runner.preLogins[0], wantDate)
	}
	if !runner.executes[0].Equal(wantDate) {
		t.Errorf("execute target = %v, want %v", runner.executes[0], wantDate)
	}
}

func TestFireInstantFallsBackWithoutProbe(t *testing.T) {
	s := &Scheduler{Location: time.UTC, OpenTime: "2130"}
	open := time.Date(2025, 5, 13, 21, 30, 0, 0, time.UTC)
	if got := s.fireInstant(context.Background(), open); !got.Equal(open) {
		t.Errorf("fireInstant = %v, want local open instant", got)
	}
}
