// Package engine executes reservation intents against the upstream gateway:
// per-segment attempts with bounded retries, and a coordinator that fans out
// intents across a worker pool at window-open time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ccom-scheduler/internal/ccom"
	"github.com/example/ccom-scheduler/internal/timeslot"
)

// Gateway is the per-user upstream session the engine drives. *ccom.Client
// satisfies it.
type Gateway interface {
	SoftLogin(ctx context.Context) (reused bool, err error)
	PlaceOrder(ctx context.Context, deviceID string, startMs, endMs int64) (ccom.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, orderID int64) (ccom.CancelResult, error)
	ListOrders(ctx context.Context) ([]ccom.Order, error)
	Token() string
}

// SegmentState is the terminal state of one segment's attempt loop.
type SegmentState int

const (
	Succeeded SegmentState = iota
	FailedTerminal
	FailedExhausted
)

func (s SegmentState) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case FailedTerminal:
		return "failed_terminal"
	case FailedExhausted:
		return "failed_exhausted"
	default:
		return fmt.Sprintf("SegmentState(%d)", int(s))
	}
}

// SegmentResult records how one segment ended.
type SegmentResult struct {
	Segment  timeslot.Segment
	State    SegmentState
	Message  string
	Attempts int
	// DuplicateRace is set when every attempt came back as the upstream's
	// duplicate-request response, which usually means the user's own earlier
	// request already won the slot.
	DuplicateRace bool
}

// IntentResult aggregates all segment results for one intent.
type IntentResult struct {
	Segments  []SegmentResult
	Succeeded bool
	// Message summarizes the run: the success message, or the concatenated
	// failure reasons of every failed segment.
	Message string
	// DuplicateRaceOnly is set when the intent failed solely through
	// duplicate-request exhaustion; notification policy may suppress alerts
	// for this case.
	DuplicateRaceOnly bool
}

// Attempter runs the per-segment state machine for one intent over one
// gateway session.
type Attempter struct {
	Gateway     Gateway
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// Attempt processes segments strictly in order (the upstream enforces
// business rules such as daily-hour caps that are sensitive to ordering). A
// failed segment does not stop later ones, and already-placed segments are
// never rolled back: a partially-booked intent is recorded as failed overall
// while the partial bookings stand.
func (a *Attempter) Attempt(ctx context.Context, deviceID string, segments []timeslot.Segment) IntentResult {
	var res IntentResult
	res.Succeeded = true
	res.DuplicateRaceOnly = true

	var failures []string
	for _, seg := range segments {
		sr := a.attemptSegment(ctx, deviceID, seg)
		res.Segments = append(res.Segments, sr)
		if sr.State == Succeeded {
			continue
		}
		res.Succeeded = false
		if !sr.DuplicateRace {
			res.DuplicateRaceOnly = false
		}
		failures = append(failures, fmt.Sprintf("%s: %s", sr.Segment, sr.Message))
	}

	if res.Succeeded {
		res.DuplicateRaceOnly = false
		res.Message = "Reservation successful"
	} else {
		res.Message = strings.Join(failures, "; ")
	}
	return res
}

func (a *Attempter) attemptSegment(ctx context.Context, deviceID string, seg timeslot.Segment) SegmentResult {
	maxAttempts := a.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	delay := a.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	sr := SegmentResult{Segment: seg, DuplicateRace: true}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sr.Attempts = attempt

		placed, err := a.Gateway.PlaceOrder(ctx, deviceID, seg.StartMillis(), seg.EndMillis())
		if err != nil {
			// Transport failures are retried like any transient message.
			sr.DuplicateRace = false
			sr.Message = err.Error()
			a.log(ctx, "place order transport error", deviceID, seg, attempt, err.Error())
		} else {
			switch classify(placed) {
			case outcomeSuccess:
				sr.State = Succeeded
				sr.Message = placed.Message
				return sr
			case outcomeTerminal:
				sr.State = FailedTerminal
				sr.Message = placed.Message
				sr.DuplicateRace = false
				return sr
			case outcomeRetryDuplicate:
				sr.Message = placed.Message
			case outcomeRetry:
				sr.DuplicateRace = false
				sr.Message = placed.Message
			}
			a.log(ctx, "place order retryable", deviceID, seg, attempt, placed.Message)
		}

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			sr.State = FailedExhausted
			sr.DuplicateRace = false
			sr.Message = fmt.Sprintf("cancelled while retrying: %v", err)
			return sr
		}
	}

	sr.State = FailedExhausted
	if sr.DuplicateRace {
		sr.Message = fmt.Sprintf("duplicate-request response on all %d attempts (%s)", maxAttempts, sr.Message)
	}
	return sr
}

func (a *Attempter) log(ctx context.Context, msg, deviceID string, seg timeslot.Segment, attempt int, detail string) {
	if a.Logger == nil {
		return
	}
	a.Logger.LogAttrs(ctx, slog.LevelDebug, msg,
		slog.String("device", deviceID),
		slog.String("segment", seg.String()),
		slog.Int("attempt", attempt),
		slog.String("detail", detail),
	)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
