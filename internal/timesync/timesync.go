// Package timesync measures the clock offset and network latency between this
// host and the upstream reservation system, so requests can be released early
// enough to arrive right as the booking window opens.
package timesync

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// SyncError reports a failed probe. Precision timing is lost for the run but
// the run itself can continue on the local clock; that choice belongs to the
// caller.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("timesync: %s: %v", e.Op, e.Err) }

func (e *SyncError) Unwrap() error { return e.Err }

// Measurement is one probe of the upstream clock.
type Measurement struct {
	ServerTime    time.Time
	Offset        time.Duration // local minus upstream at probe time
	OneWayLatency time.Duration // half of measured round trip
	RTT           time.Duration
}

// Probe measures against a single upstream host.
type Probe struct {
	hc      *http.Client
	baseURL string
	now     func() time.Time
}

func New(baseURL string) *Probe {
	return &Probe{
		hc:      &http.Client{Timeout: 5 * time.Second},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// WithClock overrides the local time source. Tests use this to pin "now".
func (p *Probe) WithClock(now func() time.Time) *Probe {
	p.now = now
	return p
}

// Measure reads the upstream clock from the Date header of a HEAD request and
// estimates one-way latency as half the round trip of a timed GET.
func (p *Probe) Measure(ctx context.Context) (Measurement, error) {
	serverTime, err := p.serverTime(ctx)
	if err != nil {
		return Measurement{}, err
	}
	local := p.now()

	rtt, err := p.roundTrip(ctx)
	if err != nil {
		return Measurement{}, err
	}

	return Measurement{
		ServerTime:    serverTime,
		Offset:        local.Sub(serverTime),
		OneWayLatency: rtt / 2,
		RTT:           rtt,
	}, nil
}

// FireInstant computes when to release a request locally so it reaches the
// upstream host as close as possible to, but not after, target: the target
// advanced by the measured clock offset and one-way latency.
func (p *Probe) FireInstant(ctx context.Context, target time.Time) (time.Time, error) {
	m, err := p.Measure(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return target.Add(-m.Offset).Add(-m.OneWayLatency), nil
}

func (p *Probe) serverTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL, nil)
	if err != nil {
		return time.Time{}, &SyncError{Op: "head", Err: err}
	}
	res, err := p.hc.Do(req)
	if err != nil {
		return time.Time{}, &SyncError{Op: "head", Err: err}
	}
	defer res.Body.Close()

	dateStr := res.Header.Get("Date")
	if dateStr == "" {
		return time.Time{}, &SyncError{Op: "head", Err: fmt.Errorf("no Date header in response")}
	}
	serverTime, err := http.ParseTime(dateStr)
	if err != nil {
		return time.Time{}, &SyncError{Op: "head", Err: fmt.Errorf("bad Date header %q: %w", dateStr, err)}
	}
	return serverTime, nil
}

func (p *Probe) roundTrip(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL, nil)
	if err != nil {
		return 0, &SyncError{Op: "rtt", Err: err}
	}
	start := p.now()
	res, err := p.hc.Do(req)
	if err != nil {
		return 0, &SyncError{Op: "rtt", Err: err}
	}
	defer res.Body.Close()
	return p.now().Sub(start), nil
}
