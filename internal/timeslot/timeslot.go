// Package timeslot handles the 4-digit clock-time encoding used by reservation
// intents ("1400" = 2:00 PM) and splits booking windows into segments the
// upstream API will accept.
package timeslot

import (
	"fmt"
	"time"
)

// Segment is one bookable sub-window of an intent's time range.
type Segment struct {
	Start time.Time
	End   time.Time
}

// StartMillis returns the segment start as epoch milliseconds, the unit the
// upstream order API expects.
func (s Segment) StartMillis() int64 { return s.Start.UnixMilli() }

// EndMillis returns the segment end as epoch milliseconds.
func (s Segment) EndMillis() int64 { return s.End.UnixMilli() }

func (s Segment) String() string {
	return fmt.Sprintf("%s-%s", s.Start.Format("15:04"), s.End.Format("15:04"))
}

// ParseHHMM parses a 4-digit 24h clock string like "2130".
func ParseHHMM(s string) (hour, minute int, err error) {
	if len(s) != 4 {
		return 0, 0, fmt.Errorf("timeslot: invalid time %q (want HHMM)", s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, 0, fmt.Errorf("timeslot: invalid time %q (want HHMM)", s)
		}
	}
	hour = int(s[0]-'0')*10 + int(s[1]-'0')
	minute = int(s[2]-'0')*10 + int(s[3]-'0')
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("timeslot: invalid time %q (out of range)", s)
	}
	return hour, minute, nil
}

// Duration returns the span between two clock times. An end at or before the
// start wraps past midnight: recurring intents are specified as clock times,
// so "2300"-"0100" means two hours, not minus twenty-two.
func Duration(startHHMM, endHHMM string) (time.Duration, error) {
	sh, sm, err := ParseHHMM(startHHMM)
	if err != nil {
		return 0, err
	}
	eh, em, err := ParseHHMM(endHHMM)
	if err != nil {
		return 0, err
	}
	start := sh*60 + sm
	end := eh*60 + em
	if end <= start {
		end += 24 * 60
	}
	return time.Duration(end-start) * time.Minute, nil
}

// At anchors a clock time to the given calendar date in loc.
func At(date time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, loc), nil
}

// Split anchors startHHMM/endHHMM to date in loc and cuts the window into
// contiguous segments of at most maxHours each, in chronological order. The
// last segment absorbs the remainder. An end at or before the start crosses
// midnight into the next day.
func Split(date time.Time, startHHMM, endHHMM string, maxHours int, loc *time.Location) ([]Segment, error) {
	if maxHours < 1 {
		return nil, fmt.Errorf("timeslot: maxHours must be >= 1, got %d", maxHours)
	}
	start, err := At(date, startHHMM, loc)
	if err != nil {
		return nil, err
	}
	end, err := At(date, endHHMM, loc)
	if err != nil {
		return nil, err
	}
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}

	cap := time.Duration(maxHours) * time.Hour
	var segments []Segment
	for start.Before(end) {
		next := start.Add(cap)
		if next.After(end) {
			next = end
		}
		segments = append(segments, Segment{Start: start, End: next})
		start = next
	}
	return segments, nil
}
