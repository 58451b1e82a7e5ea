// Package store persists users, rooms, reservation intents and the
// append-only reservation history in Postgres.
package store

import (
	"fmt"
	"time"

	"github.com/example/ccom-scheduler/internal/timeslot"
)

const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"

	SourceRecurring = "recurring"
	SourceOneTime   = "one_time"
)

type User struct {
	ID       int64
	Username string
	// PasswordHash is the bcrypt hash of the local account password.
	PasswordHash string
	// CCOMPasswordSealed is the upstream credential, AES-GCM sealed at rest.
	CCOMPasswordSealed string
	// CCOMToken is the cached upstream session token; refreshed by soft login.
	CCOMToken string
	PushKey   string
	IsActive  bool
	CreatedAt time.Time
}

type Room struct {
	ID          int64
	CCOMID      string // upstream device identifier
	Name        string
	Partition   string
	Instruments string
}

// RecurringIntent books the same room and window every week on DayOfWeek
// (0=Monday..6=Sunday, matching time.Weekday shifted by one).
type RecurringIntent struct {
	ID        int64
	UserID    int64
	RoomID    int64
	DayOfWeek int
	StartTime string // "1400"
	EndTime   string // "1600"
	IsActive  bool
	CreatedAt time.Time
}

type OneTimeIntent struct {
	ID             int64
	UserID         int64
	RoomID         int64
	Date           time.Time
	StartTime      string
	EndTime        string
	IsCancellation bool
	Status         string // pending, successful, failed
	CreatedAt      time.Time
}

// HistoryRecord is the immutable outcome of one intent in one run. Rows are
// only ever inserted by this engine.
type HistoryRecord struct {
	ID         int64
	UserID     int64
	RoomID     int64
	Date       time.Time
	StartTime  string
	EndTime    string
	Status     string
	Message    string
	SourceType string
	SourceID   int64
	CreatedAt  time.Time
}

// DayOfWeek returns the recurrence index for a date (0=Monday..6=Sunday).
func DayOfWeek(date time.Time) int {
	return (int(date.Weekday()) + 6) % 7
}

func validateWindow(startTime, endTime string, maxHours int) error {
	d, err := timeslot.Duration(startTime, endTime)
	if err != nil {
		return err
	}
	if d > time.Duration(maxHours)*time.Hour {
		return fmt.Errorf("reservation spans %v, exceeding the %dh maximum", d, maxHours)
	}
	return nil
}

// Validate enforces creation-time invariants; maxHours is the configured
// maximum reservation duration, independent of execution-time segmentation.
func (r RecurringIntent) Validate(maxHours int) error {
	if r.UserID == 0 {
		return fmt.Errorf("user required")
	}
	if r.RoomID == 0 {
		return fmt.Errorf("room required")
	}
	if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week must be 0..6, got %d", r.DayOfWeek)
	}
	return validateWindow(r.StartTime, r.EndTime, maxHours)
}

func (o OneTimeIntent) Validate(maxHours int) error {
	if o.UserID == 0 {
		return fmt.Errorf("user required")
	}
	if o.RoomID == 0 {
		return fmt.Errorf("room required")
	}
	if o.Date.IsZero() {
		return fmt.Errorf("reservation date required")
	}
	if o.IsCancellation {
		// Cancellations reference an existing upstream order; the window only
		// needs to parse.
		if _, _, err := timeslot.ParseHHMM(o.StartTime); err != nil {
			return err
		}
		_, _, err := timeslot.ParseHHMM(o.EndTime)
		return err
	}
	return validateWindow(o.StartTime, o.EndTime, maxHours)
}
