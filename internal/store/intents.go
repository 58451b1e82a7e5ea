package store

import (
	"context"
	"time"

	"github.com/example/ccom-scheduler/internal/db"
)

func (s *Store) CreateRecurring(ctx context.Context, r RecurringIntent) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO recurring_reservations(user_id, room_id, day_of_week, start_time, end_time, is_active)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id`,
		r.UserID, r.RoomID, r.DayOfWeek, r.StartTime, r.EndTime, r.IsActive,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (s *Store) CreateOneTime(ctx context.Context, o OneTimeIntent) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO one_time_reservations(user_id, room_id, reservation_date, start_time, end_time, is_cancellation, status)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id`,
		o.UserID, o.RoomID, o.Date, o.StartTime, o.EndTime, o.IsCancellation, o.Status,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

const recurringColumns = `id, user_id, room_id, day_of_week, start_time, end_time, is_active, created_at`

func (s *Store) RecurringForWeekday(ctx context.Context, dayOfWeek int) ([]RecurringIntent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+recurringColumns+`
FROM recurring_reservations
WHERE day_of_week=$1 AND is_active
ORDER BY id`, dayOfWeek)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecurringIntent
	for rows.Next() {
		var r RecurringIntent
		if err := rows.Scan(&r.ID, &r.UserID, &r.RoomID, &r.DayOfWeek,
			&r.StartTime, &r.EndTime, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListRecurringByUser(ctx context.Context, userID int64) ([]RecurringIntent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+recurringColumns+`
FROM recurring_reservations
WHERE user_id=$1
ORDER BY day_of_week, start_time`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecurringIntent
	for rows.Next() {
		var r RecurringIntent
		if err := rows.Scan(&r.ID, &r.UserID, &r.RoomID, &r.DayOfWeek,
			&r.StartTime, &r.EndTime, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const oneTimeColumns = `id, user_id, room_id, reservation_date, start_time, end_time, is_cancellation, status, created_at`

func (s *Store) OneTimePendingFor(ctx context.Context, date time.Time) ([]OneTimeIntent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+oneTimeColumns+`
FROM one_time_reservations
WHERE reservation_date=$1 AND status=$2
ORDER BY id`, date, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OneTimeIntent
	for rows.Next() {
		var o OneTimeIntent
		if err := rows.Scan(&o.ID, &o.UserID, &o.RoomID, &o.Date,
			&o.StartTime, &o.EndTime, &o.IsCancellation, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) SetOneTimeStatus(ctx context.Context, id int64, status string) error {
	return s.db.Exec(ctx, `UPDATE one_time_reservations SET status=$2 WHERE id=$1`, id, status)
}

// UsersWithIntentsFor returns the distinct users holding an intent targeting
// date: an active recurring intent on its day of week, or a pending one-time
// intent for the date itself. Pre-login refreshes exactly this set.
func (s *Store) UsersWithIntentsFor(ctx context.Context, date time.Time) ([]User, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT u.id, u.username, u.password_hash, u.ccom_password_sealed, u.ccom_token, u.push_key, u.is_active, u.created_at
FROM users u
WHERE u.is_active
  AND (
    EXISTS (SELECT 1 FROM recurring_reservations r WHERE r.user_id=u.id AND r.is_active AND r.day_of_week=$1)
    OR EXISTS (SELECT 1 FROM one_time_reservations o WHERE o.user_id=u.id AND o.status=$2 AND o.reservation_date=$3)
  )
ORDER BY u.id`, DayOfWeek(date), StatusPending, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
