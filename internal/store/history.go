package store

import (
	"context"
	"time"
)

// InsertHistory appends one outcome record. It deliberately runs on a freshly
// acquired connection: the coordinator retries a failed write once and the
// retry must not inherit the handle that just failed.
func (s *Store) InsertHistory(ctx context.Context, rec HistoryRecord) error {
	return s.db.ExecFresh(ctx, `
INSERT INTO reservation_history(user_id, room_id, reservation_date, start_time, end_time, status, message, source_type, source_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.UserID, rec.RoomID, rec.Date, rec.StartTime, rec.EndTime,
		rec.Status, rec.Message, rec.SourceType, rec.SourceID,
	)
}

// CountSuccessful reports how many successful reservations the user already
// holds for date; the coordinator's daily-cap skip rule reads this.
func (s *Store) CountSuccessful(ctx context.Context, userID int64, date time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
SELECT count(*) FROM reservation_history
WHERE user_id=$1 AND reservation_date=$2 AND status=$3`,
		userID, date, StatusSuccessful,
	).Scan(&n)
	return n, err
}

const historyColumns = `id, user_id, room_id, reservation_date, start_time, end_time, status, message, source_type, source_id, created_at`

func (s *Store) ListHistoryByUser(ctx context.Context, userID int64, limit int) ([]HistoryRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+historyColumns+`
FROM reservation_history
WHERE user_id=$1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var h HistoryRecord
		if err := rows.Scan(&h.ID, &h.UserID, &h.RoomID, &h.Date, &h.StartTime, &h.EndTime,
			&h.Status, &h.Message, &h.SourceType, &h.SourceID, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
