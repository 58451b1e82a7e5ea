package store

import (
	"context"

	"github.com/example/ccom-scheduler/internal/db"
)

const roomColumns = `id, ccom_id, name, partition, instruments`

func scanRoom(row db.Row) (Room, error) {
	var r Room
	if err := row.Scan(&r.ID, &r.CCOMID, &r.Name, &r.Partition, &r.Instruments); err != nil {
		return Room{}, db.WrapNotFound(err)
	}
	return r, nil
}

// UpsertRoom inserts or refreshes a room keyed by its upstream device id.
func (s *Store) UpsertRoom(ctx context.Context, r Room) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO rooms(ccom_id, name, partition, instruments)
VALUES ($1,$2,$3,$4)
ON CONFLICT (ccom_id) DO UPDATE SET name=EXCLUDED.name, partition=EXCLUDED.partition, instruments=EXCLUDED.instruments
RETURNING id`,
		r.CCOMID, r.Name, r.Partition, r.Instruments,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (s *Store) RoomByID(ctx context.Context, id int64) (Room, error) {
	return scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id=$1`, id))
}

func (s *Store) RoomByName(ctx context.Context, name string) (Room, error) {
	return scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE name=$1`, name))
}

func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.Query(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
