package store

import (
	"context"

	"github.com/example/ccom-scheduler/internal/db"
)

// Store bundles the repositories over one pooled database. Methods are safe
// for concurrent use; every call acquires its own pooled connection, so
// workers never share transaction state.
type Store struct {
	db *db.DB
}

func New(d *db.DB) *Store { return &Store{db: d} }

const userColumns = `id, username, password_hash, ccom_password_sealed, ccom_token, push_key, is_active, created_at`

func scanUser(row db.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CCOMPasswordSealed,
		&u.CCOMToken, &u.PushKey, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return User{}, db.WrapNotFound(err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u User) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO users(username, password_hash, ccom_password_sealed, ccom_token, push_key, is_active)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id`,
		u.Username, u.PasswordHash, u.CCOMPasswordSealed, u.CCOMToken, u.PushKey, u.IsActive,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

// UpdateUserToken persists a refreshed upstream session token. Last write
// wins; concurrent refreshes for the same user are benign.
func (s *Store) UpdateUserToken(ctx context.Context, userID int64, token string) error {
	return s.db.Exec(ctx, `UPDATE users SET ccom_token=$2 WHERE id=$1`, userID, token)
}

func (s *Store) UpdateUserCredential(ctx context.Context, userID int64, sealedPassword string) error {
	return s.db.Exec(ctx, `UPDATE users SET ccom_password_sealed=$2 WHERE id=$1`, userID, sealedPassword)
}
