package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// UserStore is the SQLite-backed store.UserStore, carrying the same
// race-safe identity link as the Postgres backend via INSERT OR IGNORE.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(ctx context.Context, u store.User) error {
	if u.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("sqlite: new user id: %w", err)
		}
		u.ID = id.String()
	}
	const q = `INSERT INTO users (id, display_name, created_at) VALUES (?,?,?)`
	_, err := s.db.ExecContext(ctx, q, u.ID, nullIfEmpty(u.DisplayName), timeStr(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: create user: %w", err)
	}
	return nil
}

func (s *UserStore) GetUser(ctx context.Context, id string) (store.User, error) {
	const q = `SELECT id, coalesce(display_name, ''), created_at FROM users WHERE id = ?`
	var u store.User
	var createdAt string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("sqlite: get user %s: not found", id)
	}
	if err != nil {
		return store.User{}, fmt.Errorf("sqlite: get user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func (s *UserStore) LookupExternalID(ctx context.Context, provider, externalID string) (string, bool, error) {
	const q = `SELECT user_id FROM user_external_ids WHERE provider = ? AND external_id = ?`
	var userID string
	err := s.db.QueryRowContext(ctx, q, provider, externalID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: lookup external id: %w", err)
	}
	return userID, true, nil
}

// LinkExternalID inserts the (provider, externalID) -> userID link,
// tolerating a concurrent duplicate the same way the Postgres backend's
// ON CONFLICT DO NOTHING does: the loser looks up and returns the winner's
// user_id rather than erroring.
func (s *UserStore) LinkExternalID(ctx context.Context, link store.UserExternalID) (string, bool, error) {
	if link.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", false, fmt.Errorf("sqlite: new link id: %w", err)
		}
		link.ID = id.String()
	}
	extra, err := marshalExtra(link.Extra)
	if err != nil {
		return "", false, fmt.Errorf("sqlite: marshal extra: %w", err)
	}

	const q = `
		INSERT OR IGNORE INTO user_external_ids (id, provider, external_id, user_id, extra, created_at)
		VALUES (?,?,?,?,?,?)`

	res, err := s.db.ExecContext(ctx, q, link.ID, link.Provider, link.ExternalID, link.UserID, extra, timeStr(time.Now()))
	if err != nil {
		return "", false, fmt.Errorf("sqlite: link external id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return link.UserID, true, nil
	}

	existing, ok, err := s.LookupExternalID(ctx, link.Provider, link.ExternalID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, fmt.Errorf("sqlite: link external id: conflict with no winning row")
	}
	return existing, false, nil
}
