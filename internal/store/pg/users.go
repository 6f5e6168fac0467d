package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// UserStore is the Postgres-backed store.UserStore, grounding C5's
// race-safe identity link on an INSERT ... ON CONFLICT DO NOTHING upsert.
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
			return fmt.Errorf("pg: new user id: %w", err)
		}
		u.ID = id.String()
	}
	const q = `INSERT INTO users (id, display_name, created_at) VALUES ($1,$2, now())`
	_, err := s.db.ExecContext(ctx, q, u.ID, nullIfEmpty(u.DisplayName))
	if err != nil {
		return fmt.Errorf("pg: create user: %w", err)
	}
	return nil
}

func (s *UserStore) GetUser(ctx context.Context, id string) (store.User, error) {
	const q = `SELECT id, coalesce(display_name, ''), created_at FROM users WHERE id = $1`
	var u store.User
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("pg: get user %s: not found", id)
	}
	if err != nil {
		return store.User{}, fmt.Errorf("pg: get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) LookupExternalID(ctx context.Context, provider, externalID string) (string, bool, error) {
	const q = `SELECT user_id FROM user_external_ids WHERE provider = $1 AND external_id = $2`
	var userID string
	err := s.db.QueryRowContext(ctx, q, provider, externalID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pg: lookup external id: %w", err)
	}
	return userID, true, nil
}

// LinkExternalID inserts the (provider, externalID) -> userID link. On a
// unique-constraint conflict (a concurrent first contact already inserted
// the link), it looks up and returns the winning user_id instead of
// erroring — this is what makes identity resolution race-safe.
func (s *UserStore) LinkExternalID(ctx context.Context, link store.UserExternalID) (string, bool, error) {
	if link.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", false, fmt.Errorf("pg: new link id: %w", err)
		}
		link.ID = id.String()
	}
	extra, err := marshalExtra(link.Extra)
	if err != nil {
		return "", false, fmt.Errorf("pg: marshal extra: %w", err)
	}

	const q = `
		INSERT INTO user_external_ids (id, provider, external_id, user_id, extra, created_at)
		VALUES ($1,$2,$3,$4,$5, now())
		ON CONFLICT (provider, external_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q, link.ID, link.Provider, link.ExternalID, link.UserID, extra)
	if err != nil {
		return "", false, fmt.Errorf("pg: link external id: %w", err)
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
		return "", false, fmt.Errorf("pg: link external id: conflict with no winning row")
	}
	return existing, false, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
