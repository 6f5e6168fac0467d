package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// InstanceStore is the SQLite-backed store.InstanceStore.
type InstanceStore struct {
	db *sql.DB
}

func NewInstanceStore(db *sql.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

func (s *InstanceStore) Create(ctx context.Context, cfg store.InstanceConfig) error {
	creds, err := marshalCreds(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("sqlite: marshal credentials: %w", err)
	}
	now := timeStr(time.Now())

	const q = `
		INSERT INTO instance_configs
			(name, channel_type, credentials, agent_api_url, agent_api_key, agent_id,
			 agent_timeout_ms, agent_stream_mode, is_default, is_active,
			 enable_auto_split, session_id_prefix, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	_, err = s.db.ExecContext(ctx, q,
		cfg.Name, cfg.ChannelType, creds, cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.AgentID,
		cfg.AgentTimeoutMs, boolToInt(cfg.AgentStreamMode), boolToInt(cfg.IsDefault), boolToInt(cfg.IsActive),
		boolToInt(cfg.EnableAutoSplit), cfg.SessionIDPrefix, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInstanceConflict
		}
		return fmt.Errorf("sqlite: create instance: %w", err)
	}
	return nil
}

func (s *InstanceStore) Get(ctx context.Context, name string) (store.InstanceConfig, error) {
	const q = instanceSelectCols + ` FROM instance_configs WHERE name = ?`

	row := s.db.QueryRowContext(ctx, q, name)
	cfg, credsRaw, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.InstanceConfig{}, store.ErrInstanceNotFound
	}
	if err != nil {
		return store.InstanceConfig{}, fmt.Errorf("sqlite: get instance: %w", err)
	}
	cfg.Credentials, err = unmarshalCreds(credsRaw)
	if err != nil {
		return store.InstanceConfig{}, fmt.Errorf("sqlite: unmarshal credentials: %w", err)
	}
	return cfg, nil
}

func (s *InstanceStore) List(ctx context.Context) ([]store.InstanceConfig, error) {
	const q = instanceSelectCols + ` FROM instance_configs ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list instances: %w", err)
	}
	defer rows.Close()

	var out []store.InstanceConfig
	for rows.Next() {
		cfg, credsRaw, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan instance: %w", err)
		}
		cfg.Credentials, err = unmarshalCreds(credsRaw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal credentials: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *InstanceStore) Update(ctx context.Context, cfg store.InstanceConfig) error {
	creds, err := marshalCreds(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("sqlite: marshal credentials: %w", err)
	}

	const q = `
		UPDATE instance_configs SET
			channel_type=?, credentials=?, agent_api_url=?, agent_api_key=?, agent_id=?,
			agent_timeout_ms=?, agent_stream_mode=?, is_default=?, is_active=?,
			enable_auto_split=?, session_id_prefix=?, updated_at=?
		WHERE name=?`

	res, err := s.db.ExecContext(ctx, q,
		cfg.ChannelType, creds, cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.AgentID,
		cfg.AgentTimeoutMs, boolToInt(cfg.AgentStreamMode), boolToInt(cfg.IsDefault), boolToInt(cfg.IsActive),
		boolToInt(cfg.EnableAutoSplit), cfg.SessionIDPrefix, timeStr(time.Now()), cfg.Name)
	if err != nil {
		return fmt.Errorf("sqlite: update instance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrInstanceNotFound
	}
	return nil
}

// Delete removes the instance by name, refusing to delete the sole
// remaining instance per the §4.1 invariant, mirroring the transactional
// guard the Postgres backend runs against a concurrent Create.
func (s *InstanceStore) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM instance_configs`).Scan(&count); err != nil {
		return fmt.Errorf("sqlite: count instances: %w", err)
	}
	if count <= 1 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM instance_configs WHERE name=?`, name).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: check instance: %w", err)
		}
		if exists > 0 {
			return store.ErrSoleInstance
		}
		return store.ErrInstanceNotFound
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM instance_configs WHERE name=?`, name)
	if err != nil {
		return fmt.Errorf("sqlite: delete instance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrInstanceNotFound
	}
	return tx.Commit()
}

const instanceSelectCols = `
	SELECT name, channel_type, credentials, agent_api_url, agent_api_key, agent_id,
	       agent_timeout_ms, agent_stream_mode, is_default, is_active,
	       enable_auto_split, session_id_prefix, created_at, updated_at`

func scanInstance(r scanner) (store.InstanceConfig, string, error) {
	var cfg store.InstanceConfig
	var credsRaw string
	var streamMode, isDefault, isActive, autoSplit int
	var createdAt, updatedAt string
	err := r.Scan(
		&cfg.Name, &cfg.ChannelType, &credsRaw, &cfg.AgentAPIURL, &cfg.AgentAPIKey, &cfg.AgentID,
		&cfg.AgentTimeoutMs, &streamMode, &isDefault, &isActive,
		&autoSplit, &cfg.SessionIDPrefix, &createdAt, &updatedAt)
	if err != nil {
		return store.InstanceConfig{}, "", err
	}
	cfg.AgentStreamMode = streamMode != 0
	cfg.IsDefault = isDefault != 0
	cfg.IsActive = isActive != 0
	cfg.EnableAutoSplit = autoSplit != 0
	cfg.CreatedAt = parseTime(createdAt)
	cfg.UpdatedAt = parseTime(updatedAt)
	return cfg, credsRaw, nil
}

// isUniqueViolation detects modernc.org/sqlite's constraint-violation error
// text, which carries no typed sentinel the way pgx does.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
