package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// InstanceStore is the Postgres-backed store.InstanceStore.
type InstanceStore struct {
	db *sql.DB
}

// NewInstanceStore constructs an InstanceStore over db.
func NewInstanceStore(db *sql.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

func (s *InstanceStore) Create(ctx context.Context, cfg store.InstanceConfig) error {
	creds, err := marshalCreds(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("pg: marshal credentials: %w", err)
	}

	const q = `
		INSERT INTO instance_configs
			(name, channel_type, credentials, agent_api_url, agent_api_key, agent_id,
			 agent_timeout_ms, agent_stream_mode, is_default, is_active,
			 enable_auto_split, session_id_prefix, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now(), now())`

	_, err = s.db.ExecContext(ctx, q,
		cfg.Name, cfg.ChannelType, creds, cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.AgentID,
		cfg.AgentTimeoutMs, cfg.AgentStreamMode, cfg.IsDefault, cfg.IsActive,
		cfg.EnableAutoSplit, cfg.SessionIDPrefix)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInstanceConflict
		}
		return fmt.Errorf("pg: create instance: %w", err)
	}
	return nil
}

func (s *InstanceStore) Get(ctx context.Context, name string) (store.InstanceConfig, error) {
	const q = `
		SELECT name, channel_type, credentials, agent_api_url, agent_api_key, agent_id,
		       agent_timeout_ms, agent_stream_mode, is_default, is_active,
		       enable_auto_split, session_id_prefix, created_at, updated_at
		FROM instance_configs WHERE name = $1`

	row := s.db.QueryRowContext(ctx, q, name)
	cfg, credsRaw, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.InstanceConfig{}, store.ErrInstanceNotFound
	}
	if err != nil {
		return store.InstanceConfig{}, fmt.Errorf("pg: get instance: %w", err)
	}
	cfg.Credentials, err = unmarshalCreds(credsRaw)
	if err != nil {
		return store.InstanceConfig{}, fmt.Errorf("pg: unmarshal credentials: %w", err)
	}
	return cfg, nil
}

func (s *InstanceStore) List(ctx context.Context) ([]store.InstanceConfig, error) {
	const q = `
		SELECT name, channel_type, credentials, agent_api_url, agent_api_key, agent_id,
		       agent_timeout_ms, agent_stream_mode, is_default, is_active,
		       enable_auto_split, session_id_prefix, created_at, updated_at
		FROM instance_configs ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pg: list instances: %w", err)
	}
	defer rows.Close()

	var out []store.InstanceConfig
	for rows.Next() {
		cfg, credsRaw, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan instance: %w", err)
		}
		cfg.Credentials, err = unmarshalCreds(credsRaw)
		if err != nil {
			return nil, fmt.Errorf("pg: unmarshal credentials: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *InstanceStore) Update(ctx context.Context, cfg store.InstanceConfig) error {
	creds, err := marshalCreds(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("pg: marshal credentials: %w", err)
	}

	const q = `
		UPDATE instance_configs SET
			channel_type=$2, credentials=$3, agent_api_url=$4, agent_api_key=$5, agent_id=$6,
			agent_timeout_ms=$7, agent_stream_mode=$8, is_default=$9, is_active=$10,
			enable_auto_split=$11, session_id_prefix=$12, updated_at=now()
		WHERE name=$1`

	res, err := s.db.ExecContext(ctx, q,
		cfg.Name, cfg.ChannelType, creds, cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.AgentID,
		cfg.AgentTimeoutMs, cfg.AgentStreamMode, cfg.IsDefault, cfg.IsActive,
		cfg.EnableAutoSplit, cfg.SessionIDPrefix)
	if err != nil {
		return fmt.Errorf("pg: update instance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrInstanceNotFound
	}
	return nil
}

// Delete removes the instance by name, refusing to delete the sole
// remaining instance per the §4.1 invariant. The count check and delete run
// inside one transaction to avoid a race against a concurrent Create.
func (s *InstanceStore) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg: begin: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM instance_configs`).Scan(&count); err != nil {
		return fmt.Errorf("pg: count instances: %w", err)
	}
	if count <= 1 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM instance_configs WHERE name=$1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("pg: check instance: %w", err)
		}
		if exists {
			return store.ErrSoleInstance
		}
		return store.ErrInstanceNotFound
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM instance_configs WHERE name=$1`, name)
	if err != nil {
		return fmt.Errorf("pg: delete instance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrInstanceNotFound
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(r scanner) (store.InstanceConfig, []byte, error) {
	var cfg store.InstanceConfig
	var credsRaw []byte
	err := r.Scan(
		&cfg.Name, &cfg.ChannelType, &credsRaw, &cfg.AgentAPIURL, &cfg.AgentAPIKey, &cfg.AgentID,
		&cfg.AgentTimeoutMs, &cfg.AgentStreamMode, &cfg.IsDefault, &cfg.IsActive,
		&cfg.EnableAutoSplit, &cfg.SessionIDPrefix, &cfg.CreatedAt, &cfg.UpdatedAt)
	return cfg, credsRaw, err
}
