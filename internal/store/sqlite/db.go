// Package sqlite is the SQLite backend for the Config Store (C1), used in
// single-tenant/desktop deployments per spec.md §6 where running a Postgres
// server is unwarranted. It mirrors internal/store/pg's query shape against
// modernc.org/sqlite's pure-Go driver instead of pgx, grounded on the
// sqlitevec backend's sql.Open + schema-on-connect convention.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// Open connects to a SQLite database file (or ":memory:") and ensures the
// schema exists. Unlike the Postgres backend, SQLite has no separate
// migration binary — the desktop/single-tenant deployment this backend
// serves doesn't carry one, so schema creation happens inline.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serializes writers internally; a single connection avoids
	// "database is locked" errors under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS instance_configs (
		name               TEXT PRIMARY KEY,
		channel_type       TEXT NOT NULL,
		credentials        TEXT NOT NULL DEFAULT '{}',
		agent_api_url      TEXT NOT NULL DEFAULT '',
		agent_api_key      TEXT NOT NULL DEFAULT '',
		agent_id           TEXT NOT NULL DEFAULT '',
		agent_timeout_ms   INTEGER NOT NULL DEFAULT 30000,
		agent_stream_mode  INTEGER NOT NULL DEFAULT 0,
		is_default         INTEGER NOT NULL DEFAULT 0,
		is_active          INTEGER NOT NULL DEFAULT 1,
		enable_auto_split  INTEGER NOT NULL DEFAULT 1,
		session_id_prefix  TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS instance_configs_single_default
		ON instance_configs(is_default) WHERE is_default = 1`,
	`CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		display_name TEXT,
		created_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_external_ids (
		id          TEXT PRIMARY KEY,
		provider    TEXT NOT NULL,
		external_id TEXT NOT NULL,
		user_id     TEXT NOT NULL REFERENCES users(id),
		extra       TEXT,
		created_at  TEXT NOT NULL,
		UNIQUE (provider, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS user_external_ids_user_id ON user_external_ids(user_id)`,
	`CREATE TABLE IF NOT EXISTS access_rules (
		id            TEXT PRIMARY KEY,
		instance_name TEXT REFERENCES instance_configs(name) ON DELETE CASCADE,
		phone_number  TEXT NOT NULL,
		rule_type     TEXT NOT NULL CHECK (rule_type IN ('allow', 'block')),
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS access_rules_instance_name ON access_rules(instance_name)`,
	`CREATE INDEX IF NOT EXISTS access_rules_phone_number ON access_rules(phone_number)`,
	`CREATE TABLE IF NOT EXISTS message_traces (
		trace_id                  TEXT PRIMARY KEY,
		instance_name             TEXT NOT NULL REFERENCES instance_configs(name) ON DELETE CASCADE,
		channel_type              TEXT NOT NULL,
		direction                 TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
		message_id                TEXT NOT NULL,
		session_name              TEXT NOT NULL,
		user_id                   TEXT REFERENCES users(id),
		sender_phone              TEXT,
		sender_name               TEXT,
		message_type              TEXT NOT NULL,
		has_media                 INTEGER NOT NULL DEFAULT 0,
		has_quoted_message        INTEGER NOT NULL DEFAULT 0,
		status                    TEXT NOT NULL CHECK (status IN ('received', 'processing', 'completed', 'failed', 'access_denied')),
		error_message             TEXT,
		error_stage               TEXT,
		received_at               TEXT NOT NULL,
		completed_at              TEXT,
		agent_processing_time_ms  INTEGER NOT NULL DEFAULT 0,
		total_processing_time_ms  INTEGER NOT NULL DEFAULT 0,
		agent_response_success    INTEGER NOT NULL DEFAULT 0,
		channel_send_success      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS message_traces_instance_message ON message_traces(instance_name, message_id)`,
	`CREATE INDEX IF NOT EXISTS message_traces_session ON message_traces(session_name)`,
	`CREATE INDEX IF NOT EXISTS message_traces_sender_phone ON message_traces(sender_phone)`,
	`CREATE INDEX IF NOT EXISTS message_traces_received_at ON message_traces(received_at)`,
	`CREATE INDEX IF NOT EXISTS message_traces_status ON message_traces(status)`,
	`CREATE TABLE IF NOT EXISTS trace_payloads (
		id                       TEXT PRIMARY KEY,
		trace_id                 TEXT NOT NULL REFERENCES message_traces(trace_id) ON DELETE CASCADE,
		stage                    TEXT NOT NULL CHECK (stage IN ('webhook_received', 'agent_request', 'agent_response', 'outbound_sent')),
		payload_type             TEXT NOT NULL,
		timestamp                TEXT NOT NULL,
		status_code              INTEGER,
		payload_size_original    INTEGER NOT NULL DEFAULT 0,
		payload_size_compressed  INTEGER NOT NULL DEFAULT 0,
		compression_ratio        REAL NOT NULL DEFAULT 0,
		contains_media           INTEGER NOT NULL DEFAULT 0,
		contains_base64          INTEGER NOT NULL DEFAULT 0,
		payload                  BLOB NOT NULL,
		UNIQUE (trace_id, stage)
	)`,
	`CREATE INDEX IF NOT EXISTS trace_payloads_trace_id ON trace_payloads(trace_id)`,
}

// Stores wires every sqlite-backed store behind the store.Stores container.
func Stores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Instances: NewInstanceStore(db),
		Users:     NewUserStore(db),
		Access:    NewAccessRuleStore(db),
		Traces:    NewTraceStore(db),
	}
}

// timeStr formats t for storage; SQLite has no native timestamp type, so
// every backend in this package stores RFC3339 UTC text with a fixed
// nine-digit fraction and sorts on it lexicographically, which is
// order-preserving for a fixed-width format.
func timeStr(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTimeStr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeStr(t)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func marshalCreds(creds map[string]string) (string, error) {
	if creds == nil {
		creds = map[string]string{}
	}
	raw, err := json.Marshal(creds)
	return string(raw), err
}

func unmarshalCreds(raw string) (map[string]string, error) {
	creds := map[string]string{}
	if raw == "" {
		return creds, nil
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func marshalExtra(extra map[string]string) (any, error) {
	if extra == nil {
		return nil, nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalExtra(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	extra := map[string]string{}
	if err := json.Unmarshal([]byte(raw.String), &extra); err != nil {
		return nil, err
	}
	return extra, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}
