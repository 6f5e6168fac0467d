// Package pg is the PostgreSQL backend for the Config Store (C1), used in
// multi-tenant deployments per spec.md §6. It talks to the database through
// database/sql with pgx/v5's stdlib driver — no ORM.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// Open connects to Postgres using dsn (e.g. AUTOMAGIK_OMNI_DATABASE_URL) and
// verifies connectivity with a bounded ping, mirroring the gateway's
// connection-setup convention in its store factory.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return db, nil
}

func marshalCreds(creds map[string]string) ([]byte, error) {
	if creds == nil {
		creds = map[string]string{}
	}
	return json.Marshal(creds)
}

func unmarshalCreds(raw []byte) (map[string]string, error) {
	creds := map[string]string{}
	if len(raw) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func marshalExtra(extra map[string]string) ([]byte, error) {
	if extra == nil {
		return nil, nil
	}
	return json.Marshal(extra)
}

func unmarshalExtra(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	extra := map[string]string{}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, err
	}
	return extra, nil
}

// Stores wires every pg-backed store behind the store.Stores container.
func Stores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Instances: NewInstanceStore(db),
		Users:     NewUserStore(db),
		Access:    NewAccessRuleStore(db),
		Traces:    NewTraceStore(db),
	}
}
