package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// AccessRuleStore is the Postgres-backed store.AccessRuleStore.
type AccessRuleStore struct {
	db *sql.DB
}

func NewAccessRuleStore(db *sql.DB) *AccessRuleStore {
	return &AccessRuleStore{db: db}
}

func (s *AccessRuleStore) CreateRule(ctx context.Context, rule store.AccessRule) (store.AccessRule, error) {
	if rule.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return store.AccessRule{}, fmt.Errorf("pg: new rule id: %w", err)
		}
		rule.ID = id.String()
	}

	const q = `
		INSERT INTO access_rules (id, instance_name, phone_number, rule_type, created_at, updated_at)
		VALUES ($1,$2,$3,$4, now(), now())
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, q, rule.ID, nullIfEmpty(rule.InstanceName), rule.PhoneNumber, string(rule.RuleType)).
		Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return store.AccessRule{}, fmt.Errorf("pg: create rule: %w", err)
	}
	return rule, nil
}

func (s *AccessRuleStore) ListRules(ctx context.Context, instanceName string) ([]store.AccessRule, error) {
	const q = `
		SELECT id, coalesce(instance_name, ''), phone_number, rule_type, created_at, updated_at
		FROM access_rules WHERE ($1 = '' AND instance_name IS NULL) OR instance_name = $1
		ORDER BY created_at DESC`
	return s.queryRules(ctx, q, instanceName)
}

// ListCandidates returns instance-scoped rules for instanceName plus every
// global rule, the candidate set §4.4 evaluates precedence over.
func (s *AccessRuleStore) ListCandidates(ctx context.Context, instanceName string) ([]store.AccessRule, error) {
	const q = `
		SELECT id, coalesce(instance_name, ''), phone_number, rule_type, created_at, updated_at
		FROM access_rules WHERE instance_name = $1 OR instance_name IS NULL`
	return s.queryRules(ctx, q, instanceName)
}

func (s *AccessRuleStore) queryRules(ctx context.Context, q, arg string) ([]store.AccessRule, error) {
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("pg: query rules: %w", err)
	}
	defer rows.Close()

	var out []store.AccessRule
	for rows.Next() {
		var r store.AccessRule
		var ruleType string
		if err := rows.Scan(&r.ID, &r.InstanceName, &r.PhoneNumber, &ruleType, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pg: scan rule: %w", err)
		}
		r.RuleType = store.RuleType(ruleType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AccessRuleStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pg: delete rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrRuleNotFound
	}
	return nil
}
