package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// AccessRuleStore is the SQLite-backed store.AccessRuleStore.
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
			return store.AccessRule{}, fmt.Errorf("sqlite: new rule id: %w", err)
		}
		rule.ID = id.String()
	}
	now := time.Now()

	const q = `
		INSERT INTO access_rules (id, instance_name, phone_number, rule_type, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`

	_, err := s.db.ExecContext(ctx, q, rule.ID, nullIfEmpty(rule.InstanceName), rule.PhoneNumber, string(rule.RuleType), timeStr(now), timeStr(now))
	if err != nil {
		return store.AccessRule{}, fmt.Errorf("sqlite: create rule: %w", err)
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return rule, nil
}

func (s *AccessRuleStore) ListRules(ctx context.Context, instanceName string) ([]store.AccessRule, error) {
	const q = `
		SELECT id, coalesce(instance_name, ''), phone_number, rule_type, created_at, updated_at
		FROM access_rules WHERE (? = '' AND instance_name IS NULL) OR instance_name = ?
		ORDER BY created_at DESC`
	return s.queryRules(ctx, q, instanceName, instanceName)
}

// ListCandidates returns instance-scoped rules for instanceName plus every
// global rule, the candidate set §4.4 evaluates precedence over.
func (s *AccessRuleStore) ListCandidates(ctx context.Context, instanceName string) ([]store.AccessRule, error) {
	const q = `
		SELECT id, coalesce(instance_name, ''), phone_number, rule_type, created_at, updated_at
		FROM access_rules WHERE instance_name = ? OR instance_name IS NULL`
	return s.queryRules(ctx, q, instanceName)
}

func (s *AccessRuleStore) queryRules(ctx context.Context, q string, args ...any) ([]store.AccessRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query rules: %w", err)
	}
	defer rows.Close()

	var out []store.AccessRule
	for rows.Next() {
		var r store.AccessRule
		var ruleType, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.InstanceName, &r.PhoneNumber, &ruleType, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan rule: %w", err)
		}
		r.RuleType = store.RuleType(ruleType)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AccessRuleStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrRuleNotFound
	}
	return nil
}
