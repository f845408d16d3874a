package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Conditions
// and actions are stored as JSONB; every query is scoped to one shop store.
type PostgresRuleStore struct {
	db      *sql.DB
	storeID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific shop store
func NewPostgresRuleStore(db *sql.DB, storeID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:      db,
		storeID: storeID,
	}
}

const ruleColumns = `id, name, description, policy, priority, active, conditions, actions, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r          Rule
		policy     string
		conditions []byte
		actions    []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &policy, &r.Priority, &r.Active,
		&conditions, &actions, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Policy = Policy(policy)
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions of rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func encodeParts(rule *Rule) (conditions, actions []byte, err error) {
	conds := rule.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	acts := rule.Actions
	if acts == nil {
		acts = []Action{}
	}
	if conditions, err = json.Marshal(conds); err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	if actions, err = json.Marshal(acts); err != nil {
		return nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	return conditions, actions, nil
}

// uniqueViolation is the SQLSTATE of a duplicate primary key.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Add inserts a new rule into the database. A rule ID already used in the
// store, including by a concurrent insert, yields ErrRuleExists.
func (s *PostgresRuleStore) Add(rule *Rule) error {
	conditions, actions, err := encodeParts(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err = s.db.Exec(`
		INSERT INTO rules (id, store_id, name, description, policy, priority, active, conditions, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rule.ID, s.storeID, rule.Name, rule.Description, string(rule.EffectivePolicy()), rule.Priority,
		rule.Active, conditions, actions, now, now)

	if isUniqueViolation(err) {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	rule, err := scanRule(s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND store_id = $2
	`, id, s.storeID))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// List returns every rule of the store ordered by priority, then creation
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE store_id = $1
		ORDER BY priority ASC, created_at ASC, id ASC
	`)
}

// ListActive returns all active rules of the store ordered by priority, then creation
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE store_id = $1 AND active = true
		ORDER BY priority ASC, created_at ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(q string) ([]*Rule, error) {
	rows, err := s.db.Query(q, s.storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *Rule) error {
	conditions, actions, err := encodeParts(rule)
	if err != nil {
		return err
	}

	// Postgres keeps microseconds
	rule.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, description = $2, policy = $3, priority = $4, active = $5,
		    conditions = $6, actions = $7, updated_at = $8
		WHERE id = $9 AND store_id = $10
	`, rule.Name, rule.Description, string(rule.EffectivePolicy()), rule.Priority, rule.Active,
		conditions, actions, rule.UpdatedAt, rule.ID, s.storeID)

	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND store_id = $2
	`, id, s.storeID)

	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	return nil
}
