package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrRuleNotFound = errors.New("trust rule not found")

// Rule is a durable per-profile trust rule. At most one rule exists per
// (tool, scope prefix) pair; remembering a new decision for the same pair
// overwrites in place.
type Rule struct {
	ID          string    `json:"id"`
	ProfileID   string    `json:"profileId"`
	Tool        string    `json:"tool"`
	ScopePrefix string    `json:"scopePrefix,omitempty"`
	Decision    Verdict   `json:"decision"`
	Condition   string    `json:"condition,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store is the persistence layer for trust rules, rooted at a per-profile
// trust directory.
type Store interface {
	ListRules(ctx context.Context, profileID string) ([]Rule, error)
	AddRule(ctx context.Context, rule Rule) error
	UpsertRule(ctx context.Context, rule Rule) error
	Close() error
}

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the rule database under dir.
func OpenSQLiteStore(dir string) (*SQLiteStore, error) {
	path := filepath.Join(dir, "rules.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rule store %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS trust_rules (
		id           TEXT PRIMARY KEY,
		profile_id   TEXT NOT NULL,
		tool         TEXT NOT NULL,
		scope_prefix TEXT NOT NULL DEFAULT '',
		decision     TEXT NOT NULL,
		condition    TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL,
		UNIQUE (profile_id, tool, scope_prefix)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate trust_rules: %w", err)
	}
	return nil
}

// ListRules returns all rules for a profile.
func (s *SQLiteStore) ListRules(ctx context.Context, profileID string) ([]Rule, error) {
	query := `
	SELECT id, profile_id, tool, scope_prefix, decision, condition, created_at, updated_at
	FROM trust_rules
	WHERE profile_id = ?
	ORDER BY tool, scope_prefix`
	rows, err := s.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("list rules for %s: %w", profileID, err)
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var created, updated string
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.Tool, &r.ScopePrefix,
			&r.Decision, &r.Condition, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// AddRule inserts a new rule. Fails if a rule for the same
// (profile, tool, scope prefix) already exists.
func (s *SQLiteStore) AddRule(ctx context.Context, rule Rule) error {
	rule = s.stamp(rule)
	query := `
	INSERT INTO trust_rules (id, profile_id, tool, scope_prefix, decision, condition, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rule.ID, rule.ProfileID, rule.Tool, rule.ScopePrefix,
		string(rule.Decision), rule.Condition,
		rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add rule %s/%s: %w", rule.Tool, rule.ScopePrefix, err)
	}
	return nil
}

// UpsertRule inserts or overwrites the rule for (profile, tool, scope
// prefix). Last write wins; the original created_at is preserved.
func (s *SQLiteStore) UpsertRule(ctx context.Context, rule Rule) error {
	rule = s.stamp(rule)
	query := `
	INSERT INTO trust_rules (id, profile_id, tool, scope_prefix, decision, condition, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (profile_id, tool, scope_prefix) DO UPDATE SET
		decision   = excluded.decision,
		condition  = excluded.condition,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		rule.ID, rule.ProfileID, rule.Tool, rule.ScopePrefix,
		string(rule.Decision), rule.Condition,
		rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert rule %s/%s: %w", rule.Tool, rule.ScopePrefix, err)
	}
	return nil
}

func (s *SQLiteStore) stamp(rule Rule) Rule {
	now := s.clock().UTC()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	return rule
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
