// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema is created on open; older databases gain new columns through idempotent migrations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/nebula-gateway/internal/plans"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Workers write concurrently; wait for the lock instead of failing.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id                  TEXT PRIMARY KEY,
			display_name             TEXT NOT NULL DEFAULT '',
			plan_name                TEXT NOT NULL DEFAULT 'free',
			current_model            TEXT NOT NULL,
			daily_images_used        INTEGER NOT NULL DEFAULT 0,
			daily_tokens_used        INTEGER NOT NULL DEFAULT 0,
			subscription_expiry_date TEXT,
			last_seen                TEXT NOT NULL,
			created_at               TEXT NOT NULL,
			system_prompt            TEXT,
			temperature              REAL NOT NULL DEFAULT 0.7,
			top_p                    REAL NOT NULL DEFAULT 1.0,
			max_tokens               INTEGER NOT NULL DEFAULT 4096,
			is_banned                INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen DESC);

		CREATE TABLE IF NOT EXISTS usage_stats (
			stat_id     TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			stat_date   TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			images_used INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (user_id) REFERENCES users(user_id),
			UNIQUE (user_id, stat_date)
		);

		CREATE TABLE IF NOT EXISTS custom_functions (
			function_id TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			name        TEXT NOT NULL,
			description TEXT NOT NULL,
			schema_json TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_custom_functions_user ON custom_functions(user_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		column string
		apply  string
	}{
		{"system_prompt", `ALTER TABLE users ADD COLUMN system_prompt TEXT`},
		{"temperature", `ALTER TABLE users ADD COLUMN temperature REAL NOT NULL DEFAULT 0.7`},
		{"top_p", `ALTER TABLE users ADD COLUMN top_p REAL NOT NULL DEFAULT 1.0`},
		{"max_tokens", `ALTER TABLE users ADD COLUMN max_tokens INTEGER NOT NULL DEFAULT 4096`},
		{"is_banned", `ALTER TABLE users ADD COLUMN is_banned INTEGER NOT NULL DEFAULT 0`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('users') WHERE name = ?`, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to users: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "users")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

const userColumns = `
	user_id, display_name, plan_name, current_model,
	daily_images_used, daily_tokens_used, subscription_expiry_date,
	last_seen, created_at, system_prompt,
	temperature, top_p, max_tokens, is_banned
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                 User
		expiry, prompt    sql.NullString
		lastSeen, created string
		banned            int
	)
	err := row.Scan(
		&u.ID, &u.DisplayName, &u.Plan, &u.Model,
		&u.ImagesUsed, &u.TokensUsed, &expiry,
		&lastSeen, &created, &prompt,
		&u.Temperature, &u.TopP, &u.MaxTokens, &banned,
	)
	if err != nil {
		return nil, err
	}

	if u.LastSeen, err = time.Parse(time.RFC3339, lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if expiry.Valid {
		t, err := time.Parse(time.RFC3339, expiry.String)
		if err != nil {
			return nil, fmt.Errorf("parsing subscription_expiry_date: %w", err)
		}
		u.SubscriptionExpiry = &t
	}
	u.SystemPrompt = prompt.String
	u.Banned = banned != 0
	return &u, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or FOREIGN KEY constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetUser retrieves a user by ID without touching counters.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// Profile returns the user, creating them on first contact.
// Daily counters reset when last_seen is on an earlier day, and an expired
// paid plan reverts to the free plan and model.
func (s *SQLiteStore) Profile(ctx context.Context, userID, displayName string) (*User, error) {
	now := s.now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name, plan_name, current_model, last_seen, created_at,
		                   temperature, top_p, max_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`,
		userID, displayName, s.opts.DefaultPlan, s.opts.DefaultModel,
		formatTime(now), formatTime(now),
		s.opts.Temperature, s.opts.TopP, s.opts.MaxTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("created user", "user", userID, "plan", s.opts.DefaultPlan)
		return s.GetUser(ctx, userID)
	}

	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if rolledOver(u.LastSeen, now) {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE users SET daily_images_used = 0, daily_tokens_used = 0 WHERE user_id = ?`, userID); err != nil {
			return nil, fmt.Errorf("resetting daily usage: %w", err)
		}
		s.logger.Info("daily limits reset", "user", userID)
	}

	if u.Plan != plans.Free && u.SubscriptionExpiry != nil && now.After(*u.SubscriptionExpiry) {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE users SET plan_name = ?, subscription_expiry_date = NULL, current_model = ?
			WHERE user_id = ?
		`, plans.Free, s.opts.FreeModel, userID); err != nil {
			return nil, fmt.Errorf("expiring subscription: %w", err)
		}
		s.logger.Info("subscription expired, reverted to free plan", "user", userID, "plan", u.Plan)
	}

	name := displayName
	if name == "" {
		name = u.DisplayName
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen = ?, display_name = ? WHERE user_id = ?`,
		formatTime(now), name, userID); err != nil {
		return nil, fmt.Errorf("updating last_seen: %w", err)
	}

	return s.GetUser(ctx, userID)
}

// ListUsers returns the most recently seen users first.
func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// updateUser runs an UPDATE against one user and maps zero rows to ErrNotFound.
func (s *SQLiteStore) updateUser(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPlan assigns a plan and its model. A nil expiry means no end date.
func (s *SQLiteStore) SetPlan(ctx context.Context, userID, plan, model string, expiry *time.Time) error {
	if !s.opts.planOK(plan) {
		return fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	err := s.updateUser(ctx, "plan",
		`UPDATE users SET plan_name = ?, current_model = ?, subscription_expiry_date = ? WHERE user_id = ?`,
		plan, model, nullTime(expiry), userID)
	if err != nil {
		return err
	}
	s.logger.Info("set plan", "user", userID, "plan", plan, "model", model)
	return nil
}

// SetModel changes the user's model.
func (s *SQLiteStore) SetModel(ctx context.Context, userID, model string) error {
	if err := s.updateUser(ctx, "model",
		`UPDATE users SET current_model = ? WHERE user_id = ?`, model, userID); err != nil {
		return err
	}
	s.logger.Debug("set model", "user", userID, "model", model)
	return nil
}

// SetSystemPrompt stores a custom system prompt. Blank clears it.
func (s *SQLiteStore) SetSystemPrompt(ctx context.Context, userID, prompt string) error {
	if err := s.updateUser(ctx, "system prompt",
		`UPDATE users SET system_prompt = ? WHERE user_id = ?`, nullString(strings.TrimSpace(prompt)), userID); err != nil {
		return err
	}
	s.logger.Debug("set system prompt", "user", userID)
	return nil
}

// SetSampling stores temperature, top_p and max_tokens together.
func (s *SQLiteStore) SetSampling(ctx context.Context, userID string, sp Sampling) error {
	if err := s.updateUser(ctx, "sampling",
		`UPDATE users SET temperature = ?, top_p = ?, max_tokens = ? WHERE user_id = ?`,
		sp.Temperature, sp.TopP, sp.MaxTokens, userID); err != nil {
		return err
	}
	s.logger.Debug("set sampling", "user", userID, "temperature", sp.Temperature, "top_p", sp.TopP)
	return nil
}

// SetBanned sets or clears the banned flag.
func (s *SQLiteStore) SetBanned(ctx context.Context, userID string, banned bool) error {
	v := 0
	if banned {
		v = 1
	}
	if err := s.updateUser(ctx, "ban status",
		`UPDATE users SET is_banned = ? WHERE user_id = ?`, v, userID); err != nil {
		return err
	}
	s.logger.Info("set ban status", "user", userID, "banned", banned)
	return nil
}
