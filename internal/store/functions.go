// ABOUTME: SQLite implementation for user-defined custom functions
// ABOUTME: Schemas are stored as raw JSON text and validated by the caller at use time

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CustomFunctions returns the user's functions, oldest first.
func (s *SQLiteStore) CustomFunctions(ctx context.Context, userID string) ([]*CustomFunction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT function_id, user_id, name, description, schema_json, created_at
		FROM custom_functions
		WHERE user_id = ?
		ORDER BY created_at, function_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying custom functions: %w", err)
	}
	defer rows.Close()

	var fns []*CustomFunction
	for rows.Next() {
		var (
			fn      CustomFunction
			created string
		)
		if err := rows.Scan(&fn.ID, &fn.UserID, &fn.Name, &fn.Description, &fn.SchemaJSON, &created); err != nil {
			return nil, fmt.Errorf("scanning custom function: %w", err)
		}
		fn.CreatedAt, err = time.Parse(time.RFC3339, created)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		fns = append(fns, &fn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating custom functions: %w", err)
	}
	return fns, nil
}

// AddCustomFunction stores a function. ID and CreatedAt are filled in when empty.
// The user must already exist.
func (s *SQLiteStore) AddCustomFunction(ctx context.Context, fn *CustomFunction) error {
	if fn.ID == "" {
		fn.ID = uuid.NewString()
	}
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_functions (function_id, user_id, name, description, schema_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fn.ID, fn.UserID, fn.Name, fn.Description, fn.SchemaJSON, formatTime(fn.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("adding custom function for %s: %w", fn.UserID, ErrNotFound)
		}
		return fmt.Errorf("inserting custom function: %w", err)
	}

	s.logger.Info("added custom function", "user", fn.UserID, "name", fn.Name, "id", fn.ID)
	return nil
}

// DeleteCustomFunction removes a function owned by the user.
// Returns ErrNotFound if the user has no such function.
func (s *SQLiteStore) DeleteCustomFunction(ctx context.Context, userID, functionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM custom_functions WHERE function_id = ? AND user_id = ?`, functionID, userID)
	if err != nil {
		return fmt.Errorf("deleting custom function: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted custom function", "user", userID, "id", functionID)
	return nil
}
