// ABOUTME: SQLite implementation for daily usage counters and historical usage
// ABOUTME: Counters live on the user row; usage_stats keeps one upserted row per user per day

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// IncrementImageUsage adds one generated image to today's counter.
func (s *SQLiteStore) IncrementImageUsage(ctx context.Context, userID string) error {
	if err := s.updateUser(ctx, "image usage",
		`UPDATE users SET daily_images_used = daily_images_used + 1 WHERE user_id = ?`, userID); err != nil {
		return err
	}
	if err := s.logUsage(ctx, userID, 0, 1); err != nil {
		return err
	}
	s.logger.Debug("incremented image usage", "user", userID)
	return nil
}

// AddTokenUsage adds tokens to today's counter.
func (s *SQLiteStore) AddTokenUsage(ctx context.Context, userID string, tokens int) error {
	if err := s.updateUser(ctx, "token usage",
		`UPDATE users SET daily_tokens_used = daily_tokens_used + ? WHERE user_id = ?`, tokens, userID); err != nil {
		return err
	}
	if err := s.logUsage(ctx, userID, tokens, 0); err != nil {
		return err
	}
	s.logger.Debug("added token usage", "user", userID, "tokens", tokens)
	return nil
}

// logUsage upserts today's historical row for the user.
func (s *SQLiteStore) logUsage(ctx context.Context, userID string, tokens, images int) error {
	query := `
		INSERT INTO usage_stats (stat_id, user_id, stat_date, tokens_used, images_used)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, stat_date) DO UPDATE SET
			tokens_used = tokens_used + excluded.tokens_used,
			images_used = images_used + excluded.images_used
	`
	_, err := s.db.ExecContext(ctx, query, uuid.NewString(), userID, localDate(s.now()), tokens, images)
	if err != nil {
		return fmt.Errorf("logging usage: %w", err)
	}
	return nil
}

// UsageHistory returns the user's daily usage for the last days days,
// newest first. Days with no activity are omitted.
func (s *SQLiteStore) UsageHistory(ctx context.Context, userID string, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = 7
	}
	since := localDate(s.now().AddDate(0, 0, -(days - 1)))

	rows, err := s.db.QueryContext(ctx, `
		SELECT stat_date, tokens_used, images_used
		FROM usage_stats
		WHERE user_id = ? AND stat_date >= ?
		ORDER BY stat_date DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.Tokens, &d.Images); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage: %w", err)
	}
	return out, nil
}
