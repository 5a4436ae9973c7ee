package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetSyncToken retrieves the last saved /sync next_batch token for a Matrix
// user ID. Returns ("", nil) when no token has been saved yet (first run).
func (s *Store) GetSyncToken(ctx context.Context, userID string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_state WHERE user_id = ? AND key = 'next_batch'
	`, userID).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync token: %w", err)
	}
	return value, nil
}

// SetSyncToken persists the /sync next_batch token so Event Ingress resumes
// from the correct position after a restart instead of replaying history.
func (s *Store) SetSyncToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, key, value) VALUES (?, 'next_batch', ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID, token)
	if err != nil {
		return fmt.Errorf("set sync token: %w", err)
	}
	return nil
}
