package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// GetSpace returns the persisted Letta Agents space ID, or ErrNotFound if
// the space has not been created yet.
func (s *Store) GetSpace(ctx context.Context) (string, error) {
	var spaceID string
	err := s.db.QueryRowContext(ctx, "SELECT space_id FROM space_config WHERE id = 1").Scan(&spaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get space: %w", err)
	}
	return spaceID, nil
}

// SetSpace persists the Letta Agents space ID. It is a singleton row: the
// space is created at most once and its ID never changes afterward.
func (s *Store) SetSpace(ctx context.Context, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_config (id, space_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET space_id = excluded.space_id
	`, spaceID)
	if err != nil {
		return fmt.Errorf("set space: %w", err)
	}
	return nil
}
