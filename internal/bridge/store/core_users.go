package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CoreUser is one of the bridge's own Matrix identities (admin, letta) that
// is not derived from any Letta agent.
type CoreUser struct {
	Role          string
	MatrixUserID  string
	PasswordEnc   []byte
}

func (s *Store) GetCoreUser(ctx context.Context, role string) (*CoreUser, error) {
	cu := &CoreUser{}
	err := s.db.QueryRowContext(ctx, `
		SELECT role, matrix_user_id, password_enc FROM core_users WHERE role = ?
	`, role).Scan(&cu.Role, &cu.MatrixUserID, &cu.PasswordEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get core user %s: %w", role, err)
	}
	return cu, nil
}

func (s *Store) UpsertCoreUser(ctx context.Context, cu *CoreUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_users (role, matrix_user_id, password_enc) VALUES (?, ?, ?)
		ON CONFLICT(role) DO UPDATE SET matrix_user_id = excluded.matrix_user_id
	`, cu.Role, cu.MatrixUserID, cu.PasswordEnc)
	if err != nil {
		return fmt.Errorf("upsert core user %s: %w", cu.Role, err)
	}
	return nil
}
