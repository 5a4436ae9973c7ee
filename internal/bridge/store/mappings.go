package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentMapping binds a Letta agent to its Matrix identity and room.
//
// matrix_user_id is derived once from AgentID and never changes; AgentName
// is free to drift as the operator renames the agent in Letta, and a
// mismatch against the stored value is what drives the rename-detection
// step of the Provisioner.
type AgentMapping struct {
	AgentID            string
	AgentName          string
	MatrixUserID       string
	MatrixPasswordEnc  []byte
	RoomID             sql.NullString
	RoomCreated        bool
	InvitationStatus   map[string]string
	LastSeen           sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Store) GetMapping(ctx context.Context, agentID string) (*AgentMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, agent_name, matrix_user_id, matrix_password_enc, room_id,
		       room_created, invitation_status, last_seen, created_at, updated_at
		FROM agent_mappings
		WHERE agent_id = ?
	`, agentID)
	return scanMapping(row)
}

func (s *Store) GetMappingByRoom(ctx context.Context, roomID string) (*AgentMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, agent_name, matrix_user_id, matrix_password_enc, room_id,
		       room_created, invitation_status, last_seen, created_at, updated_at
		FROM agent_mappings
		WHERE room_id = ?
	`, roomID)
	return scanMapping(row)
}

func (s *Store) ListMappings(ctx context.Context) ([]*AgentMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, agent_name, matrix_user_id, matrix_password_enc, room_id,
		       room_created, invitation_status, last_seen, created_at, updated_at
		FROM agent_mappings
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []*AgentMapping
	for rows.Next() {
		m, err := scanMappingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMapping creates a mapping if it does not exist, or updates the
// mutable fields (name, room, invitation status, last_seen) if it does. The
// matrix_user_id and matrix_password_enc are only ever written on creation:
// identity, once derived, is immutable.
func (s *Store) UpsertMapping(ctx context.Context, m *AgentMapping) error {
	invJSON, err := json.Marshal(m.InvitationStatus)
	if err != nil {
		return fmt.Errorf("marshal invitation status: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_mappings
			(agent_id, agent_name, matrix_user_id, matrix_password_enc, room_id,
			 room_created, invitation_status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_name        = excluded.agent_name,
			room_id           = excluded.room_id,
			room_created      = excluded.room_created,
			invitation_status = excluded.invitation_status,
			last_seen         = excluded.last_seen,
			updated_at        = excluded.updated_at
	`, m.AgentID, m.AgentName, m.MatrixUserID, m.MatrixPasswordEnc, m.RoomID,
		boolToInt(m.RoomCreated), string(invJSON), m.LastSeen, now, now)
	if err != nil {
		return fmt.Errorf("upsert mapping %s: %w", m.AgentID, err)
	}
	return nil
}

func (s *Store) UpdateMappingRoom(ctx context.Context, agentID, roomID string, created bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET room_id = ?, room_created = ?, updated_at = ?
		WHERE agent_id = ?
	`, roomID, boolToInt(created), time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("update mapping room: %w", err)
	}
	return requireRowsAffected(res, agentID)
}

func (s *Store) UpdateMappingName(ctx context.Context, agentID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET agent_name = ?, updated_at = ? WHERE agent_id = ?
	`, name, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("update mapping name: %w", err)
	}
	return requireRowsAffected(res, agentID)
}

func (s *Store) UpdateMappingLastSeen(ctx context.Context, agentID string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET last_seen = ?, updated_at = ? WHERE agent_id = ?
	`, now, now, agentID)
	if err != nil {
		return fmt.Errorf("update mapping last seen: %w", err)
	}
	return requireRowsAffected(res, agentID)
}

func (s *Store) UpdateInvitationStatus(ctx context.Context, agentID string, status map[string]string) error {
	invJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal invitation status: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings SET invitation_status = ?, updated_at = ? WHERE agent_id = ?
	`, string(invJSON), time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("update invitation status: %w", err)
	}
	return requireRowsAffected(res, agentID)
}

func (s *Store) DeleteMapping(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agent_mappings WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return requireRowsAffected(res, agentID)
}

// MappingCount returns the number of known agent mappings.
func (s *Store) MappingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_mappings").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row *sql.Row) (*AgentMapping, error) {
	return scanMappingRows(row)
}

func scanMappingRows(row rowScanner) (*AgentMapping, error) {
	m := &AgentMapping{}
	var roomCreated int
	var invJSON string
	err := row.Scan(
		&m.AgentID, &m.AgentName, &m.MatrixUserID, &m.MatrixPasswordEnc, &m.RoomID,
		&roomCreated, &invJSON, &m.LastSeen, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mapping: %w", err)
	}
	m.RoomCreated = roomCreated != 0
	m.InvitationStatus = map[string]string{}
	if invJSON != "" {
		if err := json.Unmarshal([]byte(invJSON), &m.InvitationStatus); err != nil {
			return nil, fmt.Errorf("unmarshal invitation status: %w", err)
		}
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowsAffected(res sql.Result, agentID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return nil
}
