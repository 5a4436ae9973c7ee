package store

import (
	"context"
	"fmt"
	"time"
)

// IsDuplicateEvent atomically records eventID as processed and reports
// whether it had already been seen. The uniqueness constraint on
// processed_events.event_id is what makes this atomic: two goroutines racing
// on the same event will have exactly one INSERT succeed.
func (s *Store) IsDuplicateEvent(ctx context.Context, eventID, roomID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, room_id, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, eventID, roomID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record processed event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows == 0, nil
}

// VacuumEvents deletes processed-event records older than ttl, bounding the
// dedupe table's growth. It does not need to run often; duplicates can only
// occur within a sync reconnect window, which is seconds, not days.
func (s *Store) VacuumEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, "DELETE FROM processed_events WHERE processed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("vacuum events: %w", err)
	}
	return res.RowsAffected()
}

// EventCount returns the number of processed-event records currently held,
// surfaced on the health endpoint as dedupe_events.
func (s *Store) EventCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}
