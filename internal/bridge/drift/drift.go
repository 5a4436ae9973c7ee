// Package drift heals room-identity drift: it makes the Matrix rooms an
// agent user is actually joined to the source of truth for that agent's
// room_id, since external actors (or store corruption recovery) can leave
// the mapping store pointing at a defunct room.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/audit"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/provisioning"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// Healer checks every provisioned agent's expected room against what the
// agent is actually joined to on Matrix.
type Healer struct {
	store    *store.Store
	pool     *matrix.Pool
	notifier audit.Notifier
}

// New creates a Healer. notifier may be nil, in which case a Noop notifier
// is used.
func New(st *store.Store, pool *matrix.Pool, notifier audit.Notifier) *Healer {
	if notifier == nil {
		notifier = audit.Noop{}
	}
	return &Healer{store: st, pool: pool, notifier: notifier}
}

// Result reports what one heal pass changed.
type Result struct {
	Fixed      int
	Invalidated int
}

// Heal runs one pass over every mapping with room_created=true.
func (h *Healer) Heal(ctx context.Context) (Result, error) {
	mappings, err := h.store.ListMappings(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("drift: list mappings: %w", err)
	}

	var result Result
	for _, m := range mappings {
		if !m.RoomCreated {
			continue
		}
		if err := h.healOne(ctx, m, &result); err != nil {
			slog.Warn("drift: failed to heal mapping", "agent_id", m.AgentID, "error", err)
		}
	}
	return result, nil
}

func (h *Healer) healOne(ctx context.Context, m *store.AgentMapping, result *Result) error {
	client, err := h.pool.Get(ctx, m.MatrixUserID)
	if err != nil {
		return fmt.Errorf("get client for %s: %w", m.MatrixUserID, err)
	}

	joined, err := client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("joined rooms for %s: %w", m.MatrixUserID, err)
	}

	expectedRoomID := ""
	if m.RoomID.Valid {
		expectedRoomID = m.RoomID.String
	}

	for _, roomID := range joined {
		if roomID.String() == expectedRoomID {
			return nil // still joined to the expected room, nothing to heal
		}
	}

	candidate, err := h.findCandidateByName(ctx, client, joined, m.AgentName)
	if err != nil {
		return err
	}

	if candidate != "" {
		if err := h.store.UpdateMappingRoom(ctx, m.AgentID, candidate.String(), true); err != nil {
			return fmt.Errorf("persist healed room: %w", err)
		}
		slog.Info("drift: corrected room_id from observed Matrix state",
			"agent_id", m.AgentID, "old_room_id", expectedRoomID, "new_room_id", candidate)
		result.Fixed++
		h.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindDriftFixed,
			Target:  m.AgentName,
			Message: fmt.Sprintf("relinked from %s to %s", expectedRoomID, candidate),
		})
		return nil
	}

	if err := h.store.UpdateMappingRoom(ctx, m.AgentID, "", false); err != nil {
		return fmt.Errorf("invalidate stale room: %w", err)
	}
	slog.Warn("drift: no candidate room found, marking for re-creation",
		"agent_id", m.AgentID, "old_room_id", expectedRoomID)
	result.Invalidated++
	h.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindDriftInvalidated,
		Target:  m.AgentName,
		Message: fmt.Sprintf("no candidate room found for %s, will be re-created", expectedRoomID),
	})
	return nil
}

// findCandidateByName scans the agent's joined rooms for one whose
// m.room.name matches the expected "{agent name} - Letta Agent Chat" suffix.
func (h *Healer) findCandidateByName(ctx context.Context, client *matrix.Client, joined []id.RoomID, agentName string) (id.RoomID, error) {
	wantName := provisioning.RoomNameFor(agentName)
	for _, roomID := range joined {
		state, err := client.GetRoomState(ctx, roomID)
		if err != nil {
			continue
		}
		for _, evt := range state[event.StateRoomName] {
			content, ok := evt.Content.Parsed.(*event.RoomNameEventContent)
			if !ok || content == nil {
				continue
			}
			if content.Name == wantName || strings.HasSuffix(content.Name, provisioning.RoomNameSuffix) {
				return roomID, nil
			}
		}
	}
	return "", nil
}
