// Package audit provides the audit room notification subsystem.
//
// When configured with a Matrix room ID (MATRIX_AUDIT_ROOM), the bridge posts
// concise human-readable summaries of major provisioning and routing events
// to that room so operators can monitor activity without tailing the SQLite
// audit log.
//
// Supported event types (Event.Kind):
//   - KindAgentProvisioned, KindAgentRenamed, KindRoomCreated, KindAgentOrphaned
//   - KindDriftFixed, KindDriftInvalidated
//   - KindRouteDropped
//   - KindError
//
// All events include the originating trace ID so operators can correlate a
// notice with the matching row in the SQLite audit log.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// Kind is a machine-readable event category.
type Kind string

const (
	// KindAgentProvisioned fires when a new Letta agent gets its first Matrix
	// identity and room.
	KindAgentProvisioned Kind = "agent.provisioned"
	// KindAgentRenamed fires when an agent's Letta name changed and the
	// reconciler renamed its room to match.
	KindAgentRenamed Kind = "agent.renamed"
	// KindRoomCreated fires when a per-agent chat room is created.
	KindRoomCreated Kind = "room.created"
	// KindAgentOrphaned fires when a mapped agent no longer appears in the
	// Letta roster.
	KindAgentOrphaned Kind = "agent.orphaned"
	// KindDriftFixed fires when the drift healer relinks a mapping to another
	// room, named for the agent, that the agent is actually joined to.
	KindDriftFixed Kind = "drift.fixed"
	// KindDriftInvalidated fires when the healer can't find any candidate
	// room and clears the mapping's room assignment instead.
	KindDriftInvalidated Kind = "drift.invalidated"
	// KindRouteDropped fires when the router permanently fails to deliver an
	// inbound message to Letta or relay its reply back to Matrix.
	KindRouteDropped Kind = "route.dropped"
	KindError        Kind = "error"
)

// Event carries the data that the audit notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Actor is the Matrix user ID that triggered the event.
	Actor string
	// Target is the primary resource affected (agent name or agent ID).
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification back to the SQLite audit record.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit room notifications for major control-plane events.
type Notifier interface {
	// Notify posts an audit event. Implementations MUST NOT block the caller
	// for longer than a short timeout; send failures should be logged, not
	// propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the audit room.
// Errors are logged at WARN level, never returned; the send runs
// synchronously on the caller's goroutine.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// AuditWriter is the subset of the state store the StoreNotifier persists
// through, matching store.WriteAudit.
type AuditWriter interface {
	WriteAudit(ctx context.Context, traceID, actorMXID, action, target, result string, payload store.AuditPayload, errorMsg string) error
}

// StoreNotifier records every audit event as a row in the SQLite audit log,
// the durable counterpart to the Matrix room notices.
type StoreNotifier struct {
	store AuditWriter
}

// NewStoreNotifier creates a StoreNotifier persisting through w.
func NewStoreNotifier(w AuditWriter) *StoreNotifier {
	return &StoreNotifier{store: w}
}

// Notify writes evt to the audit log. Failures are logged, never propagated.
func (n *StoreNotifier) Notify(ctx context.Context, evt Event) {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	result := "ok"
	var errMsg string
	if evt.Kind == KindError || evt.Kind == KindRouteDropped || evt.Kind == KindDriftInvalidated {
		result = "error"
		errMsg = evt.Message
	}
	if err := n.store.WriteAudit(ctx, tid, evt.Actor, string(evt.Kind), evt.Target, result, store.AuditPayload{"message": evt.Message}, errMsg); err != nil {
		slog.Warn("audit notifier: failed to write audit row", "kind", evt.Kind, "err", err)
	}
}

// Multi fans one event out to several notifiers in order.
type Multi []Notifier

// Notify delivers evt to every member.
func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}

// Noop is a no-op Notifier used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindAgentProvisioned:
		return "🟢"
	case KindAgentRenamed:
		return "✏️"
	case KindRoomCreated:
		return "🏠"
	case KindAgentOrphaned:
		return "🕸️"
	case KindDriftFixed:
		return "🔧"
	case KindDriftInvalidated:
		return "⚠️"
	case KindRouteDropped:
		return "📭"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
