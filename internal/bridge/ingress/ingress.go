// Package ingress runs the bridge's long-poll event intake: it drives the
// "letta" core user's /sync cursor, applies the dedupe/self/historical/
// self-loop filters, and hands anything left to the Router. It is the
// second of the two top-level concurrent tasks alongside the sync loop,
// each owning its own cursor.
package ingress

import (
	"context"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/contextualize"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/router"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// DefaultTimeout is the long-poll timeout used for every /sync call after
// the first.
const DefaultTimeout = 5 * time.Second

// Event-content keys an inter-agent message carries.
const (
	metaFromAgentID   = "m.letta.from_agent_id"
	metaFromAgentName = "m.letta.from_agent_name"
	metaType          = "m.letta.type"
	metaTrackingID    = "m.letta.tracking_id"
	metaHistorical    = "m.letta_historical"
)

// Submitter is the subset of *router.Router ingress depends on, so it can be
// substituted with a recording fake in tests.
type Submitter interface {
	Submit(ctx context.Context, ev router.Event) error
}

// Ingress long-polls Matrix as the shared "letta" core user and forwards
// non-filtered timeline events to a Router.
type Ingress struct {
	pool        *matrix.Pool
	lettaUserID string
	store       *store.Store
	router      Submitter
	metrics     *metrics.Registry
	timeout     time.Duration

	// startedAt is recorded once, at Run's first call, and used to discard
	// any event timestamped before the process came up.
	startedAt time.Time
}

// Config configures an Ingress.
type Config struct {
	Pool        *matrix.Pool
	LettaUserID string
	Store       *store.Store
	Router      Submitter
	Metrics     *metrics.Registry
	// Timeout is the long-poll duration passed to each /sync call.
	// Zero uses DefaultTimeout.
	Timeout time.Duration
}

// New builds an Ingress.
func New(cfg Config) *Ingress {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Ingress{
		pool:        cfg.Pool,
		lettaUserID: cfg.LettaUserID,
		store:       cfg.Store,
		router:      cfg.Router,
		metrics:     cfg.Metrics,
		timeout:     timeout,
	}
}

// Run long-polls until ctx is cancelled. A transport error backs off briefly
// and retries with the same since-cursor rather than tearing down the loop;
// the cursor is only advanced past a batch once it has been fully processed,
// so a crash mid-batch re-delivers (into a dedupe store that tolerates it)
// rather than silently skipping events.
func (i *Ingress) Run(ctx context.Context) error {
	i.startedAt = time.Now()
	slog.Info("ingress: starting", "identity", i.lettaUserID, "started_at", i.startedAt)
	defer slog.Info("ingress: stopped")

	since, err := i.store.GetSyncToken(ctx, i.lettaUserID)
	if err != nil {
		return err
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		resp, err := i.syncOnce(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("ingress: sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for roomID, joined := range resp.Rooms.Join {
			for _, evt := range joined.Timeline.Events {
				// SyncRequest (unlike DefaultSyncer) never stamps RoomID on
				// timeline events — the room is only known from the map key
				// they arrived under — so we fill it in ourselves.
				evt.RoomID = roomID
				i.process(ctx, evt)
			}
		}

		since = resp.NextBatch
		if err := i.store.SetSyncToken(ctx, i.lettaUserID, since); err != nil {
			slog.Error("ingress: failed to persist sync token", "error", err)
		}
	}
}

func (i *Ingress) syncOnce(ctx context.Context, since string) (*mautrix.RespSync, error) {
	var out *mautrix.RespSync
	err := i.pool.WithRelogin(ctx, i.lettaUserID, func(c *matrix.Client) error {
		resp, syncErr := c.Sync(ctx, since, i.timeout)
		if syncErr != nil {
			return syncErr
		}
		out = resp
		return nil
	})
	return out, err
}

func (i *Ingress) process(ctx context.Context, evt *event.Event) {
	if evt.Type != event.EventMessage {
		return
	}

	// Filter 1 (the only atomic gate): dedupe by event ID.
	dup, err := i.store.IsDuplicateEvent(ctx, evt.ID.String(), evt.RoomID.String())
	if err != nil {
		slog.Error("ingress: dedupe check failed", "event_id", evt.ID, "error", err)
		return
	}
	if dup {
		return
	}

	// Filter 2: never re-process our own relayed messages.
	if evt.Sender == id.UserID(i.lettaUserID) {
		return
	}

	// Filter 3: a message explicitly marked as replayed history.
	if historical, _ := evt.Content.Raw[metaHistorical].(bool); historical {
		return
	}

	// Filter 4: never route an agent's own reply back into the Letta call
	// that produced it — the router's replyAsAgent posts each reply under the
	// agent's own identity, so the reply comes back through /sync with the
	// agent as sender.
	mapping, err := i.store.GetMappingByRoom(ctx, evt.RoomID.String())
	if err == nil && mapping.MatrixUserID == evt.Sender.String() {
		return
	}

	if evt.Timestamp < i.startedAt.UnixMilli() {
		slog.Debug("ingress: discarding event older than process start",
			"event_id", evt.ID, "event_ts", evt.Timestamp, "started_at", i.startedAt.UnixMilli())
		return
	}

	// DefaultSyncer normally parses event content before dispatch; since the
	// raw /sync path bypasses it, parse here or AsMessage returns nothing.
	_ = evt.Content.ParseRaw(evt.Type)
	msg := evt.Content.AsMessage()
	body := ""
	if msg != nil {
		body = msg.Body
	}

	meta := contextualize.InterAgentMeta{
		FromAgentID:   stringField(evt.Content.Raw, metaFromAgentID),
		FromAgentName: stringField(evt.Content.Raw, metaFromAgentName),
		Type:          stringField(evt.Content.Raw, metaType),
		TrackingID:    stringField(evt.Content.Raw, metaTrackingID),
	}

	if err := i.router.Submit(ctx, router.Event{
		RoomID:  evt.RoomID.String(),
		Sender:  evt.Sender.String(),
		Body:    body,
		EventID: evt.ID.String(),
		Meta:    meta,
	}); err != nil {
		slog.Error("ingress: failed to submit event to router", "event_id", evt.ID, "error", err)
		if i.metrics != nil {
			i.metrics.Errors.WithLabelValues("ingress").Inc()
		}
	}
}

func stringField(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	s, _ := raw[key].(string)
	return s
}
