// Package router resolves inbound Matrix timeline events to their owning
// Letta agent, forwards them to Letta, and posts the reply back as the
// agent's own Matrix identity.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/audit"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/contextualize"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/errtype"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// DefaultWorkers is the default bound on concurrently in-flight events.
const DefaultWorkers = 16

// Event is one inbound Matrix timeline event, already past Ingress's
// dedupe/self-filter/historical/self-loop checks.
type Event struct {
	RoomID  string
	Sender  string
	Body    string
	EventID string
	Meta    contextualize.InterAgentMeta
}

// Router forwards Events to Letta and replies as the owning agent.
//
// Backpressure: Submit acquires a weighted semaphore slot before spawning
// the per-event goroutine, so a caller (Event Ingress) blocks on Submit
// once as many events as New's workers count are already in flight, rather
// than buffering an unbounded backlog in memory.
type Router struct {
	store    *store.Store
	letta    *letta.Client
	pool     *matrix.Pool
	metrics  *metrics.Registry
	notifier audit.Notifier
	sem      *semaphore.Weighted

	agentLocksMu sync.Mutex
	agentLocks   map[string]*sync.Mutex
}

// New creates a Router bounded to the given number of concurrent workers.
// workers <= 0 uses DefaultWorkers. notifier may be nil, in which case a
// Noop notifier is used.
func New(st *store.Store, lettaClient *letta.Client, pool *matrix.Pool, reg *metrics.Registry, notifier audit.Notifier, workers int) *Router {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if notifier == nil {
		notifier = audit.Noop{}
	}
	return &Router{
		store:      st,
		letta:      lettaClient,
		pool:       pool,
		metrics:    reg,
		notifier:   notifier,
		sem:        semaphore.NewWeighted(int64(workers)),
		agentLocks: make(map[string]*sync.Mutex),
	}
}

// Submit blocks until a worker slot is free (or ctx is done), then handles
// the event in its own goroutine. It returns once the event has been
// accepted for processing, not once processing completes.
func (r *Router) Submit(ctx context.Context, ev Event) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("router: acquire worker slot: %w", err)
	}
	go func() {
		defer r.sem.Release(1)
		r.handle(context.Background(), ev)
	}()
	return nil
}

func (r *Router) handle(ctx context.Context, ev Event) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())

	// One bad event must never take the worker goroutine (and with it the
	// process) down.
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("router: event handler panicked",
				"room_id", ev.RoomID, "event_id", ev.EventID,
				"panic", rec, "stack", string(debug.Stack()))
			r.metrics.Errors.WithLabelValues("router_panic").Inc()
		}
	}()

	mapping, err := r.store.GetMappingByRoom(ctx, ev.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("router: no agent mapping for room, dropping event",
			"room_id", ev.RoomID, "event_id", ev.EventID)
		return
	}
	if err != nil {
		slog.Error("router: failed to load mapping", "room_id", ev.RoomID, "error", err)
		r.metrics.Errors.WithLabelValues("router").Inc()
		return
	}

	body := contextualize.Rewrite(ev.Body, ev.Meta)

	unlock := r.lockAgent(mapping.AgentID)
	defer unlock()

	reply, err := r.letta.SendMessage(ctx, mapping.AgentID, body)
	if err != nil {
		slog.Error("router: letta send_message failed", "agent_id", mapping.AgentID, "error", err)
		r.metrics.Errors.WithLabelValues("letta").Inc()
		r.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindRouteDropped,
			Target:  mapping.AgentID,
			Message: fmt.Sprintf("letta send_message failed: %v", err),
		})
		return
	}

	if err := r.replyAsAgent(ctx, mapping.MatrixUserID, ev.RoomID, reply); err != nil {
		// An Auth failure means the agent's own identity is broken; that is
		// counted separately because it needs operator attention, while
		// other categories are ordinary delivery failures.
		component := "matrix_reply"
		if errtype.Is(err, errtype.Auth) {
			component = "matrix_auth"
		}
		slog.Error("router: failed to post agent reply",
			"agent_id", mapping.AgentID, "room_id", ev.RoomID, "category", component, "error", err)
		r.metrics.Errors.WithLabelValues(component).Inc()
		r.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindRouteDropped,
			Target:  mapping.AgentID,
			Message: fmt.Sprintf("failed to relay reply to %s: %v", ev.RoomID, err),
		})
	}
}

// replyAsAgent posts reply into roomID under the agent's own identity, with
// exactly one relogin attempt on auth failure and no fallback to any other
// identity on a second failure. Errors come back category-tagged by the
// pool and client, so callers dispatch with errtype.Is.
func (r *Router) replyAsAgent(ctx context.Context, mxid, roomID, reply string) error {
	txnID := uuid.NewString()
	return r.pool.WithRelogin(ctx, mxid, func(c *matrix.Client) error {
		_, sendErr := c.SendMessage(ctx, id.RoomID(roomID), txnID, reply)
		return sendErr
	})
}

func (r *Router) lockAgent(agentID string) (unlock func()) {
	r.agentLocksMu.Lock()
	mu, ok := r.agentLocks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		r.agentLocks[agentID] = mu
	}
	r.agentLocksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
