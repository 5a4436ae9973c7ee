// Package syncloop drives the bridge's single interval-triggered background
// task: each tick reconciles the Letta agent roster against Matrix state,
// then heals any room-identity drift, then records metrics.
package syncloop

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/drift"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/provisioning"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// MinInterval is the floor on the tick interval. The historical 0.5s value
// caused a login storm (~200/s) that pinned a homeserver at 76% CPU; any
// configured interval below this is clamped up to it.
const MinInterval = 10 * time.Second

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 60 * time.Second

// DefaultEventTTL bounds how long a processed_events row is kept before
// VacuumEvents reclaims it. Duplicates can only occur within a sync
// reconnect window, which is seconds, not days, so a generous multi-day
// default costs nothing and gives plenty of headroom.
const DefaultEventTTL = 72 * time.Hour

// Loop owns the Provisioner/Drift Healer tick cadence.
type Loop struct {
	interval   time.Duration
	eventTTL   time.Duration
	letta      *letta.Client
	reconciler *provisioning.Reconciler
	healer     *drift.Healer
	store      *store.Store
	metrics    *metrics.Registry
	coreUsers  []id.UserID
}

// Config configures a Loop.
type Config struct {
	Interval   time.Duration
	Letta      *letta.Client
	Reconciler *provisioning.Reconciler
	Healer     *drift.Healer
	Store      *store.Store
	Metrics    *metrics.Registry
	// CoreUsers is invited into every agent room alongside the agent itself.
	CoreUsers []id.UserID
	// EventTTL bounds the dedupe table; zero uses DefaultEventTTL.
	EventTTL time.Duration
}

// New builds a Loop, clamping Interval to [MinInterval, ...) and defaulting
// to DefaultInterval when unset.
func New(cfg Config) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		slog.Warn("syncloop: configured interval below minimum, clamping",
			"configured", interval, "minimum", MinInterval)
		interval = MinInterval
	}
	eventTTL := cfg.EventTTL
	if eventTTL <= 0 {
		eventTTL = DefaultEventTTL
	}
	return &Loop{
		interval:   interval,
		eventTTL:   eventTTL,
		letta:      cfg.Letta,
		reconciler: cfg.Reconciler,
		healer:     cfg.Healer,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		coreUsers:  cfg.CoreUsers,
	}
}

// Interval returns the effective tick interval after clamping.
func (l *Loop) Interval() time.Duration { return l.interval }

// Run blocks, ticking at the configured interval, until ctx is cancelled.
// The in-flight tick always completes before Run returns, so a cancellation
// mid-tick does not leave the store in a partially-updated state.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("syncloop: starting", "interval", l.interval)
	defer slog.Info("syncloop: stopped")

	l.tick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	// The loop itself never dies: a panic inside one tick is logged and
	// counted, and the next tick proceeds.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("syncloop: tick panicked",
				"trace", traceID, "panic", r, "stack", string(debug.Stack()))
			l.incrErrors()
		}
	}()

	slog.Info("syncloop: tick starting", "trace", traceID)

	spaceID, err := l.reconciler.EnsureSpace(ctx)
	if err != nil {
		slog.Error("syncloop: failed to ensure space", "error", err)
		l.incrErrors()
		return
	}

	agents, err := l.letta.ListAgents(ctx)
	if err != nil {
		slog.Error("syncloop: failed to list Letta agents", "error", err)
		l.incrErrors()
		return
	}
	if l.metrics != nil {
		l.metrics.AgentsSeen.Add(float64(len(agents)))
	}

	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		seen[a.ID] = true
		_, err := l.reconciler.ReconcileAgent(ctx, provisioning.AgentInfo{ID: a.ID, Name: a.Name}, spaceID, l.coreUsers)
		if err != nil {
			slog.Error("syncloop: failed to reconcile agent", "agent_id", a.ID, "error", err)
			l.incrErrors()
			continue
		}
	}

	if _, err := l.reconciler.ReportOrphans(ctx, seen); err != nil {
		slog.Error("syncloop: failed to report orphans", "error", err)
		l.incrErrors()
	}

	result, err := l.healer.Heal(ctx)
	if err != nil {
		slog.Error("syncloop: drift heal failed", "error", err)
		l.incrErrors()
	} else if l.metrics != nil {
		l.metrics.DriftFixes.Add(float64(result.Fixed + result.Invalidated))
	}

	if removed, err := l.store.VacuumEvents(ctx, l.eventTTL); err != nil {
		slog.Error("syncloop: vacuum events failed", "error", err)
		l.incrErrors()
	} else if removed > 0 {
		slog.Debug("syncloop: vacuumed processed events", "removed", removed, "ttl", l.eventTTL)
	}

	slog.Info("syncloop: tick complete",
		"trace", traceID, "agents", len(agents), "duration", time.Since(start),
		"drift_fixed", result.Fixed, "drift_invalidated", result.Invalidated)
}

func (l *Loop) incrErrors() {
	if l.metrics != nil {
		l.metrics.Errors.WithLabelValues("syncloop").Inc()
	}
}

// Tick runs a single reconciliation pass synchronously, for tests and for
// an operator-triggered manual reconcile.
func (l *Loop) Tick(ctx context.Context) {
	l.tick(ctx)
}
