// Package app wires every bridge component — store, Matrix identity pool,
// Letta client, Provisioner/Reconciler, Sync Loop, Drift Healer, Router, and
// Event Ingress — into a single runnable process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/common/redact"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/audit"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/drift"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/ingress"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/provisioning"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/router"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/syncloop"
)

// CoreUserConfig describes one shared Matrix identity the bridge logs in as.
type CoreUserConfig struct {
	Role     string
	Username string
	Password string
}

// Config configures the bridge application.
type Config struct {
	DatabasePath string
	MasterKey    []byte

	// Matrix configures the Provisioner's registration strategy and the
	// admin identity used for space/room administration.
	Matrix provisioning.Config

	LettaBaseURL string
	LettaToken   string

	// CoreUsers must include exactly one entry with Role "letta" — that
	// identity drives Event Ingress's /sync loop. Any others are invited
	// into every agent room alongside it (e.g. an operator identity).
	CoreUsers []CoreUserConfig

	SyncInterval  time.Duration
	EventTTL      time.Duration
	RouterWorkers int

	// HTTPAddr, when non-empty, starts the /health, /status, /metrics server.
	HTTPAddr string
	// AuditRoomID, when non-empty, posts provisioning/drift/routing
	// notices to this Matrix room as the admin identity.
	AuditRoomID string
}

// App owns the lifecycle of every wired component.
type App struct {
	cfg Config

	store   *store.Store
	pool    *matrix.Pool
	letta   *letta.Client
	prov    *provisioning.Provisioner
	recon   *provisioning.Reconciler
	healer  *drift.Healer
	router  *router.Router
	ingress *ingress.Ingress
	loop    *syncloop.Loop
	metrics *metrics.Registry
	health  *HealthServer

	lettaUserID string

	cancel context.CancelFunc
}

// New builds every component of the bridge — including the one-time space
// and core-user provisioning steps — but starts no background work; call
// Run for that.
func New(cfg Config) (*App, error) {
	slog.Info("app: config loaded", "config", redact.Map(map[string]any{
		"database_path":       cfg.DatabasePath,
		"matrix_homeserver":   cfg.Matrix.Homeserver,
		"matrix_admin_user":   cfg.Matrix.AdminUserID,
		"admin_access_token":  cfg.Matrix.AdminAccessToken,
		"letta_base_url":      cfg.LettaBaseURL,
		"letta_token":         cfg.LettaToken,
		"http_addr":           cfg.HTTPAddr,
		"audit_room":          cfg.AuditRoomID,
	}))

	if len(cfg.CoreUsers) == 0 {
		return nil, fmt.Errorf("app: at least one core user (role \"letta\") is required")
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	// Operator-tunable knobs persisted in the config table override the
	// environment, so a deployment can retune the loop without a restart
	// losing the value.
	applyConfigOverrides(context.Background(), config.New(st), &cfg)

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	pool := matrix.NewPool(httpClient)

	// The admin identity authenticates with a long-lived access token, not
	// a password, so it is seeded directly rather than registered for
	// password-based (re-)login.
	adminClient, err := matrix.New(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.AdminUserID), cfg.Matrix.AdminAccessToken, httpClient)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: create admin client: %w", err)
	}
	pool.Seed(cfg.Matrix.AdminUserID, adminClient)

	prov, err := provisioning.New(cfg.Matrix)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: create provisioner: %w", err)
	}

	metricsReg := metrics.New()

	// Every audit event lands in the SQLite audit log; a Matrix room notice
	// is layered on top when an audit room is configured.
	notifiers := audit.Multi{audit.NewStoreNotifier(st)}
	if cfg.AuditRoomID != "" {
		notifiers = append(notifiers, audit.NewMatrixNotifier(&poolSender{pool: pool, senderUserID: cfg.Matrix.AdminUserID}, cfg.AuditRoomID))
	}
	var notifier audit.Notifier = notifiers

	recon, err := provisioning.NewReconciler(st, pool, prov, cfg.MasterKey, metricsReg, notifier)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: create reconciler: %w", err)
	}

	if _, err := recon.EnsureSpace(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("app: ensure space: %w", err)
	}

	var lettaUserID string
	// The admin identity is token-authenticated and already exists, so it
	// joins the invite list directly without an EnsureCoreUser pass.
	coreUserIDs := []id.UserID{id.UserID(cfg.Matrix.AdminUserID)}
	for _, cu := range cfg.CoreUsers {
		mxid, err := recon.EnsureCoreUser(context.Background(), provisioning.CoreUserSpec{
			Role:     cu.Role,
			Username: cu.Username,
			Password: cu.Password,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("app: ensure core user %s: %w", cu.Role, err)
		}
		if cu.Role == "letta" {
			lettaUserID = string(mxid)
		}
		coreUserIDs = append(coreUserIDs, mxid)
	}
	if lettaUserID == "" {
		st.Close()
		return nil, fmt.Errorf("app: no core user with role \"letta\" configured")
	}

	lettaClient := letta.New(cfg.LettaBaseURL, cfg.LettaToken, httpClient)
	healer := drift.New(st, pool, notifier)
	rtr := router.New(st, lettaClient, pool, metricsReg, notifier, cfg.RouterWorkers)

	ing := ingress.New(ingress.Config{
		Pool:        pool,
		LettaUserID: lettaUserID,
		Store:       st,
		Router:      rtr,
		Metrics:     metricsReg,
	})

	loop := syncloop.New(syncloop.Config{
		Interval:   cfg.SyncInterval,
		Letta:      lettaClient,
		Reconciler: recon,
		Healer:     healer,
		Store:      st,
		Metrics:    metricsReg,
		CoreUsers:  coreUserIDs,
		EventTTL:   cfg.EventTTL,
	})

	var health *HealthServer
	if cfg.HTTPAddr != "" {
		health = NewHealthServer(cfg.HTTPAddr, st)
		health.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer, promhttp.HandlerOpts{}))
		health.Handle("/audit", auditLogHandler(st))
	}

	return &App{
		cfg:         cfg,
		store:       st,
		pool:        pool,
		letta:       lettaClient,
		prov:        prov,
		recon:       recon,
		healer:      healer,
		router:      rtr,
		ingress:     ing,
		loop:        loop,
		metrics:     metricsReg,
		health:      health,
		lettaUserID: lettaUserID,
	}, nil
}

// Run starts the sync loop and event ingress goroutines, plus the health
// server if configured, and blocks until one of them returns an error or
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	slog.Info("bridge: starting", "letta_user", a.lettaUserID, "http_addr", a.cfg.HTTPAddr)
	defer slog.Info("bridge: stopped")

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return fmt.Errorf("app: start health server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop.Run(gctx) })
	g.Go(func() error { return a.ingress.Run(gctx) })

	return g.Wait()
}

// Stop cancels any in-flight Run, drains the health server (bounded by its
// own shutdown timeout), and closes the store. Safe to call even if Run was
// never started.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.health != nil {
		a.health.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("app: failed to close store", "err", err)
		}
	}
}

// applyConfigOverrides layers values from the persisted config table over
// the environment-derived config. Absent keys leave the config untouched.
func applyConfigOverrides(ctx context.Context, cfgStore config.Store, cfg *Config) {
	if v, err := cfgStore.Get(ctx, "sync_interval_seconds"); err == nil {
		if secs, convErr := strconv.Atoi(v); convErr == nil && secs > 0 {
			cfg.SyncInterval = time.Duration(secs) * time.Second
			slog.Info("app: sync interval overridden from config store", "interval", cfg.SyncInterval)
		}
	}
	if v, err := cfgStore.Get(ctx, "event_dedupe_ttl_seconds"); err == nil {
		if secs, convErr := strconv.Atoi(v); convErr == nil && secs > 0 {
			cfg.EventTTL = time.Duration(secs) * time.Second
			slog.Info("app: event dedupe TTL overridden from config store", "ttl", cfg.EventTTL)
		}
	}
}

// auditLogHandler serves the most recent audit-log rows as JSON, the HTTP
// counterpart to the Matrix audit room. A ?trace= query narrows the result
// to one correlated operation.
func auditLogHandler(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var entries []*store.AuditEntry
		var err error
		if traceID := r.URL.Query().Get("trace"); traceID != "" {
			entries, err = st.GetAuditByTrace(r.Context(), traceID)
		} else {
			entries, err = st.GetAuditLog(r.Context(), 100)
		}
		if err != nil {
			http.Error(w, "failed to read audit log", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})
}

// poolSender adapts *matrix.Pool into audit.Sender, posting every notice as
// the configured admin identity with a fresh transaction ID.
type poolSender struct {
	pool         *matrix.Pool
	senderUserID string
}

func (s *poolSender) SendNotice(roomID, message string) error {
	ctx := context.Background()
	return s.pool.WithRelogin(ctx, s.senderUserID, func(c *matrix.Client) error {
		_, err := c.SendNotice(ctx, id.RoomID(roomID), uuid.NewString(), message)
		return err
	})
}
