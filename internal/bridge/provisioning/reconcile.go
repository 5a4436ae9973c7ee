package provisioning

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/common/crypto"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/audit"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// AgentInfo is the minimal view of a Letta agent the Reconciler needs. It is
// deliberately decoupled from the letta package's response types so this
// package never imports the Letta HTTP client.
type AgentInfo struct {
	ID   string
	Name string
}

// CoreUserSpec describes one of the bridge's own shared Matrix identities
// (distinct from any per-agent identity) that every agent room invites.
type CoreUserSpec struct {
	Role     string
	Username string
	Password string
}

// Metrics holds per-cycle tallies. Nothing in this package fills it: the
// Reconciler records its counts on the metrics.Registry given to NewReconciler.
type Metrics struct {
	AgentsSeen   int
	UsersCreated int
	RoomsCreated int
	Renames      int
	Errors       int
}

// Reconciler drives the per-cycle provisioning algorithm: ensure the shared
// space, ensure the core users, and bring every known Letta agent's Matrix
// user, room, and space membership in line with the current roster.
type Reconciler struct {
	store     *store.Store
	pool      *matrix.Pool
	prov      *Provisioner
	masterKey []byte
	metrics   *metrics.Registry
	notifier  audit.Notifier
}

// NewReconciler builds a Reconciler. masterKey must be exactly
// crypto.KeySize bytes; it encrypts every password persisted to the store.
// reg may be nil, in which case metrics are simply not recorded. notifier
// may be nil, in which case a Noop notifier is used.
func NewReconciler(st *store.Store, pool *matrix.Pool, prov *Provisioner, masterKey []byte, reg *metrics.Registry, notifier audit.Notifier) (*Reconciler, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, fmt.Errorf("provisioning: master key must be %d bytes, got %d", crypto.KeySize, len(masterKey))
	}
	if notifier == nil {
		notifier = audit.Noop{}
	}
	return &Reconciler{store: st, pool: pool, prov: prov, masterKey: masterKey, metrics: reg, notifier: notifier}, nil
}

func (r *Reconciler) incr(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// EnsureSpace returns the Letta Agents space, creating it on first run.
func (r *Reconciler) EnsureSpace(ctx context.Context) (id.RoomID, error) {
	existing, err := r.store.GetSpace(ctx)
	if err == nil {
		return id.RoomID(existing), nil
	}
	if err != store.ErrNotFound {
		return "", fmt.Errorf("load space: %w", err)
	}

	admin, err := r.pool.Get(ctx, r.prov.cfg.AdminUserID)
	if err != nil {
		return "", fmt.Errorf("get admin client: %w", err)
	}
	spaceID, err := admin.CreateSpace(ctx, r.prov.cfg.SpaceName, "Agents managed by the Letta Matrix bridge")
	if err != nil {
		return "", fmt.Errorf("create space: %w", err)
	}
	if err := r.store.SetSpace(ctx, spaceID.String()); err != nil {
		return "", fmt.Errorf("persist space: %w", err)
	}
	slog.Info("created Letta Agents space", "space_id", spaceID)
	return spaceID, nil
}

// EnsureCoreUser logs in (or registers, on first run) a shared identity such
// as the "letta" account that relays inbound agent messages, and registers
// its credentials with the pool so later calls can use it.
func (r *Reconciler) EnsureCoreUser(ctx context.Context, spec CoreUserSpec) (id.UserID, error) {
	mxid := id.NewUserID(spec.Username, r.prov.cfg.ServerName)

	existing, err := r.store.GetCoreUser(ctx, spec.Role)
	switch {
	case err == nil:
		r.pool.Register(string(existing.MatrixUserID), matrix.Credentials{
			Homeserver: r.prov.cfg.Homeserver,
			UserID:     existing.MatrixUserID,
			Password:   spec.Password,
		})
		return id.UserID(existing.MatrixUserID), nil
	case err == store.ErrNotFound:
		// fall through to registration
	default:
		return "", fmt.Errorf("load core user %s: %w", spec.Role, err)
	}

	account, err := r.prov.Register(ctx, spec.Username, spec.Password, spec.Role)
	if err != nil {
		return "", fmt.Errorf("register core user %s: %w", spec.Role, err)
	}
	if account.UserID == "" {
		account.UserID = mxid
	}

	passwordEnc, err := crypto.Encrypt(r.masterKey, []byte(spec.Password))
	if err != nil {
		return "", fmt.Errorf("encrypt core user password: %w", err)
	}
	if err := r.store.UpsertCoreUser(ctx, &store.CoreUser{
		Role:         spec.Role,
		MatrixUserID: string(account.UserID),
		PasswordEnc:  passwordEnc,
	}); err != nil {
		return "", fmt.Errorf("persist core user %s: %w", spec.Role, err)
	}

	r.pool.Register(string(account.UserID), matrix.Credentials{
		Homeserver: r.prov.cfg.Homeserver,
		UserID:     string(account.UserID),
		Password:   spec.Password,
	})
	slog.Info("provisioned core user", "role", spec.Role, "mxid", account.UserID)
	return account.UserID, nil
}

// ReconcileAgent ensures one agent's Matrix user, private room, and space
// membership exist and are current: load-or-create the identity, register
// it if new, detect renames, create the room if missing, bind it to the
// space, and invite the core users.
func (r *Reconciler) ReconcileAgent(ctx context.Context, agent AgentInfo, spaceID id.RoomID, coreUsers []id.UserID) (*store.AgentMapping, error) {
	mxid, err := r.prov.mxidForAgent(agent.ID)
	if err != nil {
		return nil, fmt.Errorf("derive mxid for agent %s: %w", agent.ID, err)
	}
	username, err := usernameForAgent(agent.ID)
	if err != nil {
		return nil, err
	}

	mapping, err := r.store.GetMapping(ctx, agent.ID)
	switch {
	case err == store.ErrNotFound:
		mapping, err = r.createAgentIdentity(ctx, agent, username, mxid)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load mapping for %s: %w", agent.ID, err)
	default:
		// A mapping loaded from the store carries only the encrypted
		// password; decrypt it so the pool can log in as this agent after a
		// process restart wiped the in-memory token cache.
		password, decErr := crypto.Decrypt(r.masterKey, mapping.MatrixPasswordEnc)
		if decErr != nil {
			return nil, fmt.Errorf("decrypt stored password for %s: %w", agent.ID, decErr)
		}
		r.pool.Register(mapping.MatrixUserID, matrix.Credentials{
			Homeserver: r.prov.cfg.Homeserver,
			UserID:     mapping.MatrixUserID,
			Password:   string(password),
		})
	}

	if mapping.AgentName != agent.Name {
		if err := r.renameAgent(ctx, mapping, agent.Name); err != nil {
			return nil, fmt.Errorf("rename agent %s: %w", agent.ID, err)
		}
	}

	if !mapping.RoomCreated {
		if err := r.createAgentRoom(ctx, mapping, spaceID, coreUsers); err != nil {
			return nil, fmt.Errorf("create room for %s: %w", agent.ID, err)
		}
	} else {
		if err := r.ensureInvites(ctx, mapping, coreUsers); err != nil {
			return nil, fmt.Errorf("ensure invites for %s: %w", agent.ID, err)
		}
	}

	if err := r.store.UpdateMappingLastSeen(ctx, agent.ID); err != nil {
		return nil, fmt.Errorf("update last seen for %s: %w", agent.ID, err)
	}

	return r.store.GetMapping(ctx, agent.ID)
}

func (r *Reconciler) createAgentIdentity(ctx context.Context, agent AgentInfo, username string, mxid id.UserID) (*store.AgentMapping, error) {
	password, err := r.prov.passwordForAgent()
	if err != nil {
		return nil, err
	}

	account, err := r.prov.Register(ctx, username, password, agent.Name)
	if err != nil {
		return nil, fmt.Errorf("register agent %s: %w", agent.ID, err)
	}
	if account.UserID == "" {
		account.UserID = mxid
	}

	passwordEnc, err := crypto.Encrypt(r.masterKey, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("encrypt agent password: %w", err)
	}

	mapping := &store.AgentMapping{
		AgentID:           agent.ID,
		AgentName:         agent.Name,
		MatrixUserID:      string(account.UserID),
		MatrixPasswordEnc: passwordEnc,
		RoomCreated:       false,
		InvitationStatus:  map[string]string{},
	}
	if err := r.store.UpsertMapping(ctx, mapping); err != nil {
		return nil, fmt.Errorf("persist new mapping for %s: %w", agent.ID, err)
	}

	r.pool.Register(mapping.MatrixUserID, matrix.Credentials{
		Homeserver: r.prov.cfg.Homeserver,
		UserID:     mapping.MatrixUserID,
		Password:   password,
	})

	slog.Info("provisioned agent identity", "agent_id", agent.ID, "mxid", mapping.MatrixUserID)
	if r.metrics != nil {
		r.incr(r.metrics.UsersCreated)
	}
	r.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindAgentProvisioned,
		Target:  agent.Name,
		Message: fmt.Sprintf("provisioned Matrix identity %s", mapping.MatrixUserID),
	})
	return r.store.GetMapping(ctx, agent.ID)
}

func (r *Reconciler) renameAgent(ctx context.Context, mapping *store.AgentMapping, newName string) error {
	oldName := mapping.AgentName
	if err := r.store.UpdateMappingName(ctx, mapping.AgentID, newName); err != nil {
		return err
	}
	mapping.AgentName = newName

	if mapping.RoomID.Valid {
		client, err := r.pool.Get(ctx, mapping.MatrixUserID)
		if err == nil {
			if err := client.SetRoomName(ctx, id.RoomID(mapping.RoomID.String), RoomNameFor(newName)); err != nil {
				slog.Warn("failed to rename room after agent rename", "agent_id", mapping.AgentID, "error", err)
			}
			if err := client.SetDisplayName(ctx, newName); err != nil {
				slog.Warn("failed to update display name after agent rename", "agent_id", mapping.AgentID, "error", err)
			}
		}
	}

	slog.Info("agent renamed", "agent_id", mapping.AgentID, "old_name", oldName, "new_name", newName)
	if r.metrics != nil {
		r.incr(r.metrics.Renames)
	}
	r.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindAgentRenamed,
		Target:  mapping.AgentID,
		Message: fmt.Sprintf("renamed %q to %q", oldName, newName),
	})
	return nil
}

func (r *Reconciler) createAgentRoom(ctx context.Context, mapping *store.AgentMapping, spaceID id.RoomID, coreUsers []id.UserID) error {
	client, err := r.pool.Get(ctx, mapping.MatrixUserID)
	if err != nil {
		return fmt.Errorf("get agent client: %w", err)
	}

	roomID, err := client.CreateRoom(ctx, RoomNameFor(mapping.AgentName), "", coreUsers)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	if err := client.AddRoomToSpace(ctx, spaceID, roomID, r.prov.cfg.ServerName); err != nil {
		slog.Warn("failed to bind room to space", "agent_id", mapping.AgentID, "room_id", roomID, "error", err)
	}

	if err := r.store.UpdateMappingRoom(ctx, mapping.AgentID, roomID.String(), true); err != nil {
		return fmt.Errorf("persist room: %w", err)
	}
	mapping.RoomID = sql.NullString{String: roomID.String(), Valid: true}
	mapping.RoomCreated = true

	status := map[string]string{}
	for _, u := range coreUsers {
		status[string(u)] = "invited"
	}
	if err := r.store.UpdateInvitationStatus(ctx, mapping.AgentID, status); err != nil {
		slog.Warn("failed to record invitation status", "agent_id", mapping.AgentID, "error", err)
	}

	if r.metrics != nil {
		r.incr(r.metrics.RoomsCreated)
	}

	slog.Info("created agent room", "agent_id", mapping.AgentID, "room_id", roomID)
	r.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRoomCreated,
		Target:  mapping.AgentName,
		Message: fmt.Sprintf("created room %s", roomID),
	})
	return nil
}

// ensureInvites re-invites any core user missing from the room's invitation
// status, covering the case where a core user was added after the room was
// first created.
func (r *Reconciler) ensureInvites(ctx context.Context, mapping *store.AgentMapping, coreUsers []id.UserID) error {
	if !mapping.RoomID.Valid {
		return nil
	}
	missing := false
	for _, u := range coreUsers {
		if mapping.InvitationStatus[string(u)] == "" {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	client, err := r.pool.Get(ctx, mapping.MatrixUserID)
	if err != nil {
		return fmt.Errorf("get agent client: %w", err)
	}

	status := mapping.InvitationStatus
	if status == nil {
		status = map[string]string{}
	}
	for _, u := range coreUsers {
		if status[string(u)] != "" {
			continue
		}
		if err := client.Invite(ctx, id.RoomID(mapping.RoomID.String), u); err != nil {
			slog.Warn("failed to invite core user", "agent_id", mapping.AgentID, "user", u, "error", err)
			continue
		}
		status[string(u)] = "invited"
	}
	return r.store.UpdateInvitationStatus(ctx, mapping.AgentID, status)
}

// ReportOrphans logs every known mapping whose agent_id is absent from the
// current Letta roster. Orphans are never deleted automatically — an agent
// temporarily missing from a paginated listing (or deleted in Letta but
// still referenced elsewhere) should not lose its Matrix identity.
func (r *Reconciler) ReportOrphans(ctx context.Context, seen map[string]bool) (int, error) {
	mappings, err := r.store.ListMappings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list mappings: %w", err)
	}
	var orphans int
	for _, m := range mappings {
		if seen[m.AgentID] {
			continue
		}
		orphans++
		age := "unknown"
		if m.LastSeen.Valid {
			age = time.Since(m.LastSeen.Time).Round(time.Second).String()
		}
		slog.Warn("agent mapping orphaned: agent not in current Letta roster",
			"agent_id", m.AgentID, "agent_name", m.AgentName, "last_seen_age", age)
		r.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindAgentOrphaned,
			Target:  m.AgentName,
			Message: fmt.Sprintf("not seen in Letta roster for %s", age),
		})
	}
	return orphans, nil
}
