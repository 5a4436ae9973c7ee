package provisioning_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/provisioning"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// fakeHomeserver is an in-memory Matrix homeserver covering the handful of
// client-server endpoints the Reconciler drives: register, login,
// createRoom, state events, profile display names, and invites. It records
// call counts so tests can assert idempotence (a second cycle over unchanged
// input must not register or create anything again).
type fakeHomeserver struct {
	t *testing.T

	mu              sync.Mutex
	registered      map[string]string // localpart -> password
	registerCalls   int
	createRoomCalls int
	roomCounter     int
	// roomState is roomID -> eventType -> stateKey -> raw content.
	roomState    map[string]map[string]map[string]json.RawMessage
	displayNames map[string]string   // mxid -> display name
	invites      map[string][]string // roomID -> invited mxids
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	f := &fakeHomeserver{
		t:            t,
		registered:   make(map[string]string),
		roomState:    make(map[string]map[string]map[string]json.RawMessage),
		displayNames: make(map[string]string),
		invites:      make(map[string][]string),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodPost && path == "login":
		var req struct {
			Identifier struct {
				User string `json:"user"`
			} `json:"identifier"`
		}
		f.decode(r, &req)
		mxid := req.Identifier.User
		if !strings.HasPrefix(mxid, "@") {
			mxid = "@" + mxid + ":example.com"
		}
		f.respond(w, map[string]any{
			"user_id":      mxid,
			"access_token": "tok-" + mxid,
			"device_id":    "TESTDEV",
		})

	case r.Method == http.MethodPost && path == "register":
		var req struct {
			Username string          `json:"username"`
			Password string          `json:"password"`
			Auth     json.RawMessage `json:"auth"`
		}
		f.decode(r, &req)
		f.registerCalls++
		if _, exists := f.registered[req.Username]; exists {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"errcode":"M_USER_IN_USE","error":"User ID already taken."}`)
			return
		}
		if len(req.Auth) == 0 {
			// First leg of user-interactive auth: offer the m.login.dummy flow
			// that the client completes on its second request.
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"session":"fake-session","flows":[{"stages":["m.login.dummy"]}],"params":{}}`)
			return
		}
		f.registered[req.Username] = req.Password
		mxid := "@" + req.Username + ":example.com"
		f.respond(w, map[string]any{
			"user_id":      mxid,
			"access_token": "tok-" + mxid,
			"device_id":    "TESTDEV",
		})

	case r.Method == http.MethodPost && path == "createRoom":
		var req struct {
			Name   string   `json:"name"`
			Invite []string `json:"invite"`
		}
		f.decode(r, &req)
		f.createRoomCalls++
		f.roomCounter++
		roomID := fmt.Sprintf("!room-%d:example.com", f.roomCounter)
		f.setState(roomID, "m.room.name", "", json.RawMessage(fmt.Sprintf(`{"name":%q}`, req.Name)))
		f.invites[roomID] = append(f.invites[roomID], req.Invite...)
		f.respond(w, map[string]any{"room_id": roomID})

	case r.Method == http.MethodPut && len(parts) >= 4 && parts[0] == "rooms" && parts[2] == "state":
		roomID, evtType := parts[1], parts[3]
		stateKey := ""
		if len(parts) > 4 {
			stateKey = strings.Join(parts[4:], "/")
		}
		body, _ := io.ReadAll(r.Body)
		f.setState(roomID, evtType, stateKey, json.RawMessage(body))
		f.respond(w, map[string]any{"event_id": fmt.Sprintf("$state-%d", len(f.roomState[roomID]))})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "rooms" && parts[2] == "invite":
		var req struct {
			UserID string `json:"user_id"`
		}
		f.decode(r, &req)
		f.invites[parts[1]] = append(f.invites[parts[1]], req.UserID)
		f.respond(w, map[string]any{})

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "profile" && parts[2] == "displayname":
		var req struct {
			DisplayName string `json:"displayname"`
		}
		f.decode(r, &req)
		f.displayNames[parts[1]] = req.DisplayName
		f.respond(w, map[string]any{})

	default:
		f.t.Logf("fake homeserver: unhandled %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`)
	}
}

func (f *fakeHomeserver) decode(r *http.Request, v any) {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		f.t.Errorf("fake homeserver: decode %s %s: %v", r.Method, r.URL.Path, err)
	}
}

func (f *fakeHomeserver) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeHomeserver) setState(roomID, evtType, stateKey string, content json.RawMessage) {
	if f.roomState[roomID] == nil {
		f.roomState[roomID] = make(map[string]map[string]json.RawMessage)
	}
	if f.roomState[roomID][evtType] == nil {
		f.roomState[roomID][evtType] = make(map[string]json.RawMessage)
	}
	f.roomState[roomID][evtType][stateKey] = content
}

func (f *fakeHomeserver) stateContent(roomID, evtType, stateKey string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byType, ok := f.roomState[roomID]
	if !ok {
		return nil, false
	}
	byKey, ok := byType[evtType]
	if !ok {
		return nil, false
	}
	content, ok := byKey[stateKey]
	return content, ok
}

func (f *fakeHomeserver) counts() (registers, creates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.createRoomCalls
}

// newCycleReconciler wires a Reconciler against the fake homeserver using
// the open-registration strategy, with the admin identity pre-seeded the
// way app.New seeds it from a token.
func newCycleReconciler(t *testing.T, st *store.Store, srv *httptest.Server, opts ...func(*provisioning.Config)) (*provisioning.Reconciler, *matrix.Pool) {
	t.Helper()
	cfg := provisioning.Config{
		Homeserver:       srv.URL,
		ServerName:       "example.com",
		AdminUserID:      "@admin:example.com",
		AdminAccessToken: "tok-@admin:example.com",
		HomeserverType:   provisioning.HomeserverGeneric,
	}
	for _, o := range opts {
		o(&cfg)
	}
	prov, err := provisioning.New(cfg)
	if err != nil {
		t.Fatalf("provisioning.New: %v", err)
	}

	pool := matrix.NewPool(srv.Client())
	adminClient, err := matrix.New(srv.URL, "@admin:example.com", "tok-@admin:example.com", srv.Client())
	if err != nil {
		t.Fatalf("matrix.New admin: %v", err)
	}
	pool.Seed("@admin:example.com", adminClient)

	masterKey := make([]byte, 32)
	r, err := provisioning.NewReconciler(st, pool, prov, masterKey, nil, nil)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r, pool
}

var coreUsers = []id.UserID{"@letta:example.com"}

// TestReconcileAgent_ColdStart covers the first cycle over an empty store:
// the mapping's Matrix user ID is derived from agent_id (dashes become
// underscores), the user is registered, a private room is created with the
// core users invited, and the room is bound to the space in both directions.
func TestReconcileAgent_ColdStart(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake, srv := newFakeHomeserver(t)
	r, _ := newCycleReconciler(t, st, srv)

	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}

	mapping, err := r.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-A", Name: "Alpha"}, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent: %v", err)
	}

	if mapping.MatrixUserID != "@agent_agent_a:example.com" {
		t.Errorf("MatrixUserID: got %q, want %q", mapping.MatrixUserID, "@agent_agent_a:example.com")
	}
	if !mapping.RoomCreated || !mapping.RoomID.Valid {
		t.Fatalf("expected room to be created, got %+v", mapping)
	}
	if _, ok := fake.registered["agent_agent_a"]; !ok {
		t.Error("expected agent_agent_a to be registered on the homeserver")
	}

	roomID := mapping.RoomID.String
	if _, ok := fake.stateContent(spaceID.String(), "m.space.child", roomID); !ok {
		t.Errorf("expected m.space.child edge from space %s to %s", spaceID, roomID)
	}
	if _, ok := fake.stateContent(roomID, "m.space.parent", spaceID.String()); !ok {
		t.Errorf("expected m.space.parent edge from %s back to space %s", roomID, spaceID)
	}

	var invitedLetta bool
	for _, u := range fake.invites[roomID] {
		if u == "@letta:example.com" {
			invitedLetta = true
		}
	}
	if !invitedLetta {
		t.Errorf("expected letta core user invited to %s, got %v", roomID, fake.invites[roomID])
	}
	if mapping.InvitationStatus["@letta:example.com"] != "invited" {
		t.Errorf("invitation status: got %v", mapping.InvitationStatus)
	}
}

// TestReconcileAgent_SecondCycleIsIdempotent asserts that reconciling an
// unchanged agent twice performs zero additional registrations and room
// creations.
func TestReconcileAgent_SecondCycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake, srv := newFakeHomeserver(t)
	r, _ := newCycleReconciler(t, st, srv)

	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}

	agent := provisioning.AgentInfo{ID: "agent-A", Name: "Alpha"}
	first, err := r.ReconcileAgent(ctx, agent, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent (first): %v", err)
	}
	registersAfterFirst, createsAfterFirst := fake.counts()

	second, err := r.ReconcileAgent(ctx, agent, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent (second): %v", err)
	}

	registers, creates := fake.counts()
	if registers != registersAfterFirst {
		t.Errorf("second cycle registered users: %d -> %d", registersAfterFirst, registers)
	}
	if creates != createsAfterFirst {
		t.Errorf("second cycle created rooms: %d -> %d", createsAfterFirst, creates)
	}
	if second.MatrixUserID != first.MatrixUserID || second.RoomID != first.RoomID {
		t.Errorf("second cycle mutated identity: %+v vs %+v", first, second)
	}
}

// TestReconcileAgent_DuplicateNamesGetDistinctIdentities covers two Letta
// agents sharing a display name: usernames derive from agent_id, so both
// get their own Matrix user and room.
func TestReconcileAgent_DuplicateNamesGetDistinctIdentities(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, srv := newFakeHomeserver(t)
	r, _ := newCycleReconciler(t, st, srv)

	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}

	a, err := r.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-1111", Name: "letta-cli-agent"}, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent A: %v", err)
	}
	b, err := r.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-2222", Name: "letta-cli-agent"}, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent B: %v", err)
	}

	if a.MatrixUserID == b.MatrixUserID {
		t.Errorf("duplicate-named agents share a Matrix user: %q", a.MatrixUserID)
	}
	if a.RoomID.String == b.RoomID.String {
		t.Errorf("duplicate-named agents share a room: %q", a.RoomID.String)
	}
}

// TestReconcileAgent_RenamePropagates covers a rename in Letta: one cycle
// updates the stored name, the room name state event, and the profile
// display name, while the Matrix user ID stays fixed.
func TestReconcileAgent_RenamePropagates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake, srv := newFakeHomeserver(t)
	r, _ := newCycleReconciler(t, st, srv)

	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}

	before, err := r.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-A", Name: "Alpha"}, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent (Alpha): %v", err)
	}

	after, err := r.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-A", Name: "Beta"}, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent (Beta): %v", err)
	}

	if after.AgentName != "Beta" {
		t.Errorf("AgentName: got %q, want Beta", after.AgentName)
	}
	if after.MatrixUserID != before.MatrixUserID {
		t.Errorf("rename changed MatrixUserID: %q -> %q", before.MatrixUserID, after.MatrixUserID)
	}

	content, ok := fake.stateContent(after.RoomID.String, "m.room.name", "")
	if !ok {
		t.Fatalf("no m.room.name state on %s", after.RoomID.String)
	}
	var name struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(content, &name); err != nil {
		t.Fatalf("unmarshal room name: %v", err)
	}
	if name.Name != "Beta - Letta Agent Chat" {
		t.Errorf("room name: got %q, want %q", name.Name, "Beta - Letta Agent Chat")
	}

	if got := fake.displayNames[after.MatrixUserID]; got != "Beta" {
		t.Errorf("display name: got %q, want Beta", got)
	}
}

// TestReconcileAgent_RegistersStoredCredentialsAfterRestart simulates a
// process restart: a fresh pool has no cached tokens, so reconciling a
// known agent must install login-capable credentials decrypted from the
// store. The rename path below forces an actual login as the agent.
func TestReconcileAgent_RegistersStoredCredentialsAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake, srv := newFakeHomeserver(t)

	r1, _ := newCycleReconciler(t, st, srv)
	spaceID, err := r1.EnsureSpace(ctx)
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}
	if _, err := r1.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-A", Name: "Alpha"}, spaceID, coreUsers); err != nil {
		t.Fatalf("ReconcileAgent (first process): %v", err)
	}

	// Second process: new reconciler, new empty pool, same store.
	r2, _ := newCycleReconciler(t, st, srv)
	after, err := r2.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-A", Name: "Beta"}, spaceID, coreUsers)
	if err != nil {
		t.Fatalf("ReconcileAgent (second process): %v", err)
	}
	if got := fake.displayNames[after.MatrixUserID]; got != "Beta" {
		t.Errorf("rename after restart did not reach the homeserver: display name %q", got)
	}
}

// TestReconcileAgent_DevModeUsesWellKnownPassword: with DevMode set, a new
// agent account is registered with the fixed development credential instead
// of a random password.
func TestReconcileAgent_DevModeUsesWellKnownPassword(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake, srv := newFakeHomeserver(t)
	r, _ := newCycleReconciler(t, st, srv, func(c *provisioning.Config) {
		c.DevMode = true
	})

	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}
	if _, err := r.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-A", Name: "Alpha"}, spaceID, coreUsers); err != nil {
		t.Fatalf("ReconcileAgent: %v", err)
	}

	if got := fake.registered["agent_agent_a"]; got != "password" {
		t.Errorf("dev-mode password: got %q, want the well-known dev credential", got)
	}
}

// TestReconcileAgent_ProdPasswordIsRandom: without DevMode, no agent ever
// gets the well-known credential.
func TestReconcileAgent_ProdPasswordIsRandom(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake, srv := newFakeHomeserver(t)
	r, _ := newCycleReconciler(t, st, srv)

	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}
	if _, err := r.ReconcileAgent(ctx, provisioning.AgentInfo{ID: "agent-A", Name: "Alpha"}, spaceID, coreUsers); err != nil {
		t.Fatalf("ReconcileAgent: %v", err)
	}

	got := fake.registered["agent_agent_a"]
	if got == "" || got == "password" {
		t.Errorf("production password: got %q, want a generated one", got)
	}
}
