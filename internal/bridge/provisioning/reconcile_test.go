package provisioning_test

import (
	"context"
	"os"
	"testing"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/provisioning"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "provisioning-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReconciler(t *testing.T, st *store.Store) *provisioning.Reconciler {
	t.Helper()
	prov, err := provisioning.New(provisioning.Config{
		Homeserver:       "https://matrix.example.com",
		ServerName:       "example.com",
		AdminUserID:      "@admin:example.com",
		AdminAccessToken: "test-token",
		HomeserverType:   provisioning.HomeserverGeneric,
	})
	if err != nil {
		t.Fatalf("provisioning.New: %v", err)
	}

	pool := matrix.NewPool(nil)
	masterKey := make([]byte, 32)
	r, err := provisioning.NewReconciler(st, pool, prov, masterKey, nil, nil)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func TestReportOrphans_NoneWhenAllSeen(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(t, st)
	ctx := context.Background()

	if err := st.UpsertMapping(ctx, &store.AgentMapping{
		AgentID:           "agent-1",
		AgentName:         "Agent One",
		MatrixUserID:      "@agent_agent_1:example.com",
		MatrixPasswordEnc: []byte("ciphertext"),
		InvitationStatus:  map[string]string{},
	}); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}

	count, err := r.ReportOrphans(ctx, map[string]bool{"agent-1": true})
	if err != nil {
		t.Fatalf("ReportOrphans: %v", err)
	}
	if count != 0 {
		t.Errorf("ReportOrphans: got %d orphans, want 0", count)
	}
}

func TestReportOrphans_FlagsUnseenMapping(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(t, st)
	ctx := context.Background()

	if err := st.UpsertMapping(ctx, &store.AgentMapping{
		AgentID:           "agent-stale",
		AgentName:         "Stale Agent",
		MatrixUserID:      "@agent_agent_stale:example.com",
		MatrixPasswordEnc: []byte("ciphertext"),
		InvitationStatus:  map[string]string{},
	}); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}

	count, err := r.ReportOrphans(ctx, map[string]bool{})
	if err != nil {
		t.Fatalf("ReportOrphans: %v", err)
	}
	if count != 1 {
		t.Errorf("ReportOrphans: got %d orphans, want 1", count)
	}

	// Orphans are never deleted automatically.
	if _, err := st.GetMapping(ctx, "agent-stale"); err != nil {
		t.Errorf("mapping should still exist after being reported orphaned: %v", err)
	}
}

func TestNewReconciler_RejectsBadMasterKeySize(t *testing.T) {
	st := newTestStore(t)
	prov, err := provisioning.New(provisioning.Config{
		Homeserver:       "https://matrix.example.com",
		ServerName:       "example.com",
		AdminUserID:      "@admin:example.com",
		AdminAccessToken: "test-token",
	})
	if err != nil {
		t.Fatalf("provisioning.New: %v", err)
	}

	pool := matrix.NewPool(nil)
	_, err = provisioning.NewReconciler(st, pool, prov, []byte("too-short"), nil, nil)
	if err == nil {
		t.Fatal("expected error for undersized master key")
	}
}
