package matrix_test

import (
	"context"
	"errors"
	"testing"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
)

func TestPool_GetSeeded(t *testing.T) {
	pool := matrix.NewPool(nil)
	seeded, err := matrix.New("https://example.com", "@letta:example.com", "tok", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Seed("@letta:example.com", seeded)

	got, err := pool.Get(context.Background(), "@letta:example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID() != "@letta:example.com" {
		t.Errorf("UserID: got %q", got.UserID())
	}
}

func TestPool_GetWithoutCredentials(t *testing.T) {
	pool := matrix.NewPool(nil)
	_, err := pool.Get(context.Background(), "@unknown:example.com")
	if err == nil {
		t.Fatal("expected error for unregistered identity, got nil")
	}
}

func TestPool_WithRelogin_NonAuthErrorPassesThrough(t *testing.T) {
	pool := matrix.NewPool(nil)
	seeded, err := matrix.New("https://example.com", "@letta:example.com", "tok", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Seed("@letta:example.com", seeded)

	wantErr := errors.New("boom")
	err = pool.WithRelogin(context.Background(), "@letta:example.com", func(*matrix.Client) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
}
