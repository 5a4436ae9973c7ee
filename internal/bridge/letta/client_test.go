package letta_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
)

func TestListAgents_EnvelopeShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization: got %q", got)
		}
		if r.URL.Query().Get("limit") != "100" {
			t.Errorf("limit: got %q", r.URL.Query().Get("limit"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []letta.Agent{
				{ID: "agent-1", Name: "One"},
				{ID: "agent-2", Name: "Two"},
			},
		})
	}))
	defer srv.Close()

	client := letta.New(srv.URL, "test-token", srv.Client())
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("ListAgents: got %d agents, want 2", len(agents))
	}
}

func TestListAgents_BareArrayShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]letta.Agent{{ID: "agent-1", Name: "One"}})
	}))
	defer srv.Close()

	client := letta.New(srv.URL, "test-token", srv.Client())
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "agent-1" {
		t.Fatalf("ListAgents: got %+v", agents)
	}
}

func TestListAgents_PaginatesUntilShortPage(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			agents := make([]letta.Agent, 100)
			for i := range agents {
				agents[i] = letta.Agent{ID: "page1-" + string(rune('a'+i%26)) + string(rune(i)), Name: "Agent"}
			}
			json.NewEncoder(w).Encode(map[string]any{"data": agents})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []letta.Agent{{ID: "page2-1", Name: "Last"}}})
	}))
	defer srv.Close()

	client := letta.New(srv.URL, "test-token", srv.Client())
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 page requests, got %d", calls)
	}
	if len(agents) != 101 {
		t.Errorf("expected 101 deduplicated agents, got %d", len(agents))
	}
}

func TestListAgents_EmptyPageStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []letta.Agent{}})
	}))
	defer srv.Close()

	client := letta.New(srv.URL, "test-token", srv.Client())
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("expected 0 agents, got %d", len(agents))
	}
}

func TestSendMessage_ExtractsAssistantReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agents/agent-42/messages" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"role": "user", "content": "hi"},
				{"role": "assistant", "content": "hello there"},
			},
		})
	}))
	defer srv.Close()

	client := letta.New(srv.URL, "test-token", srv.Client())
	reply, err := client.SendMessage(context.Background(), "agent-42", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "hello there" {
		t.Errorf("SendMessage: got %q, want %q", reply, "hello there")
	}
}

func TestSendMessage_EmptyAgentIDRejected(t *testing.T) {
	client := letta.New("https://example.com", "tok", http.DefaultClient)
	_, err := client.SendMessage(context.Background(), "", "hi")
	if err == nil {
		t.Fatal("expected error for empty agent ID")
	}
}

func TestSendMessage_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := letta.New(srv.URL, "test-token", srv.Client())
	_, err := client.SendMessage(context.Background(), "agent-1", "hi")
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestGetHistory_EnvelopeAndBareShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agents/agent-7/messages" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		switch r.URL.Query().Get("limit") {
		case "5":
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{
					{"role": "user", "content": "hi"},
					{"role": "assistant", "content": "hello"},
				},
			})
		default:
			json.NewEncoder(w).Encode([]map[string]string{
				{"role": "user", "content": "bare"},
			})
		}
	}))
	defer srv.Close()

	client := letta.New(srv.URL, "test-token", srv.Client())

	history, err := client.GetHistory(context.Background(), "agent-7", 5)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 || history[1].Content != "hello" {
		t.Fatalf("GetHistory envelope: got %+v", history)
	}

	history, err = client.GetHistory(context.Background(), "agent-7", 1)
	if err != nil {
		t.Fatalf("GetHistory bare: %v", err)
	}
	if len(history) != 1 || history[0].Content != "bare" {
		t.Fatalf("GetHistory bare: got %+v", history)
	}
}

func TestGetHistory_EmptyAgentIDRejected(t *testing.T) {
	client := letta.New("https://example.com", "tok", http.DefaultClient)
	_, err := client.GetHistory(context.Background(), "", 10)
	if err == nil {
		t.Fatal("expected error for empty agent ID")
	}
}
