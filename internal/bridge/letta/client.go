// Package letta is a minimal client for the Letta agent API: listing agents
// and sending a message to one by its stable agent_id, never by inferring
// "the first agent" or any other fallback.
package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/oculairmedia/letta-matrix-bridge/common/retry"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 10
)

// Agent is the subset of a Letta agent's fields the bridge cares about.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client calls the Letta HTTP API using a Bearer token and a shared
// *http.Client (so its connections share the process-wide pool with the
// Matrix clients).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxPages   int
}

// New creates a Letta client. baseURL is the Letta API root, e.g.
// "https://letta.example.com". httpClient must not be nil.
func New(baseURL, token string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxPages:   defaultMaxPages,
	}
}

// agentPage tolerates both of Letta's observed response shapes for
// GET /v1/agents: an envelope `{"data": [...]}` and a bare JSON array.
type agentPage struct {
	Data []Agent
}

func (p *agentPage) UnmarshalJSON(b []byte) error {
	var envelope struct {
		Data []Agent `json:"data"`
	}
	if err := json.Unmarshal(b, &envelope); err == nil && envelope.Data != nil {
		p.Data = envelope.Data
		return nil
	}

	var bare []Agent
	if err := json.Unmarshal(b, &bare); err != nil {
		return fmt.Errorf("letta: unrecognized agent list response shape: %w", err)
	}
	p.Data = bare
	return nil
}

// ListAgents paginates GET /v1/agents?limit=100&after={cursor}, using the
// last agent's ID on each page as the next cursor, until an empty page or a
// page shorter than the page size, deduplicating by agent ID across
// pages and capping at maxPages (default 10) so a misbehaving server can
// never make this loop forever.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	seen := make(map[string]bool)
	var out []Agent
	cursor := ""

	for page := 0; page < c.maxPages; page++ {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(defaultPageSize))
		if cursor != "" {
			query.Set("after", cursor)
		}

		var result agentPage
		err := retry.Do(ctx, retry.DefaultConfig, func() error {
			var getErr error
			result, getErr = c.getAgentPage(ctx, query)
			return getErr
		})
		if err != nil {
			return nil, fmt.Errorf("letta: list agents: %w", err)
		}

		if len(result.Data) == 0 {
			break
		}

		for _, a := range result.Data {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			out = append(out, a)
		}

		if len(result.Data) < defaultPageSize {
			break
		}
		cursor = result.Data[len(result.Data)-1].ID
	}

	return out, nil
}

func (c *Client) getAgentPage(ctx context.Context, query url.Values) (agentPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/agents?"+query.Encode(), nil)
	if err != nil {
		return agentPage{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return agentPage{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return agentPage{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return agentPage{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var page agentPage
	if err := json.Unmarshal(body, &page); err != nil {
		return agentPage{}, err
	}
	return page, nil
}

// sendMessageRequest mirrors Letta's expected request envelope for
// POST /v1/agents/{id}/messages.
type sendMessageRequest struct {
	Messages []sendMessageEntry `json:"messages"`
}

type sendMessageEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// sendMessageResponse tolerates Letta returning a "messages" array of
// role/content pairs, a flatter "data" array, or a bare array.
type sendMessageResponse struct {
	Messages []sendMessageEntry
	Data     []sendMessageEntry
}

func (r *sendMessageResponse) UnmarshalJSON(b []byte) error {
	var envelope struct {
		Messages []sendMessageEntry `json:"messages"`
		Data     []sendMessageEntry `json:"data"`
	}
	if err := json.Unmarshal(b, &envelope); err == nil && (envelope.Messages != nil || envelope.Data != nil) {
		r.Messages = envelope.Messages
		r.Data = envelope.Data
		return nil
	}

	var bare []sendMessageEntry
	if err := json.Unmarshal(b, &bare); err != nil {
		return fmt.Errorf("letta: unrecognized message response shape: %w", err)
	}
	r.Messages = bare
	return nil
}

// SendMessage posts text to the agent identified by agentID — never "the
// first agent" or any name-based lookup — and returns the assistant's
// textual reply extracted from Letta's response envelope.
func (c *Client) SendMessage(ctx context.Context, agentID, text string) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("letta: send message: agentID must not be empty")
	}

	reqBody, err := json.Marshal(sendMessageRequest{
		Messages: []sendMessageEntry{{Role: "user", Content: text}},
	})
	if err != nil {
		return "", fmt.Errorf("letta: marshal send-message request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/agents/%s/messages", c.baseURL, url.PathEscape(agentID)),
		bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("letta: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("letta: send message to %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("letta: read send-message response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("letta: send message to %s: unexpected status %d: %s", agentID, resp.StatusCode, body)
	}

	var out sendMessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("letta: unmarshal send-message response: %w", err)
	}

	entries := out.Messages
	if len(entries) == 0 {
		entries = out.Data
	}
	for _, entry := range entries {
		if entry.Role == "assistant" && entry.Content != "" {
			return entry.Content, nil
		}
	}
	if len(entries) > 0 {
		return entries[len(entries)-1].Content, nil
	}
	return "", fmt.Errorf("letta: send message to %s: response contained no messages", agentID)
}

// Message is one entry of an agent's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GetHistory fetches the most recent messages of an agent's conversation,
// newest last, via GET /v1/agents/{id}/messages. It tolerates the same two
// response shapes as the rest of the API.
func (c *Client) GetHistory(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if agentID == "" {
		return nil, fmt.Errorf("letta: get history: agentID must not be empty")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/agents/%s/messages?limit=%d", c.baseURL, url.PathEscape(agentID), limit), nil)
	if err != nil {
		return nil, fmt.Errorf("letta: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("letta: get history for %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("letta: read history response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("letta: get history for %s: unexpected status %d: %s", agentID, resp.StatusCode, body)
	}

	var out sendMessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("letta: unmarshal history response: %w", err)
	}
	entries := out.Messages
	if len(entries) == 0 {
		entries = out.Data
	}
	history := make([]Message, 0, len(entries))
	for _, entry := range entries {
		history = append(history, Message{Role: entry.Role, Content: entry.Content})
	}
	return history, nil
}
