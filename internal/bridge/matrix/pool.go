package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/errtype"
)

// ErrAuthFailed is returned when a relogin attempt after a 401 also fails.
// Callers must surface this rather than silently dropping the operation —
// per the bridge's error taxonomy, auth failures get exactly one retry and
// no further fallback.
var ErrAuthFailed = errors.New("matrix: relogin failed")

// Credentials supplies whatever is needed to (re-)establish an identity.
type Credentials struct {
	Homeserver string
	UserID     string
	Password   string
}

// Pool caches one *Client per Matrix identity, keyed by user ID, and
// transparently re-logs-in on a 401 instead of making every caller handle
// token expiry itself. It is the Go-idiomatic rendering of the "process-
// wide GlobalManager" concept: an explicit value threaded through the app,
// never a package-level global.
type Pool struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	creds      map[string]Credentials
	httpClient *http.Client
}

// NewPool creates an empty identity pool sharing the given HTTP client
// (and therefore its connection pool) across every identity.
func NewPool(httpClient *http.Client) *Pool {
	return &Pool{
		clients:    make(map[string]*Client),
		creds:      make(map[string]Credentials),
		httpClient: httpClient,
	}
}

// Register seeds the pool with an identity's credentials without logging
// in yet; the first call to Get performs the login.
func (p *Pool) Register(userID string, creds Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[userID] = creds
}

// Seed installs an already-authenticated Client (e.g. one restored from a
// cached access token) directly into the pool.
func (p *Pool) Seed(userID string, client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[userID] = client
}

// Get returns the cached Client for userID, logging in on first use.
func (p *Pool) Get(ctx context.Context, userID string) (*Client, error) {
	p.mu.RLock()
	client, ok := p.clients[userID]
	p.mu.RUnlock()
	if ok {
		return client, nil
	}
	return p.login(ctx, userID)
}

// WithRelogin calls fn with the cached identity; if fn reports a 401, the
// identity is re-logged-in exactly once and fn is retried. A second 401
// (or a relogin failure) surfaces ErrAuthFailed rather than looping.
func (p *Pool) WithRelogin(ctx context.Context, userID string, fn func(*Client) error) error {
	client, err := p.Get(ctx, userID)
	if err != nil {
		return err
	}

	err = fn(client)
	if err == nil || ClassifyError(err) != errtype.Auth {
		return err
	}

	client, reloginErr := p.login(ctx, userID)
	if reloginErr != nil {
		return errtype.Wrap(errtype.Auth, fmt.Errorf("%w: %v", ErrAuthFailed, reloginErr))
	}

	if err := fn(client); err != nil {
		if ClassifyError(err) == errtype.Auth {
			return errtype.Wrap(errtype.Auth, fmt.Errorf("%w: still unauthorized after relogin", ErrAuthFailed))
		}
		return err
	}
	return nil
}

func (p *Pool) login(ctx context.Context, userID string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	creds, ok := p.creds[userID]
	if !ok {
		return nil, fmt.Errorf("matrix: no credentials registered for %s", userID)
	}

	client, err := Login(ctx, creds.Homeserver, creds.UserID, creds.Password, p.httpClient)
	if err != nil {
		return nil, errtype.Wrap(errtype.Auth, fmt.Errorf("matrix: login %s: %w", userID, err))
	}
	p.clients[userID] = client
	return client, nil
}
