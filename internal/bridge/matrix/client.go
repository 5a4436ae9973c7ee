// Package matrix wraps maunium.net/go/mautrix with the operations the
// bridge needs: logging in as arbitrary identities (admin, the shared
// "letta" core user, and one identity per provisioned agent), creating
// rooms and spaces, and a raw long-poll /sync call that the bridge drives
// itself instead of mautrix's built-in DefaultSyncer.
package matrix

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/errtype"
)

// Client wraps a single Matrix identity (one access token, one user ID).
// The bridge holds many of these concurrently: one per core user plus one
// per provisioned agent, all sharing the process-wide *http.Client so the
// connection pool is never duplicated per identity.
type Client struct {
	raw    *mautrix.Client
	userID id.UserID
}

// New wraps an already-authenticated identity (existing access token).
func New(homeserver string, userID id.UserID, accessToken string, httpClient *http.Client) (*Client, error) {
	cli, err := mautrix.NewClient(homeserver, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("new matrix client: %w", err)
	}
	if httpClient != nil {
		cli.Client = httpClient
	}
	return &Client{raw: cli, userID: userID}, nil
}

// Login authenticates with a password and returns a Client holding the
// resulting access token. Used for the admin, letta, and per-agent core
// identities whose passwords the bridge already knows (either operator-
// supplied or generated at provisioning time).
func Login(ctx context.Context, homeserver, userID, password string, httpClient *http.Client) (*Client, error) {
	cli, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("login: new client: %w", err)
	}
	if httpClient != nil {
		cli.Client = httpClient
	}

	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: userID,
		},
		Password:                 password,
		InitialDeviceDisplayName: "letta-matrix-bridge",
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, wrapErr(fmt.Errorf("login %s: %w", userID, err))
	}

	return &Client{raw: cli, userID: resp.UserID}, nil
}

// Register creates a new Matrix account via the standard client-server
// registration endpoint (m.login.dummy). The provisioning package does not
// call it: its registration strategies, including the open-registration
// "generic" and "tuwunel"-without-token paths, call mautrix directly.
func Register(ctx context.Context, homeserver, username, password string, httpClient *http.Client) (*Client, error) {
	cli, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("register: new client: %w", err)
	}
	if httpClient != nil {
		cli.Client = httpClient
	}

	resp, err := cli.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 username,
		Password:                 password,
		InitialDeviceDisplayName: "letta-matrix-bridge",
	})
	if err != nil {
		return nil, wrapErr(fmt.Errorf("register %s: %w", username, err))
	}

	cli.AccessToken = resp.AccessToken
	cli.UserID = resp.UserID
	return &Client{raw: cli, userID: resp.UserID}, nil
}

// UserID returns the identity's Matrix user ID.
func (c *Client) UserID() id.UserID { return c.userID }

// AccessToken returns the identity's current access token, for callers that
// need to cache it (e.g. the identity pool's relogin-on-401 path).
func (c *Client) AccessToken() string { return c.raw.AccessToken }

// CreateRoom creates a plain (non-space) room for an agent.
func (c *Client) CreateRoom(ctx context.Context, name, topic string, invite []id.UserID) (id.RoomID, error) {
	resp, err := c.raw.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "private_chat",
		Name:     name,
		Topic:    topic,
		Invite:   invite,
		IsDirect: false,
	})
	if err != nil {
		return "", wrapErr(fmt.Errorf("create room %q: %w", name, err))
	}
	return resp.RoomID, nil
}

// CreateSpace creates an m.space room used to group every agent room under
// one Matrix space.
func (c *Client) CreateSpace(ctx context.Context, name, topic string) (id.RoomID, error) {
	resp, err := c.raw.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:  name,
		Topic: topic,
		CreationContent: map[string]any{
			"type": event.RoomTypeSpace,
		},
	})
	if err != nil {
		return "", wrapErr(fmt.Errorf("create space %q: %w", name, err))
	}
	return resp.RoomID, nil
}

// SetRoomName sets the m.room.name state event on a room this identity has
// permission to modify.
func (c *Client) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := c.raw.SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	if err != nil {
		return wrapErr(fmt.Errorf("set room name %s: %w", roomID, err))
	}
	return nil
}

// SetDisplayName sets this identity's own profile display name — each
// agent's own Client calls this with the agent's current name so the
// Matrix profile always reflects the latest Letta agent name, even though
// the Matrix user ID itself never changes.
func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	if err := c.raw.SetDisplayName(ctx, name); err != nil {
		return wrapErr(fmt.Errorf("set display name: %w", err))
	}
	return nil
}

// JoinRoom joins a room by ID. Joining a room the identity already belongs
// to is tolerated: homeservers report that as a Conflict or, on some
// implementations, a 403 for the redundant join.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.raw.JoinRoomByID(ctx, roomID)
	if err != nil {
		switch ClassifyError(err) {
		case errtype.Conflict, errtype.Forbidden:
			return nil
		}
		return wrapErr(fmt.Errorf("join room %s: %w", roomID, err))
	}
	return nil
}

// Invite invites a user to a room this identity has permission to invite
// into. Inviting someone who already joined is treated as success; a
// genuine permission error surfaces as Forbidden for the caller to handle.
func (c *Client) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.raw.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		if ClassifyError(err) == errtype.Conflict {
			return nil
		}
		return wrapErr(fmt.Errorf("invite %s to %s: %w", userID, roomID, err))
	}
	return nil
}

// JoinedRooms returns every room this identity currently belongs to.
func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.raw.JoinedRooms(ctx)
	if err != nil {
		return nil, wrapErr(fmt.Errorf("joined rooms: %w", err))
	}
	return resp.JoinedRooms, nil
}

// AddRoomToSpace binds roomID as a child of spaceID, setting both
// m.space.child (on the space) and m.space.parent (on the room) so clients
// render the hierarchy from either direction.
func (c *Client) AddRoomToSpace(ctx context.Context, spaceID, roomID id.RoomID, via string) error {
	_, err := c.raw.SendStateEvent(ctx, spaceID, event.StateSpaceChild, roomID.String(), &event.SpaceChildEventContent{
		Via: []string{via},
	})
	if err != nil {
		return wrapErr(fmt.Errorf("set space child %s -> %s: %w", spaceID, roomID, err))
	}
	_, err = c.raw.SendStateEvent(ctx, roomID, event.StateSpaceParent, spaceID.String(), &event.SpaceParentEventContent{
		Via:       []string{via},
		Canonical: true,
	})
	if err != nil {
		return wrapErr(fmt.Errorf("set space parent %s <- %s: %w", roomID, spaceID, err))
	}
	return nil
}

// SendMessage sends a plain text message using a caller-chosen transaction
// ID instead of mautrix's internal auto-incrementing counter, so the same
// call can be retried after a timeout without risking a duplicate send:
// the homeserver treats repeated PUTs with the same transaction ID as one
// logical send.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, txnID, body string) (id.EventID, error) {
	return c.sendEvent(ctx, roomID, txnID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
}

// SendNotice is like SendMessage but uses m.notice, the convention for
// bot-originated, non-conversational output.
func (c *Client) SendNotice(ctx context.Context, roomID id.RoomID, txnID, body string) (id.EventID, error) {
	return c.sendEvent(ctx, roomID, txnID, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	})
}

func (c *Client) sendEvent(ctx context.Context, roomID id.RoomID, txnID string, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.raw.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{
		TransactionID: txnID,
	})
	if err != nil {
		return "", wrapErr(fmt.Errorf("send message to %s (txn %s): %w", roomID, txnID, err))
	}
	return resp.EventID, nil
}

// GetRoomState returns the full room state, used by the Drift Healer to
// read m.room.name and decide whether an observed room matches an agent by
// name suffix.
func (c *Client) GetRoomState(ctx context.Context, roomID id.RoomID) (map[event.Type][]*event.Event, error) {
	state, err := c.raw.State(ctx, roomID)
	if err != nil {
		return nil, wrapErr(fmt.Errorf("get room state %s: %w", roomID, err))
	}
	out := make(map[event.Type][]*event.Event, len(state))
	for evtType, byStateKey := range state {
		for _, evt := range byStateKey {
			out[evtType] = append(out[evtType], evt)
		}
	}
	return out, nil
}

// syncFilter caps each room's timeline at 50 events per batch;
// initialSyncFilter requests zero timeline events, so the very first /sync
// of a fresh cursor only establishes a next_batch position instead of
// replaying room history into the router.
const (
	syncFilter        = `{"room":{"timeline":{"limit":50}}}`
	initialSyncFilter = `{"room":{"timeline":{"limit":0}}}`
)

// Sync issues one long-poll /sync call directly, instead of going through
// mautrix's DefaultSyncer (built for an always-running event-dispatch loop
// replaying the full timeline). Event Ingress needs direct control of the
// since-cursor and timeout; the filter parameter takes inline filter JSON,
// so no server-side filter needs to be uploaded first.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*mautrix.RespSync, error) {
	filter := syncFilter
	if since == "" {
		filter = initialSyncFilter
	}
	resp, err := c.raw.SyncRequest(ctx, int(timeout.Milliseconds()), since, filter, false, event.PresenceOffline)
	if err != nil {
		return nil, wrapErr(fmt.Errorf("sync: %w", err))
	}
	return resp, nil
}

