// Package provisioning reconciles the Letta agent roster against Matrix
// state: one Matrix user, one private room, and one space-child edge per
// agent, plus the shared core-user identities every agent room invites.
//
// It supports four registration strategies selected by the HomeserverType field:
//
//   - "tuwunel" – Tuwunel (and compatible conduwuit-based) homeservers.  Uses the
//     standard Matrix client-server registration endpoint.  If RegistrationToken
//     is set the "m.login.registration_token" flow is used; otherwise the
//     "m.login.dummy" open-registration flow is used.  Tuwunel is the default.
//   - "synapse" – Synapse shared-secret registration API (recommended for
//     self-hosted Synapse deployments).  Requires SharedSecret to be set.
//   - "generic" – Standard Matrix client-server registration endpoint with the
//     dummy auth flow.  Only works when open registration is enabled on the
//     homeserver.
//   - "manual" – No automatic registration; the caller must supply an existing
//     MXID via operator configuration.
package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/synapseadmin"

	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/errtype"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
)

// HomeserverType selects the registration strategy.
type HomeserverType string

const (
	HomeserverTuwunel HomeserverType = "tuwunel"
	HomeserverSynapse HomeserverType = "synapse"
	HomeserverGeneric HomeserverType = "generic"
	HomeserverManual  HomeserverType = "manual"
)

// RoomNameSuffix is appended to every agent's room name, per the agent
// display name. Rename detection only ever rewrites the part before it.
const RoomNameSuffix = " - Letta Agent Chat"

// DefaultSpaceName is the display name of the space that groups every
// agent room, absent an operator override.
const DefaultSpaceName = "Letta Agents"

// Config holds configuration for the Matrix provisioner.
type Config struct {
	// Homeserver is the Matrix homeserver URL (e.g. "https://matrix.example.com").
	Homeserver string
	// ServerName is the domain part of Matrix IDs on this homeserver
	// (e.g. "example.com"), used to derive agent MXIDs and m.space via values.
	ServerName string
	// AdminUserID is the bridge operator's own Matrix user ID, used as the
	// client identity for admin-level calls (space creation, registration).
	AdminUserID string
	// AdminAccessToken is the access token for the AdminUserID account.
	AdminAccessToken string
	// HomeserverType selects the registration strategy (default: "tuwunel").
	HomeserverType HomeserverType
	// SharedSecret is the Synapse registration_shared_secret value.
	// Required when HomeserverType == "synapse".
	SharedSecret string
	// RegistrationToken is an optional Matrix registration token used by
	// Tuwunel (and other homeservers that support m.login.registration_token).
	RegistrationToken string
	// SpaceName overrides DefaultSpaceName.
	SpaceName string
	// DevMode gives every provisioned agent the well-known password
	// "password" instead of a random one, so local test deployments can log
	// in as any agent by hand. Never enable outside development.
	DevMode bool
}

// ProvisionedAccount holds the credentials for a newly created account.
type ProvisionedAccount struct {
	UserID      id.UserID
	AccessToken string
}

// Provisioner manages Matrix account creation for agents and core users.
type Provisioner struct {
	cfg    Config
	client *mautrix.Client
	admin  *synapseadmin.Client
}

// New creates a new Provisioner. It validates the configuration and
// initialises the underlying admin mautrix client.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("provisioning: Homeserver is required")
	}
	if cfg.AdminUserID == "" {
		return nil, fmt.Errorf("provisioning: AdminUserID is required")
	}
	if cfg.AdminAccessToken == "" {
		return nil, fmt.Errorf("provisioning: AdminAccessToken is required")
	}

	if cfg.HomeserverType == "" {
		cfg.HomeserverType = HomeserverTuwunel
	}

	if cfg.HomeserverType == HomeserverSynapse && cfg.SharedSecret == "" {
		return nil, fmt.Errorf("provisioning: SharedSecret is required for synapse homeserver type")
	}

	if cfg.SpaceName == "" {
		cfg.SpaceName = DefaultSpaceName
	}

	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.AdminUserID), cfg.AdminAccessToken)
	if err != nil {
		return nil, fmt.Errorf("provisioning: failed to create Matrix client: %w", err)
	}

	return &Provisioner{
		cfg:    cfg,
		client: cli,
		admin:  &synapseadmin.Client{Client: cli},
	}, nil
}

// devModePassword is the well-known credential used for every agent when
// DevMode is enabled.
const devModePassword = "password"

// generatePassword creates a cryptographically random 32-byte hex password.
func generatePassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// passwordForAgent returns the password a newly provisioned agent account
// gets: the fixed DevMode credential, or a fresh random one.
func (p *Provisioner) passwordForAgent() (string, error) {
	if p.cfg.DevMode {
		return devModePassword, nil
	}
	return generatePassword()
}

// validLocalpart matches any character outside the Matrix localpart set
// [a-z0-9._\-/]; usernameForAgent strips every match.
var validLocalpart = regexp.MustCompile(`[^a-z0-9._\-/]`)

// usernameForAgent returns the localpart (no @, no server) derived from an
// agent's Letta agent_id: lower-cased, dashes turned into underscores (the
// inverse of a Matrix-localpart-friendly substitution, because the
// convention here is "@agent_<id>", not a hyphenated slug), prefixed with
// "agent_", with any character outside the Matrix localpart set stripped.
//
// This is a pure function of agent_id alone — it must never take the
// agent's display name as input, so a rename in Letta can never change a
// Matrix user's identity.
func usernameForAgent(agentID string) (string, error) {
	localpart := strings.ToLower(agentID)
	localpart = strings.ReplaceAll(localpart, "-", "_")
	localpart = "agent_" + localpart
	localpart = validLocalpart.ReplaceAllString(localpart, "")
	if localpart == "agent_" || localpart == "" {
		return "", fmt.Errorf("agent id %q produces empty Matrix localpart after sanitization", agentID)
	}
	return localpart, nil
}

// mxidForAgent returns the full Matrix user ID for an agent.
func (p *Provisioner) mxidForAgent(agentID string) (id.UserID, error) {
	if p.cfg.ServerName == "" {
		return "", fmt.Errorf("provisioning: ServerName is not configured")
	}
	username, err := usernameForAgent(agentID)
	if err != nil {
		return "", err
	}
	return id.UserID(fmt.Sprintf("@%s:%s", username, p.cfg.ServerName)), nil
}

// RoomNameFor returns the expected room display name for an agent.
func RoomNameFor(agentName string) string {
	return agentName + RoomNameSuffix
}

// Register creates a new Matrix account for the given localpart/password.
// M_USER_IN_USE is treated as success: a prior partial run already created
// the account, so provisioning proceeds as if this call succeeded.
func (p *Provisioner) Register(ctx context.Context, username, password, displayName string) (*ProvisionedAccount, error) {
	traceID := trace.FromContext(ctx)
	slog.Info("provisioning Matrix account", "username", username, "trace", traceID)

	switch p.cfg.HomeserverType {
	case HomeserverSynapse:
		return p.registerViaSynapse(ctx, username, password, displayName)
	case HomeserverTuwunel:
		return p.registerViaTuwunel(ctx, username, password, displayName)
	case HomeserverGeneric:
		return p.registerViaClientAPI(ctx, username, password, displayName)
	case HomeserverManual:
		return nil, fmt.Errorf("provisioning: homeserver type %q requires a pre-existing account", HomeserverManual)
	default:
		return nil, fmt.Errorf("provisioning: unsupported homeserver type %q", p.cfg.HomeserverType)
	}
}

func (p *Provisioner) registerViaSynapse(ctx context.Context, username, password, displayName string) (*ProvisionedAccount, error) {
	req := synapseadmin.ReqSharedSecretRegister{
		Username:    username,
		Password:    password,
		Displayname: displayName,
		UserType:    "bot",
		Admin:       false,
	}

	resp, err := p.admin.SharedSecretRegister(ctx, p.cfg.SharedSecret, req)
	if err != nil {
		if matrix.ClassifyError(err) == errtype.Conflict {
			slog.Info("matrix account already exists, treating as success", "username", username)
			return &ProvisionedAccount{UserID: id.NewUserID(username, p.cfg.ServerName)}, nil
		}
		return nil, fmt.Errorf("synapse registration failed for %q: %w", username, err)
	}

	slog.Info("Matrix account provisioned via Synapse admin API", "mxid", resp.UserID)
	return &ProvisionedAccount{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

func (p *Provisioner) registerViaTuwunel(ctx context.Context, username, password, displayName string) (*ProvisionedAccount, error) {
	req := &mautrix.ReqRegister{
		Username:                 username,
		Password:                 password,
		InitialDeviceDisplayName: displayName,
	}

	if p.cfg.RegistrationToken != "" {
		req.Auth = struct {
			Type    string `json:"type"`
			Token   string `json:"token"`
			Session string `json:"session,omitempty"`
		}{
			Type:  "m.login.registration_token",
			Token: p.cfg.RegistrationToken,
		}
		resp, _, err := p.client.Register(ctx, req)
		if err != nil {
			if matrix.ClassifyError(err) == errtype.Conflict {
				slog.Info("matrix account already exists, treating as success", "username", username)
				return &ProvisionedAccount{UserID: id.NewUserID(username, p.cfg.ServerName)}, nil
			}
			return nil, fmt.Errorf("tuwunel token registration failed for %q: %w", username, err)
		}
		slog.Info("Matrix account provisioned via Tuwunel token registration", "mxid", resp.UserID)
		return &ProvisionedAccount{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
	}

	resp, err := p.client.RegisterDummy(ctx, req)
	if err != nil {
		if matrix.ClassifyError(err) == errtype.Conflict {
			slog.Info("matrix account already exists, treating as success", "username", username)
			return &ProvisionedAccount{UserID: id.NewUserID(username, p.cfg.ServerName)}, nil
		}
		return nil, fmt.Errorf("tuwunel open registration failed for %q: %w (is open registration enabled?)", username, err)
	}
	slog.Info("Matrix account provisioned via Tuwunel open registration", "mxid", resp.UserID)
	return &ProvisionedAccount{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

func (p *Provisioner) registerViaClientAPI(ctx context.Context, username, password, displayName string) (*ProvisionedAccount, error) {
	req := &mautrix.ReqRegister{
		Username:                 username,
		Password:                 password,
		InitialDeviceDisplayName: displayName,
	}

	resp, err := p.client.RegisterDummy(ctx, req)
	if err != nil {
		if matrix.ClassifyError(err) == errtype.Conflict {
			slog.Info("matrix account already exists, treating as success", "username", username)
			return &ProvisionedAccount{UserID: id.NewUserID(username, p.cfg.ServerName)}, nil
		}
		return nil, fmt.Errorf("client-server registration failed for %q: %w", username, err)
	}

	slog.Info("Matrix account provisioned via client-server API", "mxid", resp.UserID)
	return &ProvisionedAccount{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

