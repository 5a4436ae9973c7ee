package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oculairmedia/letta-matrix-bridge/common/crypto"
	"github.com/oculairmedia/letta-matrix-bridge/common/environment"
	"github.com/oculairmedia/letta-matrix-bridge/common/version"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/app"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/provisioning"
)

func main() {
	fmt.Printf("Letta-Matrix Bridge %s\n", version.Info())

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}
	cfg.MasterKey = masterKey

	bridge, err := app.New(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bridge: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error running bridge: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds app.Config from the environment, bootstrapping the
// admin access token from a one-off password login since
// MATRIX_ADMIN_PASSWORD (not a pre-issued token) is what's configured.
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER_URL")
	if err != nil {
		return nil, err
	}
	serverName, err := environment.RequiredString("MATRIX_SERVER_NAME")
	if err != nil {
		return nil, err
	}
	adminUsername, err := environment.RequiredString("MATRIX_ADMIN_USERNAME")
	if err != nil {
		return nil, err
	}
	adminPassword, err := environment.RequiredString("MATRIX_ADMIN_PASSWORD")
	if err != nil {
		return nil, err
	}
	lettaUsername, err := environment.RequiredString("MATRIX_USERNAME")
	if err != nil {
		return nil, err
	}
	lettaPassword, err := environment.RequiredString("MATRIX_PASSWORD")
	if err != nil {
		return nil, err
	}
	lettaAPIURL, err := environment.RequiredString("LETTA_API_URL")
	if err != nil {
		return nil, err
	}
	lettaToken, err := environment.RequiredString("LETTA_TOKEN")
	if err != nil {
		return nil, err
	}

	devMode := environment.BoolOr("DEV_MODE", false)
	if devMode {
		fmt.Fprintln(os.Stderr, "warning: DEV_MODE set, agents get well-known non-production credentials")
	}

	dataDir := environment.StringOr("DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	adminUserID := fmt.Sprintf("@%s:%s", adminUsername, serverName)
	bootstrapClient := &http.Client{Timeout: 15 * time.Second}
	adminConn, err := matrix.Login(context.Background(), homeserver, adminUserID, adminPassword, bootstrapClient)
	if err != nil {
		return nil, fmt.Errorf("admin login: %w", err)
	}

	homeserverType := provisioning.HomeserverType(environment.StringOr("MATRIX_HOMESERVER_TYPE", string(provisioning.HomeserverTuwunel)))

	coreUsers := []app.CoreUserConfig{
		{Role: "letta", Username: lettaUsername, Password: lettaPassword},
	}

	// matrixadmin completes the documented core-user set alongside admin and
	// letta. In DEV_MODE its password falls back to the well-known dev
	// credential; otherwise a deployment without the password gets only the
	// letta relay identity.
	matrixadminPassword := environment.StringOr("MATRIX_MATRIXADMIN_PASSWORD", "")
	if matrixadminPassword == "" && devMode {
		matrixadminPassword = "password"
	}
	if matrixadminPassword != "" {
		coreUsers = append(coreUsers, app.CoreUserConfig{
			Role:     "matrixadmin",
			Username: environment.StringOr("MATRIX_MATRIXADMIN_USERNAME", "matrixadmin"),
			Password: matrixadminPassword,
		})
	} else {
		fmt.Fprintln(os.Stderr, "warning: MATRIX_MATRIXADMIN_PASSWORD unset, matrixadmin core user will not be provisioned")
	}

	roster, err := config.LoadCoreUserRoster(environment.StringOr("CORE_USER_ROSTER_PATH", ""))
	if err != nil {
		return nil, err
	}
	for _, entry := range roster {
		coreUsers = append(coreUsers, app.CoreUserConfig{Role: entry.Role, Username: entry.Username, Password: entry.Password})
	}

	return &app.Config{
		DatabasePath: filepath.Join(dataDir, "bridge.db"),
		Matrix: provisioning.Config{
			Homeserver:        homeserver,
			ServerName:        serverName,
			AdminUserID:       adminUserID,
			AdminAccessToken:  adminConn.AccessToken(),
			HomeserverType:    homeserverType,
			SharedSecret:      environment.StringOr("MATRIX_SHARED_SECRET", ""),
			RegistrationToken: environment.StringOr("MATRIX_REGISTRATION_TOKEN", ""),
			SpaceName:         environment.StringOr("MATRIX_SPACE_NAME", provisioning.DefaultSpaceName),
			DevMode:           devMode,
		},
		LettaBaseURL:  lettaAPIURL,
		LettaToken:    lettaToken,
		CoreUsers:     coreUsers,
		SyncInterval:  time.Duration(environment.IntOr("SYNC_INTERVAL_SECONDS", 60)) * time.Second,
		EventTTL:      time.Duration(environment.IntOr("EVENT_DEDUPE_TTL_SECONDS", 3600)) * time.Second,
		RouterWorkers: environment.IntOr("ROUTER_WORKERS", 0),
		HTTPAddr:      environment.StringOr("HTTP_ADDR", ""),
		AuditRoomID:   environment.StringOr("MATRIX_AUDIT_ROOM", ""),
	}, nil
}
