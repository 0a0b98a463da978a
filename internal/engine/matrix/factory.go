// ABOUTME: Matrix implementation of engine.Factory built on mautrix
// ABOUTME: Opens per-tenant clients from stored credentials or starts an SSO pairing

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/hive-gateway/internal/engine"
	"github.com/2389/hive-gateway/internal/store"
)

// Config configures the Matrix engine.
type Config struct {
	Homeserver string
	DeviceName string
	// Encryption enables E2EE with a per-tenant crypto store.
	Encryption   bool
	PickleSecret string
	// PairingTimeout bounds how long an SSO pairing may wait for its login token.
	PairingTimeout time.Duration
	// CallbackURL returns the URL the homeserver redirects to after SSO login.
	CallbackURL func(instanceID string) string
}

// Factory opens Matrix sessions.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if _, err := url.Parse(cfg.Homeserver); err != nil || cfg.Homeserver == "" {
		return nil, fmt.Errorf("invalid homeserver %q", cfg.Homeserver)
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "hive-gateway"
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = 5 * time.Minute
	}
	if cfg.Encryption && cfg.PickleSecret == "" {
		return nil, errors.New("encryption requires a pickle secret")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger.With("component", "matrix")}, nil
}

// storedCredentials is the content of creds.json.
type storedCredentials struct {
	Homeserver  string    `json:"homeserver"`
	UserID      string    `json:"userId"`
	DeviceID    string    `json:"deviceId"`
	AccessToken string    `json:"accessToken"`
	CreatedAt   time.Time `json:"createdAt"`
}

func credentialsPath(dir string) string {
	return filepath.Join(dir, store.CredentialsFile)
}

func loadCredentials(dir string) (*storedCredentials, error) {
	data, err := os.ReadFile(credentialsPath(dir))
	if err != nil {
		return nil, err
	}
	var sc storedCredentials
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if sc.AccessToken == "" || sc.UserID == "" {
		return nil, errors.New("credentials missing access token or user id")
	}
	return &sc, nil
}

func saveCredentials(dir string, sc *storedCredentials) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	tmp := credentialsPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := os.Rename(tmp, credentialsPath(dir)); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}

// Open implements engine.Factory. With stored credentials the session logs
// in directly; without, it emits an SSO login link as the pairing artifact
// and waits for CompletePairing.
func (f *Factory) Open(ctx context.Context, creds engine.Credentials, opts engine.Options) (engine.Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = f.logger.With("instance", creds.InstanceID)
	}

	httpClient, err := newHTTPClient(opts.ProxyURL)
	if err != nil {
		return nil, &engine.CloseError{Reason: engine.ReasonBadSession, Err: err}
	}

	sc, err := loadCredentials(creds.Dir)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		sc = nil
	default:
		// unreadable credentials need a new pairing
		return nil, &engine.CloseError{Reason: engine.ReasonBadSession, Err: err}
	}

	homeserver := f.cfg.Homeserver
	if sc != nil && sc.Homeserver != "" {
		homeserver = sc.Homeserver
	}
	var userID id.UserID
	var token string
	if sc != nil {
		userID, token = id.UserID(sc.UserID), sc.AccessToken
	}

	client, err := mautrix.NewClient(homeserver, userID, token)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	client.Client = httpClient
	if sc != nil {
		client.DeviceID = id.DeviceID(sc.DeviceID)
	}

	s := newSession(f, client, creds, logger)
	if sc == nil {
		s.startPairing(homeserver)
		return s, nil
	}

	if err := s.resume(ctx, sc); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

// SSOLoginURL builds the homeserver SSO redirect URL that ends at callback.
func SSOLoginURL(homeserver, callback string) string {
	base := strings.TrimRight(homeserver, "/")
	return base + "/_matrix/client/v3/login/sso/redirect?redirectUrl=" + url.QueryEscape(callback)
}

// newHTTPClient returns an HTTP client routed through proxyURL when set.
func newHTTPClient(proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: 180 * time.Second}, nil
}
