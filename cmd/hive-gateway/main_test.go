// ABOUTME: Tests for the hive-gateway CLI subcommands
// ABOUTME: Covers argument parsing, init, token minting, client calls and the color logger

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive-gateway/internal/auth"
	"github.com/2389/hive-gateway/internal/config"
	"github.com/2389/hive-gateway/internal/instance"
)

const testJWTSecret = "cli-test-jwt-secret-of-32-bytes!"

func writeTestConfig(t *testing.T, publicURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
server:
  http_addr: "127.0.0.1:0"
  public_url: "` + publicURL + `"
sessions:
  dir: "` + filepath.Join(dir, "sessions") + `"
auth:
  api_key: "cli-api-key"
  jwt_secret: "` + testJWTSecret + `"
matrix:
  homeserver: "https://matrix.example.org"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestSplitGlobalArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		config  string
		command string
		rest    []string
	}{
		{name: "no args serves", args: nil, command: "serve"},
		{name: "command only", args: []string{"health"}, command: "health"},
		{name: "config before command", args: []string{"--config", "a.yaml", "instances"}, config: "a.yaml", command: "instances"},
		{name: "config equals form", args: []string{"--config=b.yaml"}, config: "b.yaml", command: "serve"},
		{name: "config after command", args: []string{"token", "-c", "c.yaml", "hash", "k"}, config: "c.yaml", command: "token", rest: []string{"hash", "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, cmd, rest, err := splitGlobalArgs(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.config, cfg)
			assert.Equal(t, tt.command, cmd)
			assert.Equal(t, tt.rest, rest)
		})
	}

	_, _, _, err := splitGlobalArgs([]string{"--config"})
	assert.Error(t, err)
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("HIVE_CONFIG", "/etc/hive/env.yaml")
	assert.Equal(t, "/from/flag.yaml", getConfigPath("/from/flag.yaml"))
	assert.Equal(t, "/etc/hive/env.yaml", getConfigPath(""))

	t.Setenv("HIVE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "hive", "gateway.yaml"), defaultConfigPath())
}

func TestInitConfig_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	path := filepath.Join(dir, "conf", "gateway.yaml")

	answers := strings.Join([]string{
		path,                      // config path
		"127.0.0.1:9090",          // http
		"",                        // grpc
		"",                        // public url
		"",                        // sessions dir
		"",                        // db path
		"https://hs.example.org",  // homeserver
		"y",                       // encryption
		"",                        // tailscale
		"debug",                   // level
		"json",                    // format
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, initConfig(strings.NewReader(answers), &out, filepath.Join(dir, "unused.yaml")))
	assert.Contains(t, out.String(), "Config written to "+path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "http://127.0.0.1:9090", cfg.Server.PublicURL)
	assert.Equal(t, "https://hs.example.org", cfg.Matrix.Homeserver)
	assert.True(t, cfg.Matrix.Encryption)
	assert.NotEmpty(t, cfg.Matrix.PickleSecret)
	assert.NotEmpty(t, cfg.Auth.APIKey)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), auth.MinSecretLength)
	assert.Equal(t, filepath.Join(dir, "hive", "sessions"), cfg.Sessions.Dir)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Tailscale.Enabled)
	assert.DirExists(t, cfg.Sessions.Dir)
}

func TestInitConfig_ExistingFileAborts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0600))

	var out bytes.Buffer
	require.NoError(t, initConfig(strings.NewReader("\nno\n"), &out, path))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestRandomSecret(t *testing.T) {
	a, err := randomSecret()
	require.NoError(t, err)
	b, err := randomSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), auth.MinSecretLength)
}

func TestRunToken_Hash(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runToken("", []string{"hash", "s3cret"}, &out))

	v, err := auth.NewAPIKeyVerifier("", strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.NoError(t, v.Verify("s3cret"))
	assert.Error(t, v.Verify("other"))

	assert.Error(t, runToken("", []string{"hash"}, &out))
}

func TestRunToken_Issue(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1")

	var out bytes.Buffer
	err := runToken(path, []string{"issue", "--subject", "billing", "--tenants", "acme, globex", "--ttl", "1h"}, &out)
	require.NoError(t, err)

	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	claims, err := v.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "billing", claims.Subject)
	assert.Equal(t, []string{"acme", "globex"}, claims.Tenants)
}

func TestRunToken_IssueValidation(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1")
	var out bytes.Buffer

	assert.ErrorContains(t, runToken(path, []string{"issue", "--tenants", "*"}, &out), "--subject")
	assert.ErrorContains(t, runToken(path, []string{"issue", "--subject", "x"}, &out), "--tenants")
	assert.ErrorContains(t, runToken(path, []string{"issue", "--subject", "x", "--tenants", "*", "--ttl", "-1s"}, &out), "--ttl")
	assert.Error(t, runToken(path, []string{"rotate"}, &out))
	assert.Error(t, runToken(path, nil, &out))
}

func TestRunHealth(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/ready", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := writeTestConfig(t, srv.URL)

	var out bytes.Buffer
	require.NoError(t, runHealth(context.Background(), path, &out))
	assert.Equal(t, "healthy\n", out.String())

	unhealthy.Store(true)
	assert.ErrorContains(t, runHealth(context.Background(), path, &out), "status 503")
}

func TestRunInstances(t *testing.T) {
	color.NoColor = true
	now := time.Now()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/instances", r.URL.Path)
		if r.Header.Get(auth.APIKeyHeader) != "cli-api-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"instances": []*instance.Snapshot{
				{ClientID: "acme", Status: instance.StatusConnected, User: "@acme:example.org", LastConnectionUpdate: &now},
				{ClientID: "globex", Status: instance.StatusLoggedOut, LastReason: "logged_out"},
			},
		})
	}))
	defer srv.Close()

	path := writeTestConfig(t, srv.URL)

	var out bytes.Buffer
	require.NoError(t, runInstances(context.Background(), path, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "CLIENT ID")
	assert.Contains(t, lines[1], "acme")
	assert.Contains(t, lines[1], "connected")
	assert.Contains(t, lines[2], "globex")
	assert.Contains(t, lines[2], "logged_out")

	t.Setenv("HIVE_API_KEY", "wrong")
	err := runInstances(context.Background(), path, &out)
	assert.ErrorContains(t, err, "invalid credentials")
}

func TestAuthorizeRequest_FallsBackToJWT(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testJWTSecret

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	require.NoError(t, authorizeRequest(req, cfg))
	assert.Empty(t, req.Header.Get(auth.APIKeyHeader))

	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, []string{auth.AllTenants}, claims.Tenants)

	cfg.Auth.JWTSecret = ""
	assert.Error(t, authorizeRequest(httptest.NewRequest(http.MethodGet, "/", nil), cfg))

	cfg.Auth.Disabled = true
	assert.NoError(t, authorizeRequest(httptest.NewRequest(http.MethodGet, "/", nil), cfg))
}

func TestConsoleHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newConsoleHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("instance", "acme").Warn("retrying", "attempt", 2)
	logger.Error("delivery failed", "error", errors.New("dial tcp: refused"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN retrying instance=acme attempt=2\n")
	assert.Contains(t, out, `ERR delivery failed error="dial tcp: refused"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
