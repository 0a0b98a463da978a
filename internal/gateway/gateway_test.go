// ABOUTME: Tests for Gateway construction, startup restore and gRPC health reporting
// ABOUTME: Uses the scriptable fake engine and an in-memory metadata store

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/hive-gateway/internal/auth"
	"github.com/2389/hive-gateway/internal/config"
	"github.com/2389/hive-gateway/internal/engine/enginetest"
	"github.com/2389/hive-gateway/internal/instance"
	"github.com/2389/hive-gateway/internal/store"
)

const (
	testAPIKey    = "test-api-key"
	testJWTSecret = "gateway-test-jwt-secret-32-bytes"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a minimal config for testing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Sessions.Dir = t.TempDir()
	cfg.Server.PublicURL = "https://hive.example.com"
	cfg.Auth.APIKey = testAPIKey
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Matrix.Homeserver = "https://matrix.example.com"
	cfg.Metrics.Enabled = true
	cfg.Delivery.RetryBaseDelay = 10 * time.Millisecond
	cfg.Delivery.PollInterval = 5 * time.Millisecond
	return cfg
}

type testGateway struct {
	*Gateway
	factory *enginetest.Factory
	store   *store.MemoryStore
	server  *httptest.Server
}

func newTestGatewayWith(t *testing.T, cfg *config.Config, s *store.MemoryStore) *testGateway {
	t.Helper()
	factory := enginetest.NewFactory()
	gw, err := NewWithOptions(cfg, Options{Store: s, Factory: factory, Logger: testLogger()})
	require.NoError(t, err)

	gw.Start(context.Background())
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testGateway{Gateway: gw, factory: factory, store: s, server: srv}
}

func newTestGateway(t *testing.T) *testGateway {
	return newTestGatewayWith(t, testConfig(t), store.NewMemoryStore())
}

// scopedToken issues a JWT limited to tenants.
func scopedToken(t *testing.T, tenants ...string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	token, err := v.Generate("test-client", tenants, time.Hour)
	require.NoError(t, err)
	return token
}

func (tg *testGateway) waitStatus(t *testing.T, id string, want instance.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := tg.manager.GetStatus(context.Background(), id)
		return err == nil && snap.Status == want
	}, 2*time.Second, 5*time.Millisecond, "instance %s never reached %s", id, want)
}

func TestNew_RequiresAuthConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{}

	_, err := NewWithOptions(cfg, Options{Store: store.NewMemoryStore(), Factory: enginetest.NewFactory(), Logger: testLogger()})
	require.Error(t, err)
}

func TestGateway_RestoresPersistedInstances(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_, err := s.MergeMetadata(ctx, "sales", store.Patch{Status: store.Ptr(string(instance.StatusConnected))})
	require.NoError(t, err)
	_, err = s.MergeMetadata(ctx, "old", store.Patch{Status: store.Ptr(string(instance.StatusLoggedOut))})
	require.NoError(t, err)

	cfg := testConfig(t)
	for _, id := range []string{"sales", "old"} {
		dir := filepath.Join(cfg.Sessions.Dir, "instances", id)
		require.NoError(t, os.MkdirAll(dir, 0700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, store.CredentialsFile), []byte(`{}`), 0600))
	}

	tg := newTestGatewayWith(t, cfg, s)

	assert.NotNil(t, tg.factory.ForInstance("sales"), "connected instance should be reconnected on start")
	assert.Nil(t, tg.factory.ForInstance("old"), "terminal instance should stay unloaded")
}

func TestGateway_NotServingUntilStarted(t *testing.T) {
	gw, err := NewWithOptions(testConfig(t), Options{Store: store.NewMemoryStore(), Factory: enginetest.NewFactory(), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	ctx := context.Background()

	resp, err := gw.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	gw.Start(ctx)
	resp, err = gw.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGateway_HealthServiceTracksInstance(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()

	overall, err := tg.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, overall.Status)

	_, err = tg.manager.EnsureActive(ctx, "sales", nil, true)
	require.NoError(t, err)

	service := InstanceHealthService("sales")
	resp, err := tg.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	tg.factory.ForInstance("sales").EmitOpen("@sales:example.com")
	tg.waitStatus(t, "sales", instance.StatusConnected)

	resp, err = tg.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	require.NoError(t, tg.manager.Delete(ctx, "sales"))
	resp, err = tg.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, resp.Status)
}

func TestGateway_PairCallbackURL(t *testing.T) {
	tg := newTestGateway(t)
	assert.Equal(t, "https://hive.example.com/api/instance/pair/callback?id=team+a", tg.pairCallbackURL("team a"))
}

func TestGateway_HealthEndpoints(t *testing.T) {
	tg := newTestGateway(t)

	resp, err := http.Get(tg.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ready (0 instances, 0 connected)")

	resp, err = http.Get(tg.server.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hive_delivery_queue_size")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/hive")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/hive", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, "hive-gateway")
}

func TestTailnetGRPCPort(t *testing.T) {
	assert.Equal(t, "", tailnetGRPCPort(""))
	assert.Equal(t, "9090", tailnetGRPCPort("127.0.0.1:9090"))
	assert.Equal(t, "50051", tailnetGRPCPort("localhost:0"))
	assert.Equal(t, "50051", tailnetGRPCPort("not-an-addr"))
}
