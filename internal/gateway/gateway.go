// ABOUTME: Gateway that wires the orchestrator, delivery queue and API servers together
// ABOUTME: Manages HTTP and gRPC health listeners (TCP or tsnet), startup restore and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/hive-gateway/internal/auth"
	"github.com/2389/hive-gateway/internal/cache"
	"github.com/2389/hive-gateway/internal/config"
	"github.com/2389/hive-gateway/internal/delivery"
	"github.com/2389/hive-gateway/internal/engine"
	"github.com/2389/hive-gateway/internal/engine/matrix"
	"github.com/2389/hive-gateway/internal/instance"
	"github.com/2389/hive-gateway/internal/metrics"
	"github.com/2389/hive-gateway/internal/store"
)

// PairCallbackPath is where the homeserver redirects after SSO login.
const PairCallbackPath = "/api/instance/pair/callback"

// Gateway runs the hive-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.MetadataStore
	manager     *instance.Manager
	queue       *delivery.Queue
	sender      *delivery.HTTPSender
	metrics     *metrics.Collector
	health      *health.Server
	auth        *auth.Authenticator
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time

	// publicURL is the base of the pairing callback; tailscale may replace it
	// with the node's DNS name once up.
	publicMu  sync.RWMutex
	publicURL string
}

// Options overrides the collaborators New would build from config.
type Options struct {
	Store   store.MetadataStore
	Factory engine.Factory
	Logger  *slog.Logger
}

// initStore creates the metadata store, honoring HIVE_DB_PATH.
func initStore(cfg *config.Config) (store.MetadataStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HIVE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway backed by SQLite and the Matrix engine.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, Options{Logger: logger})
}

// NewWithOptions creates a Gateway, building whatever opts leaves nil.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	s := opts.Store
	if s == nil {
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	creds, err := store.NewCredentials(cfg.Sessions.Dir)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		metrics:   metrics.New(),
		health:    health.NewServer(),
		auth:      authenticator,
		logger:    logger.With("component", "gateway"),
		publicURL: cfg.Server.PublicURL,
	}
	// not ready until Start has restored persisted instances
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	factory := opts.Factory
	if factory == nil {
		factory, err = matrix.NewFactory(matrix.Config{
			Homeserver:     cfg.Matrix.Homeserver,
			DeviceName:     cfg.Matrix.DeviceName,
			Encryption:     cfg.Matrix.Encryption,
			PickleSecret:   cfg.Matrix.PickleSecret,
			PairingTimeout: cfg.Matrix.PairingTimeout,
			CallbackURL:    gw.pairCallbackURL,
		}, logger.With("component", "matrix"))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating matrix engine: %w", err)
		}
	}

	dcfg := deliveryConfig(cfg.Delivery)
	gw.sender = delivery.NewHTTPSender(dcfg)
	gw.queue = delivery.NewQueue(dcfg, gw.sender)

	gw.manager = instance.NewManager(instanceConfig(cfg.Sessions), instance.Deps{
		Factory:      factory,
		Store:        s,
		Credentials:  creds,
		Notifier:     gw.queue,
		Observer:     instance.Observers{gw.metrics, &healthObserver{server: gw.health}},
		Verification: newCache[engine.Lookup]("verification", cfg.Cache.Verification, cfg.Cache.SweepEvery),
		Artifacts:    newCache[instance.RenderedArtifact]("artifact", cfg.Cache.Artifact, cfg.Cache.SweepEvery),
		Seen:         newCache[struct{}]("seen", cfg.Cache.Seen, cfg.Cache.SweepEvery),
		Logger:       logger,
	})

	gw.metrics.RegisterQueue(gw.queue)
	gw.metrics.RegisterCaches(gw.manager.CacheStats)

	gw.grpcServer = newGRPCServer(gw.health)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if authenticator.Disabled() {
		gw.logger.Warn("HTTP auth disabled - every caller can address every instance")
	}
	return gw, nil
}

func deliveryConfig(c config.DeliveryConfig) delivery.Config {
	return delivery.Config{
		MaxQueueSize:   c.MaxQueueSize,
		Concurrency:    c.Concurrency,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
		Timeout:        c.Timeout,
		PollInterval:   c.PollInterval,
		UserAgent:      c.UserAgent,
		Breaker: delivery.BreakerConfig{
			Enabled:          c.Breaker.Enabled,
			FailureThreshold: c.Breaker.FailureThreshold,
			RecoveryTime:     c.Breaker.RecoveryTime,
		},
	}
}

func instanceConfig(c config.SessionsConfig) instance.Config {
	return instance.Config{
		ConnectTimeout:      c.ConnectTimeout,
		LogoutTimeout:       c.LogoutTimeout,
		ThrottleWindow:      c.ThrottleWindow,
		MaxRetries:          c.MaxRetries,
		BaseDelay:           c.BaseDelay,
		MaxDelay:            c.MaxDelay,
		BackoffFactor:       c.BackoffFactor,
		DefaultIgnoreGroups: c.DefaultIgnoreGroups,
		MessagesPerMinute:   c.MessagesPerMinute,
		MessageBurst:        c.MessageBurst,
		RestoreConcurrency:  c.RestoreConcurrency,
	}
}

func newCache[V any](name string, p config.CachePolicy, sweepEvery int) *cache.Cache[V] {
	return cache.New[V](cache.Options{Name: name, TTL: p.TTL, MaxSize: p.MaxSize, SweepEvery: sweepEvery})
}

// newGRPCServer creates the gRPC server carrying only the health service.
func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// Manager exposes the orchestrator, for the CLI and tests.
func (g *Gateway) Manager() *instance.Manager { return g.manager }

// Handler returns the HTTP handler of the API.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

func (g *Gateway) pairCallbackURL(id string) string {
	g.publicMu.RLock()
	base := g.publicURL
	g.publicMu.RUnlock()
	return base + PairCallbackPath + "?id=" + url.QueryEscape(id)
}

// setupTCPListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners listens on the tailnet when tailscale is enabled, on TCP otherwise.
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.logger.Debug("tailscale enabled, server.http_addr not used", "http_addr", g.config.Server.HTTPAddr)
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Start launches the delivery workers and restores persisted instances.
// Run calls it; tests driving Handler directly call it themselves.
func (g *Gateway) Start(ctx context.Context) {
	g.startedAt = time.Now()
	g.queue.Start(context.WithoutCancel(ctx))

	restored, err := g.manager.Restore(ctx)
	if err != nil {
		g.logger.Error("restoring instances", "error", err)
	} else {
		g.logger.Info("restored instances", "count", restored)
	}
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	// Serve before restoring so health and status stay reachable while
	// persisted instances reconnect.
	errCh := g.startServers(grpcListener, httpListener)
	g.Start(ctx)

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "hive-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens there. gRPC health
// keeps the port of server.grpc_addr and stays off when that is empty.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	g.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.tsnetServer = node
	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.updatePublicURLFromStatus(status)

	fail := func(err error) (net.Listener, net.Listener, error) {
		closeListeners(grpcLn, httpLn)
		_ = node.Close()
		g.tsnetServer = nil
		return nil, nil, err
	}

	if port := tailnetGRPCPort(g.config.Server.GRPCAddr); port != "" {
		if grpcLn, err = node.Listen("tcp", ":"+port); err != nil {
			return fail(fmt.Errorf("listening on tailnet gRPC port: %w", err))
		}
	}
	if httpLn, err = g.tailnetHTTPListener(node, tsCfg); err != nil {
		return fail(err)
	}
	return grpcLn, httpLn, nil
}

// tailnetGRPCPort is the tailnet port for gRPC health, or "" when disabled.
func tailnetGRPCPort(addr string) string {
	if addr == "" {
		return ""
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || port == "0" {
		return "50051"
	}
	return port
}

func closeListeners(lns ...net.Listener) {
	for _, ln := range lns {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// updatePublicURLFromStatus points pairing callbacks at the tailnet DNS name
// unless server.public_url was set explicitly.
func (g *Gateway) updatePublicURLFromStatus(status *ipnstate.Status) {
	if status.Self == nil || status.Self.DNSName == "" {
		return
	}
	if g.config.Server.PublicURL != "" && g.config.Server.PublicURL != "http://"+g.config.Server.HTTPAddr {
		return
	}
	scheme := "http"
	if g.config.Tailscale.HTTPS || g.config.Tailscale.Funnel {
		scheme = "https"
	}
	newURL := scheme + "://" + strings.TrimSuffix(status.Self.DNSName, ".")

	g.publicMu.Lock()
	defer g.publicMu.Unlock()
	if newURL != g.publicURL {
		g.logger.Info("updated public URL to use Tailscale DNS name", "old", g.publicURL, "new", newURL)
		g.publicURL = newURL
	}
}

// tailnetHTTPListener serves the API over funnel, tailnet HTTPS with
// auto-provisioned certs, or plain HTTP on :80.
func (g *Gateway) tailnetHTTPListener(node *tsnet.Server, tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("serving API over tailscale funnel on :443")
		ln, err := node.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("serving API over tailnet HTTPS on :443")
		ln, err := node.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet HTTPS port: %w", err)
		}
		lc, err := node.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := node.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, closes every session (keeping credentials),
// drains the delivery queue and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "instances close", g.manager.Close(ctx))
	g.queue.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
