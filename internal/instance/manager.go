// ABOUTME: Instance orchestrator owning every tenant's session and connection state machine
// ABOUTME: Entry points for init, status, logout, restart, delete, config update and restore

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/hive-gateway/internal/cache"
	"github.com/2389/hive-gateway/internal/engine"
	"github.com/2389/hive-gateway/internal/store"
)

// Config holds the lifecycle policy of the orchestrator.
type Config struct {
	ConnectTimeout time.Duration
	LogoutTimeout  time.Duration
	ThrottleWindow time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64

	DefaultIgnoreGroups bool
	MessagesPerMinute   int
	MessageBurst        int

	// RestoreConcurrency bounds how many instances Restore connects at once.
	RestoreConcurrency int
}

// DefaultConfig returns the default lifecycle policy.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    45 * time.Second,
		LogoutTimeout:     10 * time.Second,
		ThrottleWindow:    5 * time.Second,
		MaxRetries:        10,
		BaseDelay:         5 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffFactor:     1.5,
		MessagesPerMinute:  60,
		MessageBurst:       10,
		RestoreConcurrency: 8,
	}
}

// Notifier accepts outbound notifications without blocking.
type Notifier interface {
	Enqueue(url string, payload any, ownerID string) bool
}

// Observer is told about status changes, for health and metrics.
type Observer interface {
	StatusChanged(id string, status Status)
	Removed(id string)
}

// Observers fans status changes out to several observers. Calls happen with
// the instance lock held, so observers must not block.
type Observers []Observer

func (o Observers) StatusChanged(id string, status Status) {
	for _, obs := range o {
		obs.StatusChanged(id, status)
	}
}

func (o Observers) Removed(id string) {
	for _, obs := range o {
		obs.Removed(id)
	}
}

// Deps are the collaborators of a Manager. Nil caches get defaults.
type Deps struct {
	Factory      engine.Factory
	Store        store.MetadataStore
	Credentials  *store.Credentials
	Notifier     Notifier
	Observer     Observer
	Verification *cache.Cache[engine.Lookup]
	Artifacts    *cache.Cache[RenderedArtifact]
	Seen         *cache.Cache[struct{}]
	Logger       *slog.Logger
}

// InstanceConfig is the tenant-controlled configuration of an instance.
type InstanceConfig = store.InstanceConfig

// ConfigPatch is a partial config update. Nil fields are left untouched.
type ConfigPatch struct {
	IgnoreGroups *bool   `json:"ignoreGroups,omitempty"`
	WebhookURL   *string `json:"webhookUrl,omitempty"`
	ProxyURL     *string `json:"proxyUrl,omitempty"`
}

// Validate checks URL fields.
func (p *ConfigPatch) Validate() error {
	if p == nil {
		return nil
	}
	if p.WebhookURL != nil && *p.WebhookURL != "" {
		if err := checkURL(*p.WebhookURL, "http", "https"); err != nil {
			return fmt.Errorf("%w: webhookUrl: %v", ErrInvalidConfig, err)
		}
	}
	if p.ProxyURL != nil && *p.ProxyURL != "" {
		if err := checkURL(*p.ProxyURL, "http", "https", "socks5", "socks5h"); err != nil {
			return fmt.Errorf("%w: proxyUrl: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// apply merges the patch into cfg and reports whether anything changed.
func (p *ConfigPatch) apply(cfg *InstanceConfig) bool {
	if p == nil {
		return false
	}
	before := *cfg
	if p.IgnoreGroups != nil {
		cfg.IgnoreGroups = *p.IgnoreGroups
	}
	if p.WebhookURL != nil {
		cfg.WebhookURL = *p.WebhookURL
	}
	if p.ProxyURL != nil {
		cfg.ProxyURL = *p.ProxyURL
	}
	return before != *cfg
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// ConfigUpdate is the result of UpdateConfig.
type ConfigUpdate struct {
	Config                  InstanceConfig `json:"config"`
	ReconnectionRecommended bool           `json:"reconnectionRecommended"`
}

// Snapshot is a read-only view of an instance.
type Snapshot struct {
	ClientID              string         `json:"clientId"`
	Status                Status         `json:"status"`
	PersistedStatus       Status         `json:"persistedStatus,omitempty"`
	Connected             bool           `json:"connected"`
	Config                InstanceConfig `json:"config"`
	Retries               int            `json:"retries"`
	User                  string         `json:"user,omitempty"`
	HasQRCode             bool           `json:"hasQrCode"`
	LastReason            string         `json:"lastReason,omitempty"`
	LastError             string         `json:"lastError,omitempty"`
	LastConnectionAttempt *time.Time     `json:"lastConnectionAttempt"`
	LastConnectionUpdate  *time.Time     `json:"lastConnectionUpdate"`
}

// instance is the in-memory state of one tenant. All fields are guarded by mu.
type instance struct {
	id string
	mu sync.Mutex

	status        Status
	config        InstanceConfig
	session       engine.Session
	opening       bool // an engine Open is in progress without mu held
	generation    uint64
	artifact      string
	user          string
	retryCount    int
	lastReason    engine.CloseReason
	lastErr       string
	lastAttemptAt time.Time
	lastUpdateAt  time.Time

	// hadCredentials and artifactSeen drive shouldAbandonUnpaired.
	hadCredentials bool
	artifactSeen   bool

	connectTimer   *time.Timer
	reconnectTimer *time.Timer
	closeWaiters   []chan struct{}
	limiter        *rate.Limiter
	deleted        bool
}

func (inst *instance) snapshotLocked() *Snapshot {
	s := &Snapshot{
		ClientID:   inst.id,
		Status:     inst.status,
		Connected:  inst.status == StatusConnected && inst.session != nil,
		Config:     inst.config,
		Retries:    inst.retryCount,
		User:       inst.user,
		HasQRCode:  inst.artifact != "",
		LastReason: string(inst.lastReason),
		LastError:  inst.lastErr,
	}
	if !inst.lastAttemptAt.IsZero() {
		t := inst.lastAttemptAt
		s.LastConnectionAttempt = &t
	}
	if !inst.lastUpdateAt.IsZero() {
		t := inst.lastUpdateAt
		s.LastConnectionUpdate = &t
	}
	return s
}

func snapshotFromMetadata(md *store.Metadata) *Snapshot {
	s := &Snapshot{
		ClientID:        md.ID,
		Status:          StatusNotLoaded,
		PersistedStatus: Status(md.Status),
		Config:          md.Config,
		Retries:         md.RetryCount,
		LastReason:      md.LastReason,
	}
	if !md.LastAttemptAt.IsZero() {
		t := md.LastAttemptAt
		s.LastConnectionAttempt = &t
	}
	if !md.LastUpdateAt.IsZero() {
		t := md.LastUpdateAt
		s.LastConnectionUpdate = &t
	}
	return s
}

// Manager owns the instance map. All mutation of instance state goes
// through its methods; each instance serializes its own transitions.
type Manager struct {
	cfg      Config
	factory  engine.Factory
	store    store.MetadataStore
	writer   *store.Writer
	creds    *store.Credentials
	notifier Notifier
	observer Observer
	logger   *slog.Logger

	verification *cache.Cache[engine.Lookup]
	artifacts    *cache.Cache[RenderedArtifact]
	seen         *cache.Cache[struct{}]

	// afterFunc schedules reconnects; replaced in tests.
	afterFunc func(time.Duration, func()) *time.Timer

	mu        sync.RWMutex
	instances map[string]*instance
	// deleting holds a tombstone per id while Delete removes durable state.
	deleting map[string]chan struct{}
}

// NewManager creates a Manager.
func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = def.LogoutTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = def.MessagesPerMinute
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = def.MessageBurst
	}
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = def.RestoreConcurrency
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "instances")

	m := &Manager{
		cfg:          cfg,
		factory:      deps.Factory,
		store:        deps.Store,
		writer:       store.NewWriter(deps.Store, cfg.ThrottleWindow, CriticalStatuses()...),
		creds:        deps.Credentials,
		notifier:     deps.Notifier,
		observer:     deps.Observer,
		logger:       logger,
		verification: deps.Verification,
		artifacts:    deps.Artifacts,
		seen:         deps.Seen,
		afterFunc:    time.AfterFunc,
		instances:    make(map[string]*instance),
		deleting:     make(map[string]chan struct{}),
	}
	if m.verification == nil {
		m.verification = cache.New[engine.Lookup](cache.Options{Name: "verification", TTL: 2 * time.Hour, MaxSize: 50000, SweepEvery: 1000})
	}
	if m.artifacts == nil {
		m.artifacts = cache.New[RenderedArtifact](cache.Options{Name: "artifact", TTL: 30 * time.Second, MaxSize: 200, SweepEvery: 1000})
	}
	if m.seen == nil {
		m.seen = cache.New[struct{}](cache.Options{Name: "seen", TTL: 10 * time.Minute, MaxSize: 10000, SweepEvery: 1000})
	}
	return m
}

// EnsureActive makes sure id has a live or in-flight session. It is
// idempotent: a connected instance only gets overrides merged, and an
// in-flight attempt younger than the connect timeout is returned as is.
// Without in-memory state the instance is hydrated from metadata; with
// neither, explicit creates it and otherwise ErrInstanceNotFound is returned.
func (m *Manager) EnsureActive(ctx context.Context, id string, overrides *ConfigPatch, explicit bool) (*Snapshot, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}
	if err := overrides.Validate(); err != nil {
		return nil, err
	}

	for {
		inst, err := m.load(ctx, id, explicit)
		if err != nil {
			return nil, err
		}

		inst.mu.Lock()
		if inst.deleted {
			// lost a race with Delete; resolve again
			inst.mu.Unlock()
			continue
		}
		snap := m.ensureActiveLocked(ctx, inst, overrides, explicit)
		inst.mu.Unlock()
		return snap, nil
	}
}

func (m *Manager) ensureActiveLocked(ctx context.Context, inst *instance, overrides *ConfigPatch, explicit bool) *Snapshot {
	if overrides.apply(&inst.config) {
		m.persistLocked(inst, store.Patch{Config: store.Ptr(inst.config)}, true)
	}

	live := inst.session != nil || inst.opening
	switch {
	case inst.status == StatusConnected && live:
		return inst.snapshotLocked()

	case inst.status.InFlight() && live:
		stale := inst.status != StatusWaitingScan && time.Since(inst.lastAttemptAt) > m.cfg.ConnectTimeout
		if !stale {
			return inst.snapshotLocked()
		}
		m.logger.Warn("restarting stale connection attempt", "instance", inst.id, "status", inst.status)

	case inst.status.Terminal() || inst.status == StatusDisconnected:
		if !explicit {
			return inst.snapshotLocked()
		}
		inst.retryCount = 0
	}

	m.connectLocked(ctx, inst)
	return inst.snapshotLocked()
}

// load returns the in-memory record for id, hydrating or creating it.
// A Delete in progress for id is waited out first.
func (m *Manager) load(ctx context.Context, id string, explicit bool) (*instance, error) {
	for {
		if err := m.waitDeleted(ctx, id); err != nil {
			return nil, err
		}
		inst, err := m.loadOnce(ctx, id, explicit)
		if errors.Is(err, errDeleting) {
			continue
		}
		return inst, err
	}
}

// errDeleting reports that a Delete of the id started while loading it.
var errDeleting = errors.New("instance is being deleted")

func (m *Manager) loadOnce(ctx context.Context, id string, explicit bool) (*instance, error) {
	if inst := m.get(id); inst != nil {
		return inst, nil
	}

	md, err := m.store.GetMetadata(ctx, id)
	var inst *instance
	switch {
	case err == nil:
		inst = &instance{
			id:            id,
			status:        Status(md.Status),
			config:        md.Config,
			retryCount:    md.RetryCount,
			lastReason:    engine.CloseReason(md.LastReason),
			lastAttemptAt: md.LastAttemptAt,
			lastUpdateAt:  md.LastUpdateAt,
		}
		if inst.status == "" {
			inst.status = StatusUninitialized
		}
	case errors.Is(err, store.ErrNotFound):
		if !explicit {
			return nil, ErrInstanceNotFound
		}
		inst = &instance{
			id:     id,
			status: StatusCreating,
			config: InstanceConfig{IgnoreGroups: m.cfg.DefaultIgnoreGroups},
		}
	default:
		return nil, fmt.Errorf("loading metadata for %s: %w", id, err)
	}
	inst.limiter = rate.NewLimiter(rate.Limit(float64(m.cfg.MessagesPerMinute)/60), m.cfg.MessageBurst)

	m.mu.Lock()
	if _, busy := m.deleting[id]; busy {
		m.mu.Unlock()
		return nil, errDeleting
	}
	if existing, ok := m.instances[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.instances[id] = inst
	m.mu.Unlock()

	if inst.status == StatusCreating {
		inst.mu.Lock()
		m.persistLocked(inst, store.Patch{
			Status: store.Ptr(string(StatusCreating)),
			Config: store.Ptr(inst.config),
		}, true)
		inst.mu.Unlock()
		m.logger.Info("instance created", "instance", id)
	} else {
		m.logger.Info("instance hydrated from metadata", "instance", id, "status", inst.status)
	}
	return inst, nil
}

// waitDeleted blocks while a Delete of id is removing its durable state.
func (m *Manager) waitDeleted(ctx context.Context, id string) error {
	for {
		m.mu.RLock()
		done := m.deleting[id]
		m.mu.RUnlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) get(id string) *instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[id]
}

// GetStatus returns a snapshot of id, falling back to durable metadata with
// status not_loaded.
func (m *Manager) GetStatus(ctx context.Context, id string) (*Snapshot, error) {
	if inst := m.get(id); inst != nil {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if !inst.deleted {
			return inst.snapshotLocked(), nil
		}
	}

	md, err := m.store.GetMetadata(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading metadata for %s: %w", id, err)
	}
	return snapshotFromMetadata(md), nil
}

// List returns snapshots of every known instance ordered by id.
func (m *Manager) List(ctx context.Context) ([]*Snapshot, error) {
	m.mu.RLock()
	loaded := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		loaded = append(loaded, inst)
	}
	m.mu.RUnlock()

	seen := make(map[string]bool, len(loaded))
	out := make([]*Snapshot, 0, len(loaded))
	for _, inst := range loaded {
		inst.mu.Lock()
		if !inst.deleted {
			out = append(out, inst.snapshotLocked())
			seen[inst.id] = true
		}
		inst.mu.Unlock()
	}

	mds, err := m.store.ListMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}
	for _, md := range mds {
		if !seen[md.ID] {
			out = append(out, snapshotFromMetadata(md))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// StatusCounts returns how many loaded instances are in each status.
func (m *Manager) StatusCounts() map[Status]int {
	m.mu.RLock()
	loaded := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		loaded = append(loaded, inst)
	}
	m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, inst := range loaded {
		inst.mu.Lock()
		if !inst.deleted {
			counts[inst.status]++
		}
		inst.mu.Unlock()
	}
	return counts
}

// CacheStats returns the statistics of the orchestrator's caches.
func (m *Manager) CacheStats() []cache.Stats {
	return []cache.Stats{m.verification.Stats(), m.artifacts.Stats(), m.seen.Stats()}
}

// ClearCaches empties the verification, artifact and seen-message caches and
// returns their statistics afterwards. Lookups and artifacts are rebuilt on
// demand; a cleared seen cache may let an engine redelivery through once.
func (m *Manager) ClearCaches() []cache.Stats {
	m.verification.Clear()
	m.artifacts.Clear()
	m.seen.Clear()
	m.logger.Info("caches cleared")
	return m.CacheStats()
}

// Logout ends the session of id remotely and purges its credentials. With a
// live session it waits up to the logout timeout for the engine to confirm;
// either way the instance ends in logged_out with no credential files.
func (m *Manager) Logout(ctx context.Context, id string) (*Snapshot, error) {
	inst := m.get(id)
	if inst == nil {
		return m.logoutUnloaded(ctx, id)
	}

	inst.mu.Lock()
	if inst.deleted {
		inst.mu.Unlock()
		return m.logoutUnloaded(ctx, id)
	}
	sess := inst.session
	var waiter chan struct{}
	if sess != nil {
		waiter = make(chan struct{})
		inst.closeWaiters = append(inst.closeWaiters, waiter)
	}
	inst.mu.Unlock()

	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			m.logger.Warn("engine logout failed, cleaning up locally", "instance", id, "error", err)
		} else {
			timer := time.NewTimer(m.cfg.LogoutTimeout)
			select {
			case <-waiter:
			case <-timer.C:
				m.logger.Warn("logout not confirmed in time, cleaning up locally", "instance", id)
			case <-ctx.Done():
			}
			timer.Stop()
		}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	m.teardownLocked(inst)
	m.purgeLocked(inst)
	inst.artifact = ""
	inst.retryCount = 0
	if inst.status != StatusLoggedOut {
		inst.lastReason = engine.ReasonLoggedOut
		m.setStatusLocked(inst, StatusLoggedOut)
		m.notifyLocked(inst, Notification{
			Event:  EventConnectionUpdate,
			State:  "close",
			Reason: string(engine.ReasonLoggedOut),
			Status: string(StatusLoggedOut),
		})
	}
	m.persistLocked(inst, store.Patch{
		Status:       store.Ptr(string(StatusLoggedOut)),
		RetryCount:   store.Ptr(0),
		LastReason:   store.Ptr(string(engine.ReasonLoggedOut)),
		LastUpdateAt: store.Ptr(inst.lastUpdateAt),
	}, true)

	m.logger.Info("=== INSTANCE LOGGED OUT ===", "instance", id)
	return inst.snapshotLocked(), nil
}

func (m *Manager) logoutUnloaded(ctx context.Context, id string) (*Snapshot, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}
	if err := m.waitDeleted(ctx, id); err != nil {
		return nil, err
	}
	md, err := m.store.GetMetadata(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading metadata for %s: %w", id, err)
	}

	if err := m.creds.Purge(id); err != nil {
		m.logger.Error("purging credentials", "instance", id, "error", err)
	}
	md, err = m.store.MergeMetadata(ctx, id, store.Patch{
		Status:       store.Ptr(string(StatusLoggedOut)),
		RetryCount:   store.Ptr(0),
		LastReason:   store.Ptr(string(engine.ReasonLoggedOut)),
		LastUpdateAt: store.Ptr(time.Now()),
	})
	if err != nil {
		m.logger.Error("saving logged out status", "instance", id, "error", err)
		return &Snapshot{ClientID: id, Status: StatusLoggedOut, Config: InstanceConfig{}}, nil
	}
	snap := snapshotFromMetadata(md)
	snap.Status = StatusLoggedOut
	snap.PersistedStatus = ""
	return snap, nil
}

// Restart closes any live session, marks the instance restarting_pending
// and runs EnsureActive again with the known config.
func (m *Manager) Restart(ctx context.Context, id string) (*Snapshot, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}
	inst, err := m.load(ctx, id, false)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	if !inst.deleted {
		m.teardownLocked(inst)
		inst.retryCount = 0
		inst.artifact = ""
		m.setStatusLocked(inst, StatusRestartingPending)
		m.persistLocked(inst, store.Patch{
			Status:     store.Ptr(string(StatusRestartingPending)),
			RetryCount: store.Ptr(0),
		}, false)
	}
	inst.mu.Unlock()

	m.logger.Info("restarting instance", "instance", id)
	return m.EnsureActive(ctx, id, nil, true)
}

// Delete closes the session of id and irrevocably removes its record,
// metadata and directory. Deleting an unknown id succeeds. Cleanup failures
// are logged and do not fail the call. The id stays tombstoned until the
// durable state is gone, so a concurrent EnsureActive cannot recreate a record
// that the delete then wipes; it waits and starts from scratch instead.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}

	m.mu.Lock()
	if done, ok := m.deleting[id]; ok {
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.deleting[id] = done
	inst := m.instances[id]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.instances, id)
		delete(m.deleting, id)
		m.mu.Unlock()
		close(done)
	}()

	if inst != nil {
		inst.mu.Lock()
		sess := inst.session
		inst.mu.Unlock()

		if sess != nil {
			logoutCtx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
			if err := sess.Logout(logoutCtx); err != nil {
				m.logger.Warn("logout during delete failed", "instance", id, "error", err)
			}
			cancel()
		}

		inst.mu.Lock()
		inst.deleted = true
		m.teardownLocked(inst)
		m.releaseWaitersLocked(inst)
		inst.mu.Unlock()
	}

	m.writer.Discard(id)
	m.verification.InvalidatePrefix(id + ":")
	m.artifacts.Invalidate(id)

	var errs []error
	if err := m.store.DeleteMetadata(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := m.creds.Remove(id); err != nil {
		errs = append(errs, err)
	}
	if m.observer != nil {
		m.observer.Removed(id)
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("deleting instance data", "instance", id, "error", err)
	}

	m.logger.Info("=== INSTANCE DELETED ===", "instance", id)
	return nil
}

// UpdateConfig merges the provided fields into the config of id. A proxy
// change on a connected instance is not applied to the live session; the
// result recommends a reconnect instead.
func (m *Manager) UpdateConfig(ctx context.Context, id string, patch ConfigPatch) (*ConfigUpdate, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	if err := m.waitDeleted(ctx, id); err != nil {
		return nil, err
	}
	inst := m.get(id)
	if inst == nil {
		md, err := m.store.GetMetadata(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("loading metadata for %s: %w", id, err)
		}
		cfg := md.Config
		if patch.apply(&cfg) {
			if err := m.writer.Save(ctx, id, store.Patch{Config: store.Ptr(cfg)}, true); err != nil {
				m.logger.Error("saving config", "instance", id, "error", err)
			}
			m.verification.InvalidatePrefix(id + ":")
		}
		return &ConfigUpdate{Config: cfg}, nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted {
		return nil, ErrInstanceNotFound
	}

	oldProxy := inst.config.ProxyURL
	if !patch.apply(&inst.config) {
		return &ConfigUpdate{Config: inst.config}, nil
	}
	m.persistLocked(inst, store.Patch{Config: store.Ptr(inst.config)}, true)
	m.verification.InvalidatePrefix(id + ":")

	res := &ConfigUpdate{Config: inst.config}
	if inst.config.ProxyURL != oldProxy && inst.status == StatusConnected {
		res.ReconnectionRecommended = true
	}
	m.logger.Info("instance config updated", "instance", id,
		"reconnection_recommended", res.ReconnectionRecommended)
	return res, nil
}

// Restore reconnects every instance whose metadata says it was not in a
// terminal state and which still has credentials. Up to RestoreConcurrency
// instances connect at once. It returns how many were started.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	mds, err := m.store.ListMetadata(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing metadata: %w", err)
	}

	var (
		restored atomic.Int64
		g        errgroup.Group
	)
	g.SetLimit(m.cfg.RestoreConcurrency)
	for _, md := range mds {
		status := Status(md.Status)
		if status.Terminal() || status == StatusDisconnected {
			continue
		}
		if !m.creds.Exists(md.ID) {
			m.logger.Debug("skipping restore without credentials", "instance", md.ID, "status", status)
			continue
		}
		id := md.ID
		g.Go(func() error {
			if _, err := m.EnsureActive(ctx, id, nil, false); err != nil {
				m.logger.Error("restoring instance", "instance", id, "error", err)
				return nil
			}
			restored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("instances restored", "count", restored.Load(), "known", len(mds))
	return int(restored.Load()), nil
}

// Close stops every session and timer, keeping credentials, and flushes
// pending metadata writes.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	loaded := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		loaded = append(loaded, inst)
	}
	m.mu.RUnlock()

	for _, inst := range loaded {
		inst.mu.Lock()
		m.teardownLocked(inst)
		m.releaseWaitersLocked(inst)
		inst.mu.Unlock()
	}

	if err := m.writer.Close(ctx); err != nil {
		return fmt.Errorf("flushing metadata: %w", err)
	}
	return nil
}
