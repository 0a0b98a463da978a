// ABOUTME: Connection state machine driven by the engine event stream
// ABOUTME: Connect, close classification, reconnect backoff and connect timeouts

package instance

import (
	"context"
	"time"

	"github.com/2389/hive-gateway/internal/engine"
	"github.com/2389/hive-gateway/internal/store"
)

// connectLocked opens a fresh engine session for inst, replacing any old one.
// inst.mu is released while the engine handshakes, so other callers see the
// instance as connecting; an attempt superseded meanwhile (by a teardown or
// a newer connect) closes the session it opened and leaves inst alone.
func (m *Manager) connectLocked(ctx context.Context, inst *instance) {
	m.teardownLocked(inst)

	inst.hadCredentials = m.creds.Exists(inst.id)
	inst.artifactSeen = false
	inst.artifact = ""
	inst.lastErr = ""
	inst.lastAttemptAt = time.Now()
	m.setStatusLocked(inst, StatusConnecting)
	m.persistLocked(inst, store.Patch{
		Status:        store.Ptr(string(StatusConnecting)),
		RetryCount:    store.Ptr(inst.retryCount),
		LastAttemptAt: store.Ptr(inst.lastAttemptAt),
	}, false)

	dir, err := m.creds.Ensure(inst.id)
	if err != nil {
		m.logger.Error("preparing session directory", "instance", inst.id, "error", err)
		inst.lastErr = err.Error()
		m.handleCloseLocked(inst, engine.Close{Reason: engine.ReasonUnknown, Err: err})
		return
	}

	gen := inst.generation
	opts := engine.Options{
		ProxyURL: inst.config.ProxyURL,
		Logger:   m.logger.With("instance", inst.id),
	}
	inst.opening = true

	inst.mu.Unlock()
	// the session outlives the request; ctx only bounds the open call
	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ConnectTimeout)
	sess, err := m.factory.Open(openCtx, engine.Credentials{InstanceID: inst.id, Dir: dir}, opts)
	cancel()
	inst.mu.Lock()

	if inst.deleted || inst.generation != gen {
		if sess != nil {
			_ = sess.Close()
		}
		m.logger.Debug("discarding superseded connection attempt", "instance", inst.id)
		return
	}
	inst.opening = false

	if err != nil {
		m.logger.Warn("opening session failed", "instance", inst.id, "error", err)
		inst.lastErr = err.Error()
		m.handleCloseLocked(inst, engine.Close{Reason: engine.ReasonOf(err), Err: err})
		return
	}

	inst.session = sess
	inst.connectTimer = time.AfterFunc(m.cfg.ConnectTimeout, func() { m.onConnectTimeout(inst, gen) })
	go m.watch(inst, sess, gen)

	m.logger.Info("connecting instance", "instance", inst.id,
		"retry", inst.retryCount, "has_credentials", inst.hadCredentials)
}

// teardownLocked detaches and closes the live session, stops timers and
// invalidates every callback bound to the previous generation.
func (m *Manager) teardownLocked(inst *instance) {
	inst.generation++
	inst.opening = false
	if inst.connectTimer != nil {
		inst.connectTimer.Stop()
		inst.connectTimer = nil
	}
	if inst.reconnectTimer != nil {
		inst.reconnectTimer.Stop()
		inst.reconnectTimer = nil
	}
	if inst.session != nil {
		if err := inst.session.Close(); err != nil {
			m.logger.Debug("closing session", "instance", inst.id, "error", err)
		}
		inst.session = nil
	}
}

// watch drains the event stream of one session generation.
func (m *Manager) watch(inst *instance, sess engine.Session, gen uint64) {
	sawClose := false
	for ev := range sess.Events() {
		if _, ok := ev.(engine.Close); ok {
			sawClose = true
		}
		m.handleEvent(inst, gen, ev)
	}
	if !sawClose {
		// stream ended without a close event
		m.handleEvent(inst, gen, engine.Close{Reason: engine.ReasonConnectionClosed})
	}
}

func (m *Manager) handleEvent(inst *instance, gen uint64, ev engine.Event) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted || inst.generation != gen {
		return
	}

	switch e := ev.(type) {
	case engine.PairingArtifact:
		m.handleArtifactLocked(inst, e)
	case engine.Open:
		m.handleOpenLocked(inst, e)
	case engine.Close:
		m.handleCloseLocked(inst, e)
	case engine.MessageReceived:
		m.handleMessageLocked(inst, e.Message)
	}
}

func (m *Manager) handleArtifactLocked(inst *instance, e engine.PairingArtifact) {
	if inst.connectTimer != nil {
		// the pairing flow has its own deadline
		inst.connectTimer.Stop()
		inst.connectTimer = nil
	}
	inst.artifact = e.Code
	inst.artifactSeen = true
	m.artifacts.Invalidate(inst.id)

	m.setStatusLocked(inst, StatusWaitingScan)
	m.persistLocked(inst, store.Patch{Status: store.Ptr(string(StatusWaitingScan))}, false)
	m.notifyLocked(inst, Notification{Event: EventQRCodeUpdated, QRCode: e.Code})

	m.logger.Info("pairing artifact ready", "instance", inst.id)
}

func (m *Manager) handleOpenLocked(inst *instance, e engine.Open) {
	if inst.connectTimer != nil {
		inst.connectTimer.Stop()
		inst.connectTimer = nil
	}
	inst.artifact = ""
	m.artifacts.Invalidate(inst.id)
	inst.retryCount = 0
	inst.user = e.User
	inst.lastReason = ""
	inst.lastErr = ""

	m.setStatusLocked(inst, StatusConnected)
	m.persistLocked(inst, store.Patch{
		Status:       store.Ptr(string(StatusConnected)),
		RetryCount:   store.Ptr(0),
		LastReason:   store.Ptr(""),
		LastUpdateAt: store.Ptr(inst.lastUpdateAt),
	}, true)
	m.notifyLocked(inst, Notification{
		Event:  EventConnectionUpdate,
		State:  "open",
		Status: string(StatusConnected),
		User:   e.User,
	})

	m.logger.Info("=== INSTANCE CONNECTED ===", "instance", inst.id, "user", e.User)
}

// handleCloseLocked classifies a session end and moves inst to its next state.
func (m *Manager) handleCloseLocked(inst *instance, e engine.Close) {
	abandon := m.shouldAbandonUnpaired(inst)
	m.teardownLocked(inst)
	m.releaseWaitersLocked(inst)

	reason := e.Reason
	if reason == "" {
		reason = engine.ReasonUnknown
	}
	inst.lastReason = reason
	inst.artifact = ""
	m.artifacts.Invalidate(inst.id)
	if e.Err != nil {
		inst.lastErr = e.Err.Error()
	}

	var next Status
	switch {
	case reason == engine.ReasonLoggedOut:
		m.purgeLocked(inst)
		inst.retryCount = 0
		next = StatusLoggedOut
	case reason == engine.ReasonBadSession:
		m.purgeLocked(inst)
		inst.retryCount = 0
		next = StatusBadSession
	case reason == engine.ReasonReplaced:
		next = StatusReplaced
	case reason == engine.ReasonMultideviceMismatch:
		next = StatusMultideviceMismatch
	case !reason.Transient() && abandon:
		next = StatusDisconnected
	default:
		next = m.scheduleReconnectLocked(inst)
	}

	m.setStatusLocked(inst, next)
	m.persistLocked(inst, store.Patch{
		Status:       store.Ptr(string(next)),
		RetryCount:   store.Ptr(inst.retryCount),
		LastReason:   store.Ptr(string(reason)),
		LastUpdateAt: store.Ptr(inst.lastUpdateAt),
	}, next.Terminal())
	m.notifyLocked(inst, Notification{
		Event:  EventConnectionUpdate,
		State:  "close",
		Reason: string(reason),
		Status: string(next),
	})

	m.logger.Info("instance connection closed", "instance", inst.id,
		"reason", reason, "status", next, "retry", inst.retryCount)
}

// shouldAbandonUnpaired reports whether inst is a brand-new pairing whose
// first attempt died before producing an artifact. Such a session is not
// retried on an unclassified close reason.
func (m *Manager) shouldAbandonUnpaired(inst *instance) bool {
	return !inst.hadCredentials && !inst.artifactSeen && inst.retryCount == 0
}

// scheduleReconnectLocked arms the next reconnect and returns the resulting
// status, or error_max_retries once the budget is spent.
func (m *Manager) scheduleReconnectLocked(inst *instance) Status {
	if inst.retryCount >= m.cfg.MaxRetries {
		m.logger.Warn("reconnect attempts exhausted", "instance", inst.id, "retries", inst.retryCount)
		return StatusErrorMaxRetries
	}

	delay := Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.BackoffFactor, inst.retryCount)
	inst.retryCount++
	gen := inst.generation
	inst.reconnectTimer = m.afterFunc(delay, func() { m.reconnect(inst, gen) })

	m.logger.Info("reconnect scheduled", "instance", inst.id, "attempt", inst.retryCount, "delay", delay)
	return StatusReconnecting
}

func (m *Manager) reconnect(inst *instance, gen uint64) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted || inst.generation != gen || inst.status != StatusReconnecting {
		return
	}
	inst.reconnectTimer = nil
	m.connectLocked(context.Background(), inst)
}

func (m *Manager) onConnectTimeout(inst *instance, gen uint64) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted || inst.generation != gen {
		return
	}
	if inst.status != StatusConnecting && inst.status != StatusCreating {
		return
	}
	inst.connectTimer = nil
	m.logger.Warn("connection attempt timed out", "instance", inst.id, "timeout", m.cfg.ConnectTimeout)
	m.handleCloseLocked(inst, engine.Close{Reason: engine.ReasonTimedOut})
}

func (m *Manager) setStatusLocked(inst *instance, status Status) {
	inst.status = status
	inst.lastUpdateAt = time.Now()
	if m.observer != nil {
		m.observer.StatusChanged(inst.id, status)
	}
}

// persistLocked hands patch to the throttled writer. Write failures are
// logged; in-memory state stays authoritative.
func (m *Manager) persistLocked(inst *instance, patch store.Patch, force bool) {
	if inst.deleted {
		return
	}
	if err := m.writer.Save(context.Background(), inst.id, patch, force); err != nil {
		m.logger.Error("persisting instance metadata", "instance", inst.id, "error", err)
	}
}

func (m *Manager) purgeLocked(inst *instance) {
	if err := m.creds.Purge(inst.id); err != nil {
		m.logger.Error("purging credentials", "instance", inst.id, "error", err)
	}
	m.verification.InvalidatePrefix(inst.id + ":")
	inst.user = ""
}

func (m *Manager) releaseWaitersLocked(inst *instance) {
	for _, ch := range inst.closeWaiters {
		close(ch)
	}
	inst.closeWaiters = nil
}
