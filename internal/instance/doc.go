// Package instance orchestrates per-tenant messaging sessions.
//
// # Overview
//
// Every tenant (an "instance", keyed by client id) owns at most one live
// protocol session. The Manager drives each instance through its connection
// state machine, reconnects with backoff after transient failures, persists
// durable facts through a throttled writer, and forwards inbound messages to
// the tenant's subscriber URL.
//
//	mgr := instance.NewManager(cfg, instance.Deps{
//	    Factory:     matrixFactory,
//	    Store:       sqliteStore,
//	    Credentials: creds,
//	    Notifier:    deliveryQueue,
//	})
//
// Key operations:
//
//   - EnsureActive(ctx, id, overrides, explicit): create, hydrate or reuse a session
//   - GetStatus(ctx, id) / List(ctx): snapshots, falling back to stored metadata
//   - SendText / SendMedia / SendAudio / CheckNumber: connected-only send path
//   - QRCode / QRCodePNG / CompletePairing: pairing artifact access
//   - Logout, Restart, Delete, UpdateConfig, Restore, Close
//
// # States
//
//	uninitialized -> creating -> connecting -> waiting_scan -> connected
//
// A closed session moves to reconnecting for transient reasons and to one of
// the terminal statuses otherwise:
//
//   - logged_out, bad_session: credential files are purged
//   - replaced, multidevice_mismatch: another client owns the account
//   - error_max_retries: the reconnect budget is spent
//
// Terminal statuses are left only through an explicit init. A close with an
// unclassified reason is retried, except on the very first attempt of a new
// pairing that never produced an artifact; that instance becomes
// disconnected instead.
//
// # Reconnect Backoff
//
//	delay = min(maxDelay, baseDelay * factor^retryCount)
//
// retryCount increments per scheduled attempt and resets on a successful open.
//
// # Concurrency
//
// Each instance has its own mutex; every transition, engine event and timer
// callback runs under it. A generation counter is bumped whenever a session
// is torn down, so events from a replaced session and timers armed for it
// are dropped. The Manager's map lock is never held while an instance lock
// is taken.
//
// # Persistence
//
// Metadata writes go through store.Writer. Statuses creating, waiting_scan,
// connected, disconnected and logged_out are written immediately; others are
// coalesced within the throttle window.
package instance
