// ABOUTME: Instance connection states and reconnect backoff policy
// ABOUTME: Classifies terminal, in-flight and critical states for the orchestrator and writer

package instance

import (
	"math"
	"time"
)

// Status is the connection state of an instance.
type Status string

const (
	StatusUninitialized     Status = "uninitialized"
	StatusCreating          Status = "creating"
	StatusConnecting        Status = "connecting"
	StatusWaitingScan       Status = "waiting_scan"
	StatusConnected         Status = "connected"
	StatusReconnecting      Status = "reconnecting"
	StatusDisconnected      Status = "disconnected"
	StatusRestartingPending Status = "restarting_pending"

	StatusLoggedOut           Status = "logged_out"
	StatusBadSession          Status = "bad_session"
	StatusReplaced            Status = "replaced"
	StatusMultideviceMismatch Status = "multidevice_mismatch"
	StatusErrorMaxRetries     Status = "error_max_retries"

	// StatusNotLoaded is reported for instances known only from durable
	// metadata.
	StatusNotLoaded Status = "not_loaded"
)

// Terminal reports whether the status requires an explicit init to leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusLoggedOut, StatusBadSession, StatusReplaced, StatusMultideviceMismatch, StatusErrorMaxRetries:
		return true
	}
	return false
}

// InFlight reports whether a connection attempt is underway.
func (s Status) InFlight() bool {
	switch s {
	case StatusCreating, StatusConnecting, StatusWaitingScan:
		return true
	}
	return false
}

// criticalStatuses are persisted immediately, bypassing the write throttle.
var criticalStatuses = []Status{
	StatusCreating,
	StatusWaitingScan,
	StatusConnected,
	StatusDisconnected,
	StatusLoggedOut,
}

// CriticalStatuses returns the statuses that bypass write throttling.
func CriticalStatuses() []string {
	out := make([]string, len(criticalStatuses))
	for i, s := range criticalStatuses {
		out[i] = string(s)
	}
	return out
}

// Backoff returns the reconnect delay before attempt retry+1:
// min(maxDelay, base * factor^retry).
func Backoff(base, maxDelay time.Duration, factor float64, retry int) time.Duration {
	d := float64(base) * math.Pow(factor, float64(retry))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
