// ABOUTME: Error taxonomy of the instance orchestrator
// ABOUTME: Sentinel errors plus StateError carrying the instance status

package instance

import (
	"errors"
	"fmt"
)

// ErrInstanceNotFound indicates no in-memory record and no durable metadata exist.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrInvalidInstanceID indicates the id cannot be used as an instance key.
var ErrInvalidInstanceID = errors.New("invalid instance id")

// ErrNotConnected indicates the operation needs a connected session.
var ErrNotConnected = errors.New("instance not connected")

// ErrRecipientNotRegistered indicates the destination failed existence verification.
var ErrRecipientNotRegistered = errors.New("recipient not registered")

// ErrNoArtifact indicates there is no pairing artifact to show.
var ErrNoArtifact = errors.New("no pairing artifact available")

// ErrPairingUnsupported indicates the session does not complete pairing through the gateway.
var ErrPairingUnsupported = errors.New("pairing completion not supported")

// ErrRateLimited indicates the instance exceeded its outbound message rate.
var ErrRateLimited = errors.New("message rate limit exceeded")

// ErrInvalidConfig indicates a rejected config value.
var ErrInvalidConfig = errors.New("invalid instance config")

// ErrInvalidRequest indicates a malformed send request.
var ErrInvalidRequest = errors.New("invalid request")

// StateError reports an operation refused because of the instance status.
type StateError struct {
	ID     string
	Status Status
	Err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (status %s)", e.ID, e.Err, e.Status)
}

func (e *StateError) Unwrap() error { return e.Err }

// StatusOf returns the status carried by err, if any.
func StatusOf(err error) (Status, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return "", false
}
