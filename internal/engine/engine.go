// ABOUTME: Protocol engine contract consumed by the instance orchestrator
// ABOUTME: Defines Factory, Session, send kinds, lookups and the lifecycle event sum type

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnsupported is returned for operations a session cannot perform.
var ErrUnsupported = errors.New("operation not supported by engine")

// ErrInvalidAddress is returned when a target cannot be normalized.
var ErrInvalidAddress = errors.New("invalid address")

// Credentials locates the durable session state of one instance.
type Credentials struct {
	InstanceID string
	Dir        string
}

// Options tunes how a session connects.
type Options struct {
	// ProxyURL routes all protocol traffic through an http, https or socks5 proxy.
	ProxyURL string
	Logger   *slog.Logger
}

// Factory opens protocol sessions. The ctx passed to Open bounds the open
// call only; the session lives until Close or Logout.
type Factory interface {
	Open(ctx context.Context, creds Credentials, opts Options) (Session, error)
}

// Session is one live protocol connection.
type Session interface {
	// Events delivers lifecycle and message events. It is closed after the
	// final Close event.
	Events() <-chan Event

	Send(ctx context.Context, kind Kind, target string, content Content) (*SendResult, error)
	LookupExists(ctx context.Context, target string) (*Lookup, error)
	NormalizeAddress(target string) (string, error)
	Presence(ctx context.Context, target string, composing bool) error

	// Logout invalidates the credentials remotely. The session emits a
	// Close event with ReasonLoggedOut afterwards.
	Logout(ctx context.Context) error

	// Close stops the session and keeps the credentials. No Close event is
	// emitted for a local close.
	Close() error
}

// Pairer is implemented by sessions whose pairing completes through the
// gateway (for example a login token handed back by an SSO redirect).
type Pairer interface {
	CompletePairing(ctx context.Context, token string) error
}

// Kind is the kind of outbound message.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// Content is the body of an outbound message. Text kinds use Text; media
// kinds use Data (or URL to fetch) plus the descriptive fields.
type Content struct {
	Text     string
	Caption  string
	URL      string
	Data     []byte
	MimeType string
	FileName string
	// Voice marks audio as a voice note.
	Voice bool
	// ReplyTo quotes an earlier message id.
	ReplyTo string
}

// SendResult identifies a sent message.
type SendResult struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// Lookup is the result of an existence check.
type Lookup struct {
	Exists  bool   `json:"exists"`
	Address string `json:"address"`
}

// Event is one item of a session's event stream.
type Event interface {
	isEvent()
}

// PairingArtifact carries a fresh pairing code, for example a login link to
// render as a QR code.
type PairingArtifact struct {
	Code string
}

// Open reports a successful authentication.
type Open struct {
	User string
}

// Close reports the end of a session.
type Close struct {
	Reason CloseReason
	Err    error
}

// MessageReceived carries an inbound message.
type MessageReceived struct {
	Message Message
}

func (PairingArtifact) isEvent() {}
func (Open) isEvent()            {}
func (Close) isEvent()           {}
func (MessageReceived) isEvent() {}

// CloseReason classifies why a session ended.
type CloseReason string

const (
	ReasonLoggedOut           CloseReason = "logged_out"
	ReasonBadSession          CloseReason = "bad_session"
	ReasonReplaced            CloseReason = "replaced"
	ReasonMultideviceMismatch CloseReason = "multidevice_mismatch"
	ReasonTimedOut            CloseReason = "timed_out"
	ReasonConnectionLost      CloseReason = "connection_lost"
	ReasonConnectionClosed    CloseReason = "connection_closed"
	ReasonRestartRequired     CloseReason = "restart_required"
	ReasonUnknown             CloseReason = "unknown"
)

// Transient reports whether the reason is worth a reconnect attempt.
func (r CloseReason) Transient() bool {
	switch r {
	case ReasonTimedOut, ReasonConnectionLost, ReasonConnectionClosed, ReasonRestartRequired:
		return true
	}
	return false
}

// CloseError attaches a close reason to an error returned by Open or a
// session operation.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// ReasonOf extracts the close reason from err, or ReasonUnknown.
func ReasonOf(err error) CloseReason {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimedOut
	}
	return ReasonUnknown
}
