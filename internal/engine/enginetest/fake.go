// ABOUTME: Scriptable in-memory protocol engine for orchestrator and gateway tests
// ABOUTME: Lets tests emit pairing, open, close and message events and inspect sends

package enginetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389/hive-gateway/internal/engine"
	"github.com/2389/hive-gateway/internal/store"
)

// Sent records one Send call.
type Sent struct {
	Kind    engine.Kind
	Target  string
	Content engine.Content
}

// Factory hands out fake sessions and remembers every one it opened.
type Factory struct {
	mu         sync.Mutex
	sessions   []*Session
	openErr    error
	registered map[string]bool
	// SilentLogout makes Logout return without emitting a Close event.
	SilentLogout bool
}

// NewFactory creates a Factory where every address exists.
func NewFactory() *Factory {
	return &Factory{registered: make(map[string]bool)}
}

// Open creates a new fake session.
func (f *Factory) Open(ctx context.Context, creds engine.Credentials, opts engine.Options) (engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		err := f.openErr
		f.openErr = nil
		return nil, err
	}
	s := &Session{
		Creds:   creds,
		Opts:    opts,
		factory: f,
		events:  make(chan engine.Event, 256),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// FailNextOpen makes the next Open return err.
func (f *Factory) FailNextOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// SetRegistered controls what LookupExists reports for address.
func (f *Factory) SetRegistered(address string, exists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[strings.ToLower(address)] = exists
}

// Opens returns how many sessions have been opened.
func (f *Factory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Sessions returns every session opened so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Last returns the most recently opened session, or nil.
func (f *Factory) Last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// ForInstance returns the latest session opened for id, or nil.
func (f *Factory) ForInstance(id string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sessions) - 1; i >= 0; i-- {
		if f.sessions[i].Creds.InstanceID == id {
			return f.sessions[i]
		}
	}
	return nil
}

func (f *Factory) exists(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, known := f.registered[strings.ToLower(address)]
	return !known || ok
}

// Session is a fake engine.Session.
type Session struct {
	Creds engine.Credentials
	Opts  engine.Options

	factory *Factory
	events  chan engine.Event

	mu        sync.Mutex
	closed    bool
	sent      []Sent
	presence  []bool
	lookups   int
	loggedOut bool
	sendErr   error
	pairToken string
}

// Events implements engine.Session.
func (s *Session) Events() <-chan engine.Event { return s.events }

// EmitArtifact emits a pairing artifact.
func (s *Session) EmitArtifact(code string) {
	s.emit(engine.PairingArtifact{Code: code})
}

// EmitOpen writes a credentials file, like a real engine after pairing, and
// emits Open.
func (s *Session) EmitOpen(user string) {
	if s.Creds.Dir != "" {
		_ = os.MkdirAll(s.Creds.Dir, 0700)
		_ = os.WriteFile(filepath.Join(s.Creds.Dir, store.CredentialsFile), []byte(`{"user":"`+user+`"}`), 0600)
	}
	s.emit(engine.Open{User: user})
}

// EmitClose emits a Close event and ends the stream.
func (s *Session) EmitClose(reason engine.CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- engine.Close{Reason: reason}
	s.closed = true
	close(s.events)
}

// EmitMessage emits an inbound message.
func (s *Session) EmitMessage(msg engine.Message) {
	s.emit(engine.MessageReceived{Message: msg})
}

func (s *Session) emit(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// FailSends makes every Send return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send implements engine.Session.
func (s *Session) Send(_ context.Context, kind engine.Kind, target string, content engine.Content) (*engine.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, Sent{Kind: kind, Target: target, Content: content})
	return &engine.SendResult{MessageID: fmt.Sprintf("msg-%d", len(s.sent)), ChatID: target}, nil
}

// LookupExists implements engine.Session.
func (s *Session) LookupExists(_ context.Context, target string) (*engine.Lookup, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return &engine.Lookup{Exists: s.factory.exists(target), Address: target}, nil
}

// NormalizeAddress lowercases and trims the target.
func (s *Session) NormalizeAddress(target string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" || strings.ContainsAny(t, " \t") {
		return "", fmt.Errorf("%w: %q", engine.ErrInvalidAddress, target)
	}
	return t, nil
}

// Presence implements engine.Session.
func (s *Session) Presence(_ context.Context, _ string, composing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, composing)
	return nil
}

// Logout records the call and, unless the factory is silent, ends the
// session with ReasonLoggedOut.
func (s *Session) Logout(context.Context) error {
	s.mu.Lock()
	s.loggedOut = true
	s.mu.Unlock()

	if !s.factory.silentLogout() {
		go s.EmitClose(engine.ReasonLoggedOut)
	}
	return nil
}

// CompletePairing implements engine.Pairer.
func (s *Session) CompletePairing(_ context.Context, token string) error {
	s.mu.Lock()
	s.pairToken = token
	s.mu.Unlock()
	s.EmitOpen("@paired:example.com")
	return nil
}

// Close implements engine.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentMessages returns every recorded Send.
func (s *Session) SentMessages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// PresenceUpdates returns the recorded presence updates, true for composing.
func (s *Session) PresenceUpdates() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.presence...)
}

// Lookups returns how many existence checks reached the engine.
func (s *Session) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

// LoggedOut reports whether Logout was called.
func (s *Session) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

// PairToken returns the token passed to CompletePairing.
func (s *Session) PairToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairToken
}

func (f *Factory) silentLogout() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SilentLogout
}
