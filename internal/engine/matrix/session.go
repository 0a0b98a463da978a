// ABOUTME: One tenant's Matrix connection: pairing, sync loop and event emission
// ABOUTME: Translates mautrix callbacks and sync failures into engine events

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/hive-gateway/internal/engine"
)

// eventBuffer is the capacity of a session's event channel.
const eventBuffer = 64

// networkTimeout bounds single Matrix API calls made outside a caller context.
const networkTimeout = 10 * time.Second

type session struct {
	factory *Factory
	client  *mautrix.Client
	creds   engine.Credentials
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards events and closed; emit holds it while sending.
	mu     sync.Mutex
	events chan engine.Event
	closed bool

	finishOnce sync.Once
	crypto     *cryptoStore
	rooms      *roomDirectory
	startedAt  time.Time

	pairMu       sync.Mutex
	pairingTimer *time.Timer
	paired       bool
}

func newSession(f *Factory, client *mautrix.Client, creds engine.Credentials, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		factory:   f,
		client:    client,
		creds:     creds,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan engine.Event, eventBuffer),
		rooms:     newRoomDirectory(client, creds.Dir, logger),
		startedAt: time.Now(),
	}
}

// Events implements engine.Session.
func (s *session) Events() <-chan engine.Event { return s.events }

func (s *session) emit(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// finish emits the final Close event and ends the stream.
func (s *session) finish(ev engine.Close) {
	s.finishOnce.Do(func() {
		s.emit(ev)
		s.cancel()
		s.client.StopSync()
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// shutdown stops everything without emitting a Close event.
func (s *session) shutdown() {
	s.cancel()
	s.client.StopSync()
	s.pairMu.Lock()
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
	}
	s.pairMu.Unlock()

	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	s.wg.Wait()

	if s.crypto != nil {
		if err := s.crypto.Close(); err != nil {
			s.logger.Debug("closing crypto store", "error", err)
		}
	}
}

// startPairing publishes the SSO link and arms the pairing deadline.
func (s *session) startPairing(homeserver string) {
	callback := homeserver
	if s.factory.cfg.CallbackURL != nil {
		callback = s.factory.cfg.CallbackURL(s.creds.InstanceID)
	}
	link := SSOLoginURL(homeserver, callback)

	s.pairMu.Lock()
	s.pairingTimer = time.AfterFunc(s.factory.cfg.PairingTimeout, func() {
		s.pairMu.Lock()
		paired := s.paired
		s.pairMu.Unlock()
		if !paired {
			s.logger.Info("pairing window expired")
			s.finish(engine.Close{Reason: engine.ReasonTimedOut})
		}
	})
	s.pairMu.Unlock()

	s.logger.Info("waiting for sso pairing", "timeout", s.factory.cfg.PairingTimeout)
	s.emit(engine.PairingArtifact{Code: link})
}

// CompletePairing implements engine.Pairer by exchanging an SSO login token
// for an access token.
func (s *session) CompletePairing(ctx context.Context, token string) error {
	s.pairMu.Lock()
	if s.paired {
		s.pairMu.Unlock()
		return errors.New("session already paired")
	}
	s.paired = true
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
	}
	s.pairMu.Unlock()

	resp, err := s.client.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: s.factory.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		reason := classify(err)
		if reason == engine.ReasonUnknown {
			reason = engine.ReasonBadSession
		}
		s.finish(engine.Close{Reason: reason, Err: err})
		return fmt.Errorf("exchanging login token: %w", err)
	}

	sc := &storedCredentials{
		Homeserver:  s.client.HomeserverURL.String(),
		UserID:      resp.UserID.String(),
		DeviceID:    resp.DeviceID.String(),
		AccessToken: resp.AccessToken,
		CreatedAt:   time.Now().UTC(),
	}
	if err := saveCredentials(s.creds.Dir, sc); err != nil {
		s.finish(engine.Close{Reason: engine.ReasonUnknown, Err: err})
		return err
	}

	if err := s.start(ctx, sc); err != nil {
		s.finish(engine.Close{Reason: engine.ReasonOf(err), Err: err})
		return err
	}
	s.logger.Info("sso pairing completed", "user", sc.UserID, "device", sc.DeviceID)
	return nil
}

// resume validates stored credentials and starts syncing.
func (s *session) resume(ctx context.Context, sc *storedCredentials) error {
	who, err := s.client.Whoami(ctx)
	if err != nil {
		return &engine.CloseError{Reason: classify(err), Err: fmt.Errorf("validating access token: %w", err)}
	}
	if sc.DeviceID != "" && who.DeviceID != "" && who.DeviceID.String() != sc.DeviceID {
		return &engine.CloseError{
			Reason: engine.ReasonReplaced,
			Err:    fmt.Errorf("token belongs to device %s, expected %s", who.DeviceID, sc.DeviceID),
		}
	}
	return s.start(ctx, sc)
}

// start sets up encryption and event handlers, launches the sync loop and
// emits Open.
func (s *session) start(ctx context.Context, sc *storedCredentials) error {
	if s.factory.cfg.Encryption {
		key, err := deriveStoreKey(s.factory.cfg.PickleSecret, s.creds.InstanceID)
		if err != nil {
			return err
		}
		cs, err := setupCrypto(ctx, s.client, key, s.creds.Dir, s.logger)
		if err != nil {
			return err
		}
		s.crypto = cs
	}

	if err := s.rooms.load(); err != nil {
		s.logger.Warn("loading room directory", "error", err)
	}

	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", s.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, s.handleMessageEvent)
	syncer.OnEventType(event.EventReaction, s.handleMessageEvent)
	syncer.OnEventType(event.StateMember, s.handleMemberEvent)

	s.wg.Add(1)
	go s.syncLoop()

	s.emit(engine.Open{User: sc.UserID})
	return nil
}

func (s *session) syncLoop() {
	defer s.wg.Done()

	err := s.client.SyncWithContext(s.ctx)
	if s.ctx.Err() != nil {
		// local close
		return
	}
	reason := engine.ReasonConnectionClosed
	if err != nil {
		reason = classify(err)
		if reason == engine.ReasonUnknown {
			reason = engine.ReasonConnectionLost
		}
	}
	s.logger.Warn("matrix sync stopped", "reason", reason, "error", err)
	s.finish(engine.Close{Reason: reason, Err: err})
}

func (s *session) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if time.UnixMilli(evt.Timestamp).Before(s.startedAt.Add(-time.Minute)) {
		// backlog from the initial sync
		return
	}
	isGroup := s.rooms.isGroup(ctx, evt.RoomID)
	msg, ok := convertEvent(evt, s.client.UserID, isGroup)
	if !ok {
		return
	}
	s.emit(engine.MessageReceived{Message: msg})
}

func (s *session) handleMemberEvent(ctx context.Context, evt *event.Event) {
	member, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || evt.GetStateKey() != s.client.UserID.String() {
		return
	}
	if member.Membership != event.MembershipInvite {
		return
	}

	s.logger.Info("accepting room invite", "room", evt.RoomID.String(), "from", evt.Sender.String())
	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := s.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		s.logger.Warn("joining invited room", "room", evt.RoomID.String(), "error", err)
		return
	}
	if member.IsDirect {
		s.rooms.remember(evt.Sender, evt.RoomID)
	}
}

// Send implements engine.Session.
func (s *session) Send(ctx context.Context, kind engine.Kind, target string, content engine.Content) (*engine.SendResult, error) {
	roomID, err := s.rooms.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	var msg *event.MessageEventContent
	if kind == engine.KindText {
		msg = textContent(content.Text)
	} else {
		msg, err = s.mediaContent(ctx, kind, content)
		if err != nil {
			return nil, err
		}
	}
	if content.ReplyTo != "" {
		msg.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(content.ReplyTo)}}
	}

	resp, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, msg)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", kind, err)
	}
	return &engine.SendResult{MessageID: resp.EventID.String(), ChatID: roomID.String()}, nil
}

// LookupExists implements engine.Session. Users are checked through their
// profile; rooms through the joined member list.
func (s *session) LookupExists(ctx context.Context, target string) (*engine.Lookup, error) {
	if isRoomID(target) {
		_, err := s.client.JoinedMembers(ctx, id.RoomID(target))
		if err != nil {
			if isNotFound(err) {
				return &engine.Lookup{Exists: false, Address: target}, nil
			}
			return nil, err
		}
		return &engine.Lookup{Exists: true, Address: target}, nil
	}

	_, err := s.client.GetProfile(ctx, id.UserID(target))
	if err != nil {
		if isNotFound(err) {
			return &engine.Lookup{Exists: false, Address: target}, nil
		}
		return nil, err
	}
	return &engine.Lookup{Exists: true, Address: target}, nil
}

// NormalizeAddress implements engine.Session.
func (s *session) NormalizeAddress(target string) (string, error) {
	return NormalizeAddress(target, serverName(s.client.UserID))
}

// Presence implements engine.Session.
func (s *session) Presence(ctx context.Context, target string, composing bool) error {
	roomID, err := s.rooms.resolve(ctx, target)
	if err != nil {
		return err
	}
	var timeout time.Duration
	if composing {
		timeout = 30 * time.Second
	}
	if _, err := s.client.UserTyping(ctx, roomID, composing, timeout); err != nil {
		return fmt.Errorf("setting typing: %w", err)
	}
	return nil
}

// Logout implements engine.Session.
func (s *session) Logout(ctx context.Context) error {
	if s.client.AccessToken == "" {
		go s.finish(engine.Close{Reason: engine.ReasonLoggedOut})
		return nil
	}
	if _, err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	go s.finish(engine.Close{Reason: engine.ReasonLoggedOut})
	return nil
}

// Close implements engine.Session.
func (s *session) Close() error {
	s.shutdown()
	return nil
}
