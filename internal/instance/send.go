// ABOUTME: Outbound send path: text, media and audio messages plus recipient checks
// ABOUTME: Requires a connected session, rate limits per instance and caches existence lookups

package instance

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/2389/hive-gateway/internal/engine"
)

// MaxTypingDelay bounds the simulated typing pause before a text send.
const MaxTypingDelay = 10 * time.Second

// TextRequest is an outbound text message.
type TextRequest struct {
	To      string `json:"to"`
	Text    string `json:"text"`
	ReplyTo string `json:"replyTo,omitempty"`
	// TypingDelay shows a composing indicator for this long before sending.
	TypingDelay time.Duration `json:"-"`
}

// MediaRequest is an outbound media message. Kind is inferred from the mime
// type when empty.
type MediaRequest struct {
	To       string      `json:"to"`
	Kind     engine.Kind `json:"kind,omitempty"`
	URL      string      `json:"url,omitempty"`
	Data     []byte      `json:"data,omitempty"`
	MimeType string      `json:"mimetype,omitempty"`
	FileName string      `json:"fileName,omitempty"`
	Caption  string      `json:"caption,omitempty"`
}

// AudioRequest is an outbound audio clip or voice note.
type AudioRequest struct {
	To       string `json:"to"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// SendText sends a text message from id.
func (m *Manager) SendText(ctx context.Context, id string, req TextRequest) (*engine.SendResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidRequest)
	}
	inst, sess, err := m.activeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.limiter.Allow() {
		return nil, ErrRateLimited
	}
	target, err := m.resolveRecipient(ctx, id, sess, req.To)
	if err != nil {
		return nil, err
	}

	if req.TypingDelay > 0 {
		m.simulateTyping(ctx, id, sess, target, min(req.TypingDelay, MaxTypingDelay))
	}

	res, err := sess.Send(ctx, engine.KindText, target, engine.Content{Text: req.Text, ReplyTo: req.ReplyTo})
	if err != nil {
		return nil, fmt.Errorf("sending text from %s: %w", id, err)
	}
	m.logger.Debug("text sent", "instance", id, "message", res.MessageID)
	return res, nil
}

// SendMedia sends a media message from id.
func (m *Manager) SendMedia(ctx context.Context, id string, req MediaRequest) (*engine.SendResult, error) {
	if req.URL == "" && len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: media needs url or data", ErrInvalidRequest)
	}
	req.MimeType = inferMimeType(req.MimeType, req.FileName, req.URL)
	if req.Kind == "" {
		req.Kind = kindForMime(req.MimeType)
	}
	switch req.Kind {
	case engine.KindImage, engine.KindVideo, engine.KindDocument, engine.KindAudio:
	default:
		return nil, fmt.Errorf("%w: unsupported media kind %q", ErrInvalidRequest, req.Kind)
	}

	inst, sess, err := m.activeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.limiter.Allow() {
		return nil, ErrRateLimited
	}
	target, err := m.resolveRecipient(ctx, id, sess, req.To)
	if err != nil {
		return nil, err
	}

	res, err := sess.Send(ctx, req.Kind, target, engine.Content{
		Caption:  req.Caption,
		URL:      req.URL,
		Data:     req.Data,
		MimeType: req.MimeType,
		FileName: req.FileName,
	})
	if err != nil {
		return nil, fmt.Errorf("sending %s from %s: %w", req.Kind, id, err)
	}
	return res, nil
}

// SendAudio sends an audio clip or voice note from id.
func (m *Manager) SendAudio(ctx context.Context, id string, req AudioRequest) (*engine.SendResult, error) {
	if req.URL == "" && len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: audio needs url or data", ErrInvalidRequest)
	}
	req.MimeType = inferMimeType(req.MimeType, "", req.URL)
	if req.MimeType == "" || req.MimeType == "application/octet-stream" {
		req.MimeType = "audio/ogg"
	}

	inst, sess, err := m.activeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.limiter.Allow() {
		return nil, ErrRateLimited
	}
	target, err := m.resolveRecipient(ctx, id, sess, req.To)
	if err != nil {
		return nil, err
	}

	res, err := sess.Send(ctx, engine.KindAudio, target, engine.Content{
		URL:      req.URL,
		Data:     req.Data,
		MimeType: req.MimeType,
		Voice:    req.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("sending audio from %s: %w", id, err)
	}
	return res, nil
}

// CheckNumber reports whether target exists on the protocol, using the
// verification cache.
func (m *Manager) CheckNumber(ctx context.Context, id, target string) (*engine.Lookup, error) {
	_, sess, err := m.activeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.lookup(ctx, id, sess, target)
}

// activeSession returns the live session of a connected instance.
func (m *Manager) activeSession(ctx context.Context, id string) (*instance, engine.Session, error) {
	inst := m.get(id)
	if inst == nil {
		snap, err := m.GetStatus(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, &StateError{ID: id, Status: snap.Status, Err: ErrNotConnected}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted {
		return nil, nil, ErrInstanceNotFound
	}
	if inst.status != StatusConnected || inst.session == nil {
		return nil, nil, &StateError{ID: id, Status: inst.status, Err: ErrNotConnected}
	}
	return inst, inst.session, nil
}

func (m *Manager) lookup(ctx context.Context, id string, sess engine.Session, target string) (*engine.Lookup, error) {
	normalized, err := sess.NormalizeAddress(target)
	if err != nil {
		return nil, err
	}

	key := id + ":" + normalized
	if cached, ok := m.verification.Get(key); ok {
		return &cached, nil
	}

	res, err := sess.LookupExists(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", normalized, err)
	}
	if res.Address == "" {
		res.Address = normalized
	}
	m.verification.Set(key, *res)
	return res, nil
}

// resolveRecipient returns the address to send to, failing with
// ErrRecipientNotRegistered when the lookup reports no such account.
func (m *Manager) resolveRecipient(ctx context.Context, id string, sess engine.Session, target string) (string, error) {
	res, err := m.lookup(ctx, id, sess, target)
	if err != nil {
		return "", err
	}
	if !res.Exists {
		return "", fmt.Errorf("%w: %s", ErrRecipientNotRegistered, res.Address)
	}
	return res.Address, nil
}

func (m *Manager) simulateTyping(ctx context.Context, id string, sess engine.Session, target string, d time.Duration) {
	if err := sess.Presence(ctx, target, true); err != nil {
		m.logger.Debug("typing indicator failed", "instance", id, "error", err)
		return
	}

	timer := time.NewTimer(d)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	if err := sess.Presence(context.WithoutCancel(ctx), target, false); err != nil {
		m.logger.Debug("clearing typing indicator failed", "instance", id, "error", err)
	}
}

// inferMimeType returns explicit when set, otherwise guesses from the file
// name or URL extension.
func inferMimeType(explicit, fileName, rawURL string) string {
	if explicit != "" {
		return explicit
	}
	name := fileName
	if name == "" && rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	if ext := path.Ext(name); ext != "" {
		if t := mime.TypeByExtension(strings.ToLower(ext)); t != "" {
			if i := strings.IndexByte(t, ';'); i >= 0 {
				t = t[:i]
			}
			return t
		}
	}
	return "application/octet-stream"
}

func kindForMime(mimeType string) engine.Kind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return engine.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return engine.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return engine.KindAudio
	}
	return engine.KindDocument
}
