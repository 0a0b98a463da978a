// ABOUTME: Conversion between Matrix events and engine messages
// ABOUTME: Address normalization, markdown bodies, media upload and inbound message mapping

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/hive-gateway/internal/engine"
)

// maxMediaSize bounds media fetched from a URL before upload.
const maxMediaSize = 64 << 20

// NormalizeAddress turns a send target into a Matrix user or room id. Bare
// localparts get server appended; user ids are lowercased.
func NormalizeAddress(target, server string) (string, error) {
	t := strings.TrimSpace(target)
	if t == "" || strings.ContainsAny(t, " \t\n") {
		return "", fmt.Errorf("%w: %q", engine.ErrInvalidAddress, target)
	}

	switch t[0] {
	case '!':
		if !strings.Contains(t[1:], ":") {
			return "", fmt.Errorf("%w: %q", engine.ErrInvalidAddress, target)
		}
		return t, nil
	case '#':
		return "", fmt.Errorf("%w: room aliases are not supported: %q", engine.ErrInvalidAddress, target)
	case '@':
		t = t[1:]
	}

	local, host, found := strings.Cut(t, ":")
	if !found {
		host = server
	}
	if local == "" || host == "" {
		return "", fmt.Errorf("%w: %q", engine.ErrInvalidAddress, target)
	}
	return "@" + strings.ToLower(local) + ":" + strings.ToLower(host), nil
}

func isRoomID(target string) bool {
	return strings.HasPrefix(target, "!")
}

// serverName returns the server part of a user id.
func serverName(user id.UserID) string {
	_, server, _ := strings.Cut(user.String(), ":")
	return server
}

// textContent builds a text message, adding an HTML body when the text
// contains markdown formatting.
func textContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return content
	}
	html := strings.TrimSpace(buf.String())
	plain := "<p>" + text + "</p>"
	if html != "" && html != plain {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return content
}

func msgTypeFor(kind engine.Kind) (event.MessageType, error) {
	switch kind {
	case engine.KindImage:
		return event.MsgImage, nil
	case engine.KindVideo:
		return event.MsgVideo, nil
	case engine.KindAudio:
		return event.MsgAudio, nil
	case engine.KindDocument:
		return event.MsgFile, nil
	}
	return "", fmt.Errorf("%w: message kind %q", engine.ErrUnsupported, kind)
}

// mediaContent uploads the media bytes and builds the message event.
func (s *session) mediaContent(ctx context.Context, kind engine.Kind, c engine.Content) (*event.MessageEventContent, error) {
	msgType, err := msgTypeFor(kind)
	if err != nil {
		return nil, err
	}

	data := c.Data
	if len(data) == 0 {
		data, err = s.download(ctx, c.URL)
		if err != nil {
			return nil, err
		}
	}

	upload, err := s.client.UploadBytes(ctx, data, c.MimeType)
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	content := &event.MessageEventContent{
		MsgType: msgType,
		URL:     upload.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: c.MimeType, Size: len(data)},
	}
	switch {
	case c.Caption != "" && c.FileName != "":
		content.Body = c.Caption
		content.FileName = c.FileName
	case c.Caption != "":
		content.Body = c.Caption
	case c.FileName != "":
		content.Body = c.FileName
	default:
		content.Body = string(kind)
	}
	if kind == engine.KindAudio && c.Voice {
		content.MSC3245Voice = &event.MSC3245Voice{}
	}
	return content, nil
}

func (s *session) download(ctx context.Context, rawURL string) ([]byte, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: media without data or url", engine.ErrUnsupported)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}
	resp, err := s.client.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading media: %w", err)
	}
	if len(data) > maxMediaSize {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaSize)
	}
	return data, nil
}

// convertEvent maps a room message or reaction to an engine.Message.
func convertEvent(evt *event.Event, own id.UserID, isGroup bool) (engine.Message, bool) {
	msg := engine.Message{
		ID:        evt.ID.String(),
		From:      evt.Sender.String(),
		Chat:      evt.RoomID.String(),
		FromMe:    evt.Sender == own,
		IsGroup:   isGroup,
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
	}

	switch content := evt.Content.Parsed.(type) {
	case *event.ReactionEventContent:
		msg.Type = engine.MessageReaction
		msg.Emoji = content.RelatesTo.Key
		msg.TargetID = content.RelatesTo.EventID.String()
		return msg, true
	case *event.MessageEventContent:
		fillMessage(&msg, content)
		return msg, true
	}
	return msg, false
}

func fillMessage(msg *engine.Message, c *event.MessageEventContent) {
	if c.RelatesTo != nil && c.RelatesTo.InReplyTo != nil {
		msg.QuotedID = c.RelatesTo.InReplyTo.EventID.String()
	}
	if c.Info != nil {
		msg.MimeType = c.Info.MimeType
		msg.FileSize = c.Info.Size
		msg.Seconds = c.Info.Duration / 1000
	}

	switch c.MsgType {
	case event.MsgText, event.MsgEmote:
		msg.Type = engine.MessageText
		msg.Body = c.Body
		return
	case event.MsgNotice:
		msg.Type = engine.MessageNotice
		msg.Body = c.Body
		return
	case event.MsgLocation:
		msg.Type = engine.MessageLocation
		msg.Body = c.Body
		msg.Latitude, msg.Longitude = parseGeoURI(c.GeoURI)
		return
	case event.MsgImage:
		msg.Type = engine.MessageImage
	case event.MsgVideo:
		msg.Type = engine.MessageVideo
	case event.MsgAudio:
		msg.Type = engine.MessageAudio
	case event.MsgFile:
		msg.Type = engine.MessageDocument
	default:
		msg.Type = engine.MessageUnknown
		msg.Body = c.Body
		return
	}

	msg.MediaURL = string(c.URL)
	msg.FileName = c.FileName
	if c.FileName != "" && c.FileName != c.Body {
		msg.Caption = c.Body
	} else if msg.FileName == "" {
		msg.FileName = c.Body
	}
}

// parseGeoURI reads "geo:lat,lon[;params]".
func parseGeoURI(uri string) (float64, float64) {
	rest, ok := strings.CutPrefix(uri, "geo:")
	if !ok {
		return 0, 0
	}
	rest, _, _ = strings.Cut(rest, ";")
	latStr, lonStr, ok := strings.Cut(rest, ",")
	if !ok {
		return 0, 0
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return lat, lon
}
