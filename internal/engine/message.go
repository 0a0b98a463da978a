// ABOUTME: Normalized inbound message shape shared by all engines
// ABOUTME: Serialized as the "message" field of messages.upsert notifications

package engine

import "time"

// MessageType is the normalized type of an inbound message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageLocation MessageType = "location"
	MessageReaction MessageType = "reaction"
	MessageNotice   MessageType = "notice"
	MessageUnknown  MessageType = "unknown"
)

// Message is an inbound message in engine-neutral form.
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Chat      string      `json:"chat"`
	PushName  string      `json:"pushName,omitempty"`
	FromMe    bool        `json:"fromMe"`
	IsGroup   bool        `json:"isGroup"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`

	Body     string `json:"body,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileSize int    `json:"fileSize,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	// Seconds is the duration of audio and video.
	Seconds int `json:"seconds,omitempty"`

	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	// Emoji and TargetID describe a reaction.
	Emoji    string `json:"emoji,omitempty"`
	TargetID string `json:"targetId,omitempty"`

	// QuotedID is the id of the message this one replies to.
	QuotedID string `json:"quotedId,omitempty"`
}
