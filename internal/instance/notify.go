// ABOUTME: Outbound notification payloads for tenant subscriber URLs
// ABOUTME: Builds qrcode.updated, connection.update and messages.upsert envelopes

package instance

import (
	"time"

	"github.com/2389/hive-gateway/internal/engine"
)

// Notification event names.
const (
	EventQRCodeUpdated    = "qrcode.updated"
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
)

// Notification is the JSON body POSTed to a tenant's subscriber URL.
type Notification struct {
	Event     string          `json:"event"`
	ClientID  string          `json:"clientId"`
	Timestamp time.Time       `json:"timestamp"`
	QRCode    string          `json:"qrcode,omitempty"`
	State     string          `json:"state,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Status    string          `json:"status,omitempty"`
	User      string          `json:"user,omitempty"`
	Message   *engine.Message `json:"message,omitempty"`
}

// EventName lets the delivery queue label jobs.
func (n Notification) EventName() string { return n.Event }

// notifyLocked enqueues n for the subscriber of inst, if any.
func (m *Manager) notifyLocked(inst *instance, n Notification) {
	if m.notifier == nil || inst.config.WebhookURL == "" {
		return
	}
	n.ClientID = inst.id
	n.Timestamp = time.Now().UTC()
	if !m.notifier.Enqueue(inst.config.WebhookURL, n, inst.id) {
		m.logger.Warn("notification dropped", "instance", inst.id, "event", n.Event)
	}
}

// handleMessageLocked forwards an inbound message once per message id.
func (m *Manager) handleMessageLocked(inst *instance, msg engine.Message) {
	if msg.FromMe {
		return
	}
	if msg.IsGroup && inst.config.IgnoreGroups {
		return
	}
	if msg.ID != "" && !m.seen.SetIfAbsent(inst.id+":"+msg.ID, struct{}{}) {
		m.logger.Debug("duplicate inbound message", "instance", inst.id, "message", msg.ID)
		return
	}
	m.notifyLocked(inst, Notification{Event: EventMessagesUpsert, Message: &msg})
}
