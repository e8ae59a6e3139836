// Package feishu adapts the Feishu (Lark) bot webhook: the registration
// challenge echo, HMAC signature and verification-token checks, and replies
// delivered through the authenticated outbound send API rather than the
// inline HTTP response.
package feishu

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// EventMessageReceive is the event type carrying an inbound chat message.
const EventMessageReceive = "im.message.receive_v1"

// Chat types for inbound messages.
const (
	ChatTypeP2P   = "p2p"
	ChatTypeGroup = "group"
)

// Envelope is the JSON body of a Feishu webhook POST. Challenge is only set
// during webhook registration; Header and Event carry steady-state traffic.
type Envelope struct {
	Challenge string      `json:"challenge"`
	Type      string      `json:"type"`
	Header    EventHeader `json:"header"`
	Event     Event       `json:"event"`
}

// EventHeader identifies and authenticates an event.
type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Token      string `json:"token"`
	CreateTime string `json:"create_time"`
}

// Event is the im.message.receive_v1 payload.
type Event struct {
	Sender  EventSender `json:"sender"`
	Message Message     `json:"message"`
}

// EventSender identifies who sent the message.
type EventSender struct {
	SenderID SenderID `json:"sender_id"`
}

// SenderID carries the platform-scoped user identifiers.
type SenderID struct {
	UserID string `json:"user_id"`
	OpenID string `json:"open_id"`
}

// Message is the inbound chat message. Content is itself JSON-encoded.
type Message struct {
	MessageID   string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	ChatType    string `json:"chat_type"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}

// mention placeholders injected when the bot is @-mentioned in a group
var mentionPattern = regexp.MustCompile(`@_user_\d+\s*`)

// TextContent extracts the plain text from a text message's content blob,
// with mention placeholders removed.
func (m Message) TextContent() (string, error) {
	var c struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(m.Content), &c); err != nil {
		return "", fmt.Errorf("parse message content: %w", err)
	}
	return strings.TrimSpace(mentionPattern.ReplaceAllString(c.Text, "")), nil
}
