package domain

import "time"

// Event types carried on the broadcast channel. Delivery is
// at-least-once and unordered across topics.
type EventType string

const (
	EventTypingStart      EventType = "typing_start"
	EventTypingStop       EventType = "typing_stop"
	EventMessageRead      EventType = "message_read"
	EventConversationRead EventType = "conversation_read"
	EventPresenceUpdate   EventType = "presence_update"

	// EventReadStatus is a local resync notification carrying the
	// authoritative store aggregate. It is delivered to in-process
	// subscribers only, never published to the channel.
	EventReadStatus EventType = "read_status"
)

// Event is the tagged envelope published to conversation topics and the
// global presence topic. Exactly one payload field is set per type.
type Event struct {
	Type           EventType               `json:"type"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	Typing         *TypingState            `json:"typing,omitempty"`
	Receipts       []ReadReceipt           `json:"receipts,omitempty"`
	Read           *ConversationRead       `json:"read,omitempty"`
	Presence       *UserPresence           `json:"presence,omitempty"`
	Status         *ConversationReadStatus `json:"status,omitempty"`
	SentAt         time.Time               `json:"sent_at"`
}

// ConversationRead is the payload of a conversation_read event:
// one wire event instead of one per message.
type ConversationRead struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	Count          int64     `json:"count"`
	ReadAt         time.Time `json:"read_at"`
}

// Client commands arriving over the WebSocket surface.
const (
	ActionTypingStart          = "typing_start"
	ActionTypingStop           = "typing_stop"
	ActionMarkRead             = "mark_read"
	ActionMarkConversationRead = "mark_conversation_read"
	ActionSetPraying           = "set_praying"
	ActionHeartbeat            = "heartbeat"
)

// ClientCommand is the inbound ws frame.
type ClientCommand struct {
	Action     string         `json:"action"`
	MessageID  string         `json:"message_id,omitempty"`
	MessageIDs []string       `json:"message_ids,omitempty"`
	Activity   TypingActivity `json:"activity,omitempty"`
	RequestIDs []string       `json:"request_ids,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
}

// HandshakeResponse is sent once after the ws upgrade.
type HandshakeResponse struct {
	Type           string `json:"type"` // "handshake"
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ErrorMessage is a ws-safe error frame.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}
