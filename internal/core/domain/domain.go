package domain

import (
	"time"
)

// TypingActivity describes what kind of content is being composed.
type TypingActivity string

const (
	ActivityTyping         TypingActivity = "typing"
	ActivityRecordingAudio TypingActivity = "recording_audio"
	ActivityRecordingVideo TypingActivity = "recording_video"
)

// TypingState represents one user composing in one conversation.
// Always transient: at most one live state per (conversation, user),
// never written to the store.
type TypingState struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	UserName       string         `json:"user_name"`
	Activity       TypingActivity `json:"activity"`
	StartedAt      time.Time      `json:"started_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// ReadReceipt is the durable record that a user has read a message.
// Logical key is (MessageID, UserID); re-marking updates ReadAt instead
// of creating a second row.
type ReadReceipt struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	ReadAt         time.Time `json:"read_at"`
	DeviceID       string    `json:"device_id,omitempty"`
}

// ConversationReadStatus is the store-derived watermark aggregate behind
// inbox unread badges. Unread counts always come from this row, never
// from scanning messages client-side.
type ConversationReadStatus struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"`
	UnreadCount    int       `json:"unread_count"`
}

// PresenceStatus is a user's live availability as seen by other participants.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusPraying PresenceStatus = "praying"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Rank orders statuses for roster display: praying first, offline last.
func (s PresenceStatus) Rank() int {
	switch s {
	case StatusPraying:
		return 0
	case StatusOnline:
		return 1
	case StatusAway:
		return 2
	default:
		return 3
	}
}

// Valid reports whether s is one of the known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusPraying, StatusAway, StatusOffline:
		return true
	}
	return false
}

// UserPresence is the single current availability row for a user.
// Status is re-derived from the most recent heartbeat/activity;
// cross-device races resolve last-write-wins by LastActiveAt.
type UserPresence struct {
	UserID       string         `json:"user_id"`
	UserName     string         `json:"user_name,omitempty"`
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"custom_status,omitempty"`
	PrayingFor   []string       `json:"praying_for,omitempty"`
	LastActiveAt time.Time      `json:"last_active_at"`
}

// OnlineStats aggregates the active population. Refreshed on an
// interval rather than recomputed per request.
type OnlineStats struct {
	Online  int       `json:"online"`
	Praying int       `json:"praying"`
	Away    int       `json:"away"`
	AsOf    time.Time `json:"as_of"`
}
