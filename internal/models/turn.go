package models

import "time"

// Channel is the surface a message arrived on.
type Channel string

const (
	ChannelApp      Channel = "app"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelApp || c == ChannelWhatsApp
}

// Rank is the deterministic merge priority used to break timestamp ties
// across partitions: app messages sort before whatsapp messages.
func (c Channel) Rank() int {
	if c == ChannelApp {
		return 0
	}
	return 1
}

// Role identifies who produced a turn's text.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation timeline. Turns are immutable once
// written; ID, CreatedAt and Seq are assigned by the store at append time.
type Turn struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	Channel        Channel           `json:"channel"`
	Role           Role              `json:"role"`
	Text           string            `json:"text"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Seq is the insertion order within the turn's channel partition.
	Seq int64 `json:"-"`
}
