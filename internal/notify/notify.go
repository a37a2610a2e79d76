// Package notify pushes turn events to subscribers so channel surfaces can
// react to new messages without polling the store.
package notify

import (
	"context"

	"github.com/ayureze/companion-backend/internal/models"
)

// Event describes one appended turn.
type Event struct {
	TurnID         string         `json:"turn_id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Channel        models.Channel `json:"channel"`
	Role           models.Role    `json:"role"`
}

// Publisher delivers turn events. Publishing is best-effort: the send path
// logs failures but never fails a request over them.
type Publisher interface {
	TurnAppended(ctx context.Context, ev Event) error
	Close() error
}

// Nop is the Publisher used when no pub/sub backend is configured.
type Nop struct{}

func (Nop) TurnAppended(context.Context, Event) error { return nil }
func (Nop) Close() error                              { return nil }
