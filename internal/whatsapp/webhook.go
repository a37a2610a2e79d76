package whatsapp

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// InboundMessage is the gateway's webhook payload for one user message.
// The gateway handles Meta-API specifics and delivers this narrow shape.
type InboundMessage struct {
	Phone          string `json:"phone"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// ParseInbound decodes and validates a webhook body.
func ParseInbound(r io.Reader) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}
	if strings.TrimSpace(msg.Phone) == "" {
		return nil, fmt.Errorf("webhook payload missing phone")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, fmt.Errorf("webhook payload missing text")
	}
	return &msg, nil
}
