package models

import "time"

// JourneyStatus tracks the lifecycle of a companion journey.
type JourneyStatus string

const (
	JourneyActive    JourneyStatus = "active"
	JourneyPaused    JourneyStatus = "paused"
	JourneyCompleted JourneyStatus = "completed"
)

// Journey is one ongoing patient interaction episode. A user may have many
// journeys over time but at most one active one; the journey ID doubles as
// the conversation ID for its turns.
type Journey struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	HealthConcern string        `json:"health_concern"`
	Language      string        `json:"language"`
	Status        JourneyStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}
