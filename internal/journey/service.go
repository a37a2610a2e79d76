// Package journey manages companion journeys, the conversation-scoped case
// metadata attached to each patient interaction episode.
package journey

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/store"
)

// Service wraps the journey store with the small amount of business logic
// journeys need.
type Service struct {
	journeys store.JourneyStore
	logger   *zap.Logger
}

func NewService(journeys store.JourneyStore, logger *zap.Logger) *Service {
	return &Service{journeys: journeys, logger: logger}
}

// Start creates a new active journey for the user. Any previously active
// journey is paused first so the user has at most one active journey.
func (s *Service) Start(ctx context.Context, userID, healthConcern, language string) (*models.Journey, error) {
	if current, err := s.journeys.ActiveForUser(ctx, userID); err == nil {
		if err := s.journeys.UpdateStatus(ctx, current.ID, models.JourneyPaused); err != nil {
			return nil, fmt.Errorf("pausing previous journey: %w", err)
		}
		s.logger.Info("paused previous journey",
			zap.String("user_id", userID),
			zap.String("journey_id", current.ID))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	j := &models.Journey{
		UserID:        userID,
		HealthConcern: healthConcern,
		Language:      language,
	}
	if err := s.journeys.Create(ctx, j); err != nil {
		return nil, err
	}

	s.logger.Info("started journey",
		zap.String("user_id", userID),
		zap.String("journey_id", j.ID),
		zap.String("health_concern", healthConcern))
	return j, nil
}

// Get returns a journey by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Journey, error) {
	return s.journeys.Get(ctx, id)
}

// ActiveForUser returns the user's current active journey, or
// store.ErrNotFound when none exists.
func (s *Service) ActiveForUser(ctx context.Context, userID string) (*models.Journey, error) {
	return s.journeys.ActiveForUser(ctx, userID)
}

// UpdateStatus transitions a journey's lifecycle state.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.JourneyStatus) error {
	return s.journeys.UpdateStatus(ctx, id, status)
}

// ContextHeader renders the journey block prepended to assembled prompt
// context. Unknown conversations yield "" so context assembly degrades
// instead of failing.
func (s *Service) ContextHeader(ctx context.Context, conversationID string) string {
	j, err := s.journeys.Get(ctx, conversationID)
	if err != nil {
		return ""
	}

	concern := j.HealthConcern
	if concern == "" {
		concern = "General wellness"
	}
	return fmt.Sprintf("[Current Journey Information]\nHealth Concern: %s\nLanguage: %s", concern, j.Language)
}
