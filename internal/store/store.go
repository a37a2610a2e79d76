package store

import (
	"context"
	"errors"

	"github.com/ayureze/companion-backend/internal/models"
)

var (
	// ErrUnavailable wraps backend connectivity failures so callers can
	// decide between degrading and aborting.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("not found")
)

// TurnPartition is one channel's append-only message table.
type TurnPartition interface {
	// Append persists a turn, assigning ID, CreatedAt and Seq. The turn's
	// metadata is extended with channel and user_id before writing.
	Append(ctx context.Context, turn *models.Turn) (string, error)

	// Recent returns up to limit turns for the conversation, newest first.
	Recent(ctx context.Context, userID, conversationID string, limit int) ([]models.Turn, error)

	// Scan returns up to limit turns for a user across all conversations,
	// newest first. An empty userID scans all users; access control is the
	// caller's responsibility.
	Scan(ctx context.Context, userID string, limit int) ([]models.Turn, error)
}

// JourneyStore persists companion journeys.
type JourneyStore interface {
	Create(ctx context.Context, j *models.Journey) error
	Get(ctx context.Context, id string) (*models.Journey, error)
	ActiveForUser(ctx context.Context, userID string) (*models.Journey, error)
	UpdateStatus(ctx context.Context, id string, status models.JourneyStatus) error
}

// SessionStore persists login sessions and OTP codes as expiring records.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	// GetSession returns ErrNotFound for unknown or expired tokens; expired
	// rows are purged as a side effect of the read.
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error

	// SaveOTP upserts the pending code for a phone number.
	SaveOTP(ctx context.Context, otp *models.OTP) error
	// ConsumeOTP deletes and returns the pending code if it matches and has
	// not expired; a mismatch increments the attempt counter.
	ConsumeOTP(ctx context.Context, phone, code string) error
}

// UserStore maps phone numbers to stable user IDs.
type UserStore interface {
	GetOrCreateByPhone(ctx context.Context, phone string) (string, error)
	PhoneForUser(ctx context.Context, userID string) (string, error)
}

// Store is the persistent backend. Both the SQLite and Postgres
// implementations satisfy it.
type Store interface {
	Partition(ch models.Channel) TurnPartition
	Journeys() JourneyStore
	Sessions() SessionStore
	Users() UserStore

	Ping(ctx context.Context) error
	Close() error
}
