// Package auth implements OTP login and bearer sessions. Codes and sessions
// are store records with explicit expiry checked on read, never
// process-lifetime maps, so any instance can verify a login.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/metrics"
	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/store"
)

const (
	// DefaultOTPTTL is how long an issued code stays valid.
	DefaultOTPTTL = 5 * time.Minute

	// DefaultSessionTTL matches the original product's one-week sessions.
	DefaultSessionTTL = 7 * 24 * time.Hour
)

// ErrInvalidCode is returned when an OTP is wrong, expired, or was never
// issued. Callers surface it uniformly so the response does not leak which
// case occurred.
var ErrInvalidCode = errors.New("invalid or expired code")

// ErrInvalidSession is returned for unknown or expired session tokens.
var ErrInvalidSession = errors.New("invalid or expired session")

// CodeSender delivers an OTP to a phone number, typically over the WhatsApp
// gateway. May be nil in development, in which case codes are only logged.
type CodeSender interface {
	SendOTP(ctx context.Context, phone, code string) error
}

// Service issues and verifies OTP codes and sessions.
type Service struct {
	sessions   store.SessionStore
	users      store.UserStore
	sender     CodeSender
	otpTTL     time.Duration
	sessionTTL time.Duration
	logger     *zap.Logger
}

func NewService(sessions store.SessionStore, users store.UserStore, sender CodeSender, otpTTL, sessionTTL time.Duration, logger *zap.Logger) *Service {
	if otpTTL <= 0 {
		otpTTL = DefaultOTPTTL
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Service{
		sessions:   sessions,
		users:      users,
		sender:     sender,
		otpTTL:     otpTTL,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// RequestOTP issues a fresh code for the phone number, replacing any
// pending one, and hands it to the code sender.
func (s *Service) RequestOTP(ctx context.Context, phone string) error {
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generating code: %w", err)
	}

	now := time.Now().UTC()
	otp := &models.OTP{
		Phone:     phone,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.otpTTL),
	}
	if err := s.sessions.SaveOTP(ctx, otp); err != nil {
		return fmt.Errorf("saving otp: %w", err)
	}
	metrics.OTPIssued.Inc()

	if s.sender != nil {
		if err := s.sender.SendOTP(ctx, phone, code); err != nil {
			s.logger.Error("failed to deliver otp", zap.String("phone", phone), zap.Error(err))
			return fmt.Errorf("delivering code: %w", err)
		}
	} else {
		s.logger.Info("otp issued without sender configured", zap.String("phone", phone))
	}
	return nil
}

// VerifyOTP consumes the code and, on success, creates the user record if
// needed and opens a session.
func (s *Service) VerifyOTP(ctx context.Context, phone, code string) (*models.Session, error) {
	if err := s.sessions.ConsumeOTP(ctx, phone, code); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}

	userID, err := s.users.GetOrCreateByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()

	s.logger.Info("session created", zap.String("user_id", userID))
	return sess, nil
}

// Authenticate resolves a bearer token to its session. Expiry is enforced
// by the store read.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	sess, err := s.sessions.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Logout invalidates a session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.DeleteSession(ctx, token)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
