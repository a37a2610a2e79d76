package auth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/store"
)

// memSessions keeps OTPs and sessions in maps with the same expiry-on-read
// contract as the real stores.
type memSessions struct {
	otps     map[string]models.OTP
	sessions map[string]models.Session
}

func newMemSessions() *memSessions {
	return &memSessions{
		otps:     make(map[string]models.OTP),
		sessions: make(map[string]models.Session),
	}
}

func (m *memSessions) CreateSession(ctx context.Context, sess *models.Session) error {
	m.sessions[sess.Token] = *sess
	return nil
}

func (m *memSessions) GetSession(ctx context.Context, token string) (*models.Session, error) {
	sess, ok := m.sessions[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.Expired(time.Now().UTC()) {
		delete(m.sessions, token)
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (m *memSessions) DeleteSession(ctx context.Context, token string) error {
	delete(m.sessions, token)
	return nil
}

func (m *memSessions) SaveOTP(ctx context.Context, otp *models.OTP) error {
	m.otps[otp.Phone] = *otp
	return nil
}

func (m *memSessions) ConsumeOTP(ctx context.Context, phone, code string) error {
	otp, ok := m.otps[phone]
	if !ok || otp.Code != code || time.Now().UTC().After(otp.ExpiresAt) {
		return store.ErrNotFound
	}
	delete(m.otps, phone)
	return nil
}

type memUsers struct {
	byPhone map[string]string
}

func (m *memUsers) GetOrCreateByPhone(ctx context.Context, phone string) (string, error) {
	if id, ok := m.byPhone[phone]; ok {
		return id, nil
	}
	id := "user-" + phone
	m.byPhone[phone] = id
	return id, nil
}

func (m *memUsers) PhoneForUser(ctx context.Context, userID string) (string, error) {
	for phone, id := range m.byPhone {
		if id == userID {
			return phone, nil
		}
	}
	return "", store.ErrNotFound
}

// captureSender records delivered codes instead of calling a gateway.
type captureSender struct {
	phone, code string
	err         error
}

func (c *captureSender) SendOTP(ctx context.Context, phone, code string) error {
	if c.err != nil {
		return c.err
	}
	c.phone = phone
	c.code = code
	return nil
}

func newAuthFixture() (*Service, *memSessions, *captureSender) {
	sessions := newMemSessions()
	users := &memUsers{byPhone: make(map[string]string)}
	sender := &captureSender{}
	svc := NewService(sessions, users, sender, 0, 0, zap.NewNop())
	return svc, sessions, sender
}

func TestOTPLoginRoundtrip(t *testing.T) {
	svc, _, sender := newAuthFixture()
	ctx := context.Background()

	require.NoError(t, svc.RequestOTP(ctx, "+911234567890"))
	assert.Equal(t, "+911234567890", sender.phone)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), sender.code)

	sess, err := svc.VerifyOTP(ctx, "+911234567890", sender.code)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, "user-+911234567890", sess.UserID)
	assert.True(t, sess.ExpiresAt.After(time.Now()))

	got, err := svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, got.UserID)
}

func TestVerifyOTPWrongCode(t *testing.T) {
	svc, _, sender := newAuthFixture()
	ctx := context.Background()

	require.NoError(t, svc.RequestOTP(ctx, "+911234567890"))

	wrong := "000000"
	if sender.code == wrong {
		wrong = "000001"
	}
	_, err := svc.VerifyOTP(ctx, "+911234567890", wrong)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerifyOTPSingleUse(t *testing.T) {
	svc, _, sender := newAuthFixture()
	ctx := context.Background()

	require.NoError(t, svc.RequestOTP(ctx, "+911234567890"))
	_, err := svc.VerifyOTP(ctx, "+911234567890", sender.code)
	require.NoError(t, err)

	_, err = svc.VerifyOTP(ctx, "+911234567890", sender.code)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestRequestOTPReplacesPendingCode(t *testing.T) {
	svc, _, sender := newAuthFixture()
	ctx := context.Background()

	require.NoError(t, svc.RequestOTP(ctx, "+911234567890"))
	first := sender.code
	require.NoError(t, svc.RequestOTP(ctx, "+911234567890"))

	if first != sender.code {
		_, err := svc.VerifyOTP(ctx, "+911234567890", first)
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	_, err := svc.VerifyOTP(ctx, "+911234567890", sender.code)
	assert.NoError(t, err)
}

func TestRequestOTPDeliveryFailure(t *testing.T) {
	sessions := newMemSessions()
	users := &memUsers{byPhone: make(map[string]string)}
	sender := &captureSender{err: errors.New("gateway down")}
	svc := NewService(sessions, users, sender, 0, 0, zap.NewNop())

	err := svc.RequestOTP(context.Background(), "+911234567890")
	assert.Error(t, err)
}

func TestAuthenticateExpiredSession(t *testing.T) {
	svc, sessions, _ := newAuthFixture()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, sessions.CreateSession(ctx, &models.Session{
		Token:     "stale",
		UserID:    "u1",
		CreatedAt: now.Add(-8 * 24 * time.Hour),
		ExpiresAt: now.Add(-24 * time.Hour),
	}))

	_, err := svc.Authenticate(ctx, "stale")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestAuthenticateEmptyToken(t *testing.T) {
	svc, _, _ := newAuthFixture()
	_, err := svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestLogout(t *testing.T) {
	svc, _, sender := newAuthFixture()
	ctx := context.Background()

	require.NoError(t, svc.RequestOTP(ctx, "+911234567890"))
	sess, err := svc.VerifyOTP(ctx, "+911234567890", sender.code)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, sess.Token))
	_, err = svc.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}
