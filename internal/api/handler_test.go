package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/auth"
	"github.com/ayureze/companion-backend/internal/chat"
	"github.com/ayureze/companion-backend/internal/conversation"
	"github.com/ayureze/companion-backend/internal/journey"
	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/rag"
	"github.com/ayureze/companion-backend/internal/store"
)

const webhookToken = "hub-secret"

// echoGenerator is a canned model: fixed reply, no network.
type echoGenerator struct {
	reply string
	err   error
}

func (g *echoGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return g.reply, g.err
}

type fixture struct {
	router http.Handler
	store  *store.SQLiteStore
	sender *captureSender
}

type captureSender struct {
	phone, code string
}

func (c *captureSender) SendOTP(ctx context.Context, phone, code string) error {
	c.phone = phone
	c.code = code
	return nil
}

func newFixture(t *testing.T, gen *echoGenerator) *fixture {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	retriever := conversation.NewRetriever(
		st.Partition(models.ChannelApp),
		st.Partition(models.ChannelWhatsApp),
		logger,
	)
	journeys := journey.NewService(st.Journeys(), logger)
	assembler := rag.NewAssembler(retriever, journeys, 0, logger)
	finder := rag.NewKeywordFinder(retriever, 0, logger)

	chatSvc := chat.NewService(st, assembler, gen, nil, chat.Options{}, logger)

	sender := &captureSender{}
	authSvc := auth.NewService(st.Sessions(), st.Users(), sender, 0, 0, logger)

	handler := NewHandler(st, chatSvc, retriever, assembler, finder, journeys, authSvc, nil, webhookToken, logger)
	return &fixture{
		router: NewRouter(handler, authSvc, logger),
		store:  st,
		sender: sender,
	}
}

// login creates a user and session directly in the store and returns the
// bearer token and user id.
func (f *fixture) login(t *testing.T, phone string) (token, userID string) {
	t.Helper()
	ctx := context.Background()

	userID, err := f.store.Users().GetOrCreateByPhone(ctx, phone)
	require.NoError(t, err)

	token = "test-token-" + phone
	now := time.Now().UTC()
	require.NoError(t, f.store.Sessions().CreateSession(ctx, &models.Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
	return token, userID
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})

	rec := f.do(t, http.MethodPost, "/api/v1/chat/send", "", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/chat/send", "no-such-token", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOTPLoginOverHTTP(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})

	rec := f.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"phone": "+911234567890"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, f.sender.code)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{
		"phone": "+911234567890",
		"code":  f.sender.code,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	decode(t, rec, &login)
	require.NotEmpty(t, login.Token)

	// The issued token works on the authenticated surface.
	rec = f.do(t, http.MethodPost, "/api/v1/journeys", login.Token, map[string]string{"health_concern": "acidity"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestOTPVerifyWrongCode(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})

	rec := f.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]string{"phone": "+911234567890"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	wrong := "000000"
	if f.sender.code == wrong {
		wrong = "000001"
	}
	rec = f.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{
		"phone": "+911234567890",
		"code":  wrong,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendAndReadConversation(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "Avoid spicy food"})
	token, userID := f.login(t, "+911111111111")

	rec := f.do(t, http.MethodPost, "/api/v1/journeys", token, map[string]string{
		"health_concern": "acidity",
		"language":       "en",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var j models.Journey
	decode(t, rec, &j)

	rec = f.do(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{
		"text": "I have acidity",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result chat.SendResult
	decode(t, rec, &result)
	assert.Equal(t, "Avoid spicy food", result.Reply)
	assert.False(t, result.UsedFallback)
	assert.Equal(t, j.ID, result.UserTurn.ConversationID)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/chat/conversations/%s?conversation_id=%s", userID, j.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var conv struct {
		Messages   []models.Turn `json:"messages"`
		TotalCount int           `json:"total_count"`
	}
	decode(t, rec, &conv)
	require.Equal(t, 2, conv.TotalCount)
	assert.Equal(t, "I have acidity", conv.Messages[0].Text)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)
}

func TestSendWithoutJourney(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})
	token, _ := f.login(t, "+911111111111")

	rec := f.do(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendEmptyTextRejected(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})
	token, _ := f.login(t, "+911111111111")

	rec := f.do(t, http.MethodPost, "/api/v1/journeys", token, map[string]string{"health_concern": "acidity"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationOwnership(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})
	token, _ := f.login(t, "+911111111111")
	_, otherID := f.login(t, "+922222222222")

	rec := f.do(t, http.MethodGet, "/api/v1/chat/conversations/"+otherID, token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRAGContextReflectsHistory(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "Avoid spicy food"})
	token, _ := f.login(t, "+911111111111")

	rec := f.do(t, http.MethodPost, "/api/v1/journeys", token, map[string]string{"health_concern": "acidity"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var j models.Journey
	decode(t, rec, &j)

	rec = f.do(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{"text": "I have acidity"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/rag/context?conversation_id="+j.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Context string `json:"context"`
	}
	decode(t, rec, &resp)
	assert.Contains(t, resp.Context, "[Previous Conversation History]")
	assert.Contains(t, resp.Context, "User: I have acidity")
	assert.Contains(t, resp.Context, "Assistant: Avoid spicy food")
	assert.Contains(t, resp.Context, "[Current Journey Information]")
}

func TestSimilarSearch(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "Avoid spicy food"})
	token, _ := f.login(t, "+911111111111")

	rec := f.do(t, http.MethodPost, "/api/v1/journeys", token, map[string]string{"health_concern": "acidity"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/chat/send", token, map[string]string{"text": "I have acidity after dinner"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/rag/similar?q=acidity", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []rag.Pair `json:"results"`
		Count   int        `json:"count"`
	}
	decode(t, rec, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Contains(t, resp.Results[0].Query.Text, "acidity")
	require.NotNil(t, resp.Results[0].Reply)
	assert.Equal(t, "Avoid spicy food", resp.Results[0].Reply.Text)

	rec = f.do(t, http.MethodGet, "/api/v1/rag/similar", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJourneyStatusLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})
	token, _ := f.login(t, "+911111111111")

	rec := f.do(t, http.MethodPost, "/api/v1/journeys", token, map[string]string{"health_concern": "sleep"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var j models.Journey
	decode(t, rec, &j)

	rec = f.do(t, http.MethodGet, "/api/v1/journeys/"+j.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/v1/journeys/"+j.ID+"/status", token, map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/v1/journeys/"+j.ID+"/status", token, map[string]string{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Another user cannot touch it.
	otherToken, _ := f.login(t, "+922222222222")
	rec = f.do(t, http.MethodGet, "/api/v1/journeys/"+j.ID, otherToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhatsAppVerifyChallenge(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/whatsapp?hub.verify_token="+webhookToken+"&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/whatsapp?hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhatsAppWebhookMirrorsIntoTimeline(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "Try oats for breakfast"})

	body, err := json.Marshal(map[string]string{
		"phone": "+911234567890",
		"text":  "What can I eat?",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Token", webhookToken)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ConversationID string `json:"conversation_id"`
		Reply          string `json:"reply"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "Try oats for breakfast", resp.Reply)
	require.NotEmpty(t, resp.ConversationID)

	// Both turns landed on the whatsapp partition under the auto-created
	// journey's conversation.
	ctx := context.Background()
	userID, err := f.store.Users().GetOrCreateByPhone(ctx, "+911234567890")
	require.NoError(t, err)
	turns, err := f.store.Partition(models.ChannelWhatsApp).Recent(ctx, userID, resp.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestWhatsAppWebhookRejectsBadToken(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})

	body := bytes.NewReader([]byte(`{"phone":"+911234567890","text":"hi"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", body)
	req.Header.Set("X-Webhook-Token", "wrong")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWhatsAppWebhookRejectsEmptyPayload(t *testing.T) {
	f := newFixture(t, &echoGenerator{reply: "ok"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/whatsapp", bytes.NewReader([]byte(`{"phone":"","text":""}`)))
	req.Header.Set("X-Webhook-Token", webhookToken)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
