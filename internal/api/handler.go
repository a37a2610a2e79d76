package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/auth"
	"github.com/ayureze/companion-backend/internal/chat"
	"github.com/ayureze/companion-backend/internal/conversation"
	"github.com/ayureze/companion-backend/internal/journey"
	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/rag"
	"github.com/ayureze/companion-backend/internal/store"
	"github.com/ayureze/companion-backend/internal/whatsapp"
)

// Handler carries the services the HTTP surface needs.
type Handler struct {
	store       store.Store
	chat        *chat.Service
	retriever   *conversation.Retriever
	assembler   *rag.Assembler
	finder      rag.Finder
	journeys    *journey.Service
	auth        *auth.Service
	gateway     *whatsapp.Client
	verifyToken string
	logger      *zap.Logger
}

func NewHandler(
	st store.Store,
	chatSvc *chat.Service,
	retriever *conversation.Retriever,
	assembler *rag.Assembler,
	finder rag.Finder,
	journeys *journey.Service,
	authSvc *auth.Service,
	gateway *whatsapp.Client,
	verifyToken string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:       st,
		chat:        chatSvc,
		retriever:   retriever,
		assembler:   assembler,
		finder:      finder,
		journeys:    journeys,
		auth:        authSvc,
		gateway:     gateway,
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// Health reports service and store status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status})
}

type otpRequest struct {
	Phone string `json:"phone"`
}

func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		jsonError(w, http.StatusBadRequest, "phone is required")
		return
	}

	if err := h.auth.RequestOTP(r.Context(), req.Phone); err != nil {
		h.logger.Error("failed to issue otp", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not issue code")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

type otpVerifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Code == "" {
		jsonError(w, http.StatusBadRequest, "phone and code are required")
		return
	}

	sess, err := h.auth.VerifyOTP(r.Context(), req.Phone, req.Code)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCode) {
			jsonError(w, http.StatusUnauthorized, "invalid or expired code")
			return
		}
		h.logger.Error("otp verification failed", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not verify code")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"user_id":    sess.UserID,
		"expires_at": sess.ExpiresAt,
	})
}

type sendRequest struct {
	ConversationID string         `json:"conversation_id"`
	Text           string         `json:"text"`
	Channel        models.Channel `json:"channel"`
}

// Send handles an in-app message: it resolves the conversation, runs the
// unified send pipeline, and returns the assistant reply.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Channel == "" {
		req.Channel = models.ChannelApp
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		j, err := h.journeys.ActiveForUser(r.Context(), sess.UserID)
		if err != nil {
			jsonError(w, http.StatusNotFound, "no active journey; start one first")
			return
		}
		conversationID = j.ID
	}

	result, err := h.chat.Send(r.Context(), chat.SendRequest{
		UserID:         sess.UserID,
		ConversationID: conversationID,
		Channel:        req.Channel,
		Text:           req.Text,
	})
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			jsonError(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.logger.Error("send failed",
			zap.String("user_id", sess.UserID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not process message")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

type conversationResponse struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Messages       []models.Turn `json:"messages"`
	TotalCount     int           `json:"total_count"`
}

// Conversation returns the merged cross-channel timeline.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if userID != sess.UserID {
		jsonError(w, http.StatusForbidden, "cannot read another user's conversation")
		return
	}

	limit := queryInt(r, "limit", 50)
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		j, err := h.journeys.ActiveForUser(r.Context(), userID)
		if err != nil {
			respondJSON(w, http.StatusOK, conversationResponse{UserID: userID, Messages: []models.Turn{}})
			return
		}
		conversationID = j.ID
	}

	var (
		turns []models.Turn
		err   error
	)
	if ch := models.Channel(r.URL.Query().Get("channel")); ch.Valid() {
		turns, err = h.retriever.FetchRecentByChannel(r.Context(), userID, conversationID, ch, limit)
	} else {
		turns, err = h.retriever.FetchRecent(r.Context(), userID, conversationID, limit)
	}
	if err != nil {
		h.logger.Error("failed to fetch conversation",
			zap.String("user_id", userID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not fetch conversation")
		return
	}

	respondJSON(w, http.StatusOK, conversationResponse{
		ConversationID: conversationID,
		UserID:         userID,
		Messages:       turns,
		TotalCount:     len(turns),
	})
}

// Summary returns the keyword-topic summary of a conversation's history.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	conversationID := chi.URLParam(r, "conversationID")
	if userID != sess.UserID {
		jsonError(w, http.StatusForbidden, "cannot read another user's conversation")
		return
	}

	turns, err := h.retriever.FetchRecent(r.Context(), userID, conversationID, 1000)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "could not fetch conversation")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"user_id":         userID,
		"conversation_id": conversationID,
		"summary":         rag.Summarize(turns),
	})
}

// RAGContext exposes the assembled context block, mainly for debugging and
// for the model-serving side to fetch context out of band.
func (h *Handler) RAGContext(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		jsonError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	maxMessages := queryInt(r, "max_messages", rag.DefaultMaxMessages)
	block, err := h.assembler.BuildContext(r.Context(), sess.UserID, conversationID, r.URL.Query().Get("query"), maxMessages)
	if err != nil {
		h.logger.Error("failed to build context", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not build context")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":         sess.UserID,
		"conversation_id": conversationID,
		"context":         block,
		"max_messages":    maxMessages,
	})
}

// Similar runs the similarity search, scoped to the caller's own history.
func (h *Handler) Similar(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	query := r.URL.Query().Get("q")
	if query == "" {
		jsonError(w, http.StatusBadRequest, "q is required")
		return
	}

	// The finder itself supports a global scan; the HTTP surface always
	// pins the search to the authenticated user.
	limit := queryInt(r, "limit", rag.DefaultSimilarLimit)
	pairs, err := h.finder.FindSimilar(r.Context(), query, sess.UserID, limit)
	if err != nil {
		h.logger.Error("similarity search failed", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "search failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"results": pairs,
		"count":   len(pairs),
	})
}

type createJourneyRequest struct {
	HealthConcern string `json:"health_concern"`
	Language      string `json:"language"`
}

func (h *Handler) CreateJourney(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	var req createJourneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	j, err := h.journeys.Start(r.Context(), sess.UserID, req.HealthConcern, req.Language)
	if err != nil {
		h.logger.Error("failed to start journey", zap.String("user_id", sess.UserID), zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not start journey")
		return
	}
	respondJSON(w, http.StatusCreated, j)
}

func (h *Handler) GetJourney(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	j, err := h.journeys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "journey not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "could not fetch journey")
		return
	}
	if j.UserID != sess.UserID {
		jsonError(w, http.StatusForbidden, "not your journey")
		return
	}
	respondJSON(w, http.StatusOK, j)
}

type journeyStatusRequest struct {
	Status models.JourneyStatus `json:"status"`
}

func (h *Handler) UpdateJourneyStatus(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req journeyStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case models.JourneyActive, models.JourneyPaused, models.JourneyCompleted:
	default:
		jsonError(w, http.StatusBadRequest, "invalid status")
		return
	}

	j, err := h.journeys.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusNotFound, "journey not found")
		return
	}
	if j.UserID != sess.UserID {
		jsonError(w, http.StatusForbidden, "not your journey")
		return
	}

	if err := h.journeys.UpdateStatus(r.Context(), id, req.Status); err != nil {
		jsonError(w, http.StatusInternalServerError, "could not update journey")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

// WhatsAppVerify answers the gateway's webhook verification challenge.
func (h *Handler) WhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.verify_token") != h.verifyToken || h.verifyToken == "" {
		jsonError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// WhatsAppWebhook mirrors an inbound WhatsApp message through the unified
// send pipeline and pushes the reply back through the gateway, so both
// channels observe a consistent timeline.
func (h *Handler) WhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	if h.verifyToken == "" || r.Header.Get("X-Webhook-Token") != h.verifyToken {
		jsonError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	msg, err := whatsapp.ParseInbound(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	userID, err := h.store.Users().GetOrCreateByPhone(ctx, msg.Phone)
	if err != nil {
		h.logger.Error("failed to resolve webhook user", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not resolve user")
		return
	}

	conversationID := msg.ConversationID
	if conversationID == "" {
		j, err := h.journeys.ActiveForUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			// First contact over WhatsApp: open a journey so the exchange
			// has a timeline to live on.
			j, err = h.journeys.Start(ctx, userID, "", "en")
		}
		if err != nil {
			h.logger.Error("failed to resolve journey for webhook", zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "could not resolve journey")
			return
		}
		conversationID = j.ID
	}

	result, err := h.chat.Send(ctx, chat.SendRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Channel:        models.ChannelWhatsApp,
		Text:           msg.Text,
		Metadata:       map[string]string{"gateway_message_id": msg.MessageID},
	})
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			jsonError(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.logger.Error("webhook send failed",
			zap.String("user_id", userID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "could not process message")
		return
	}

	// The reply goes back on the channel it arrived on.
	if h.gateway != nil {
		if err := h.gateway.SendText(ctx, msg.Phone, result.Reply); err != nil {
			h.logger.Error("failed to deliver whatsapp reply",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"reply":           result.Reply,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
