// Package chat implements the unified send pipeline: one entry point for "a
// user said X in conversation Y on channel Z", shared by the in-app endpoint
// and the WhatsApp webhook so both channels observe one timeline.
package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/llm"
	"github.com/ayureze/companion-backend/internal/metrics"
	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/notify"
	"github.com/ayureze/companion-backend/internal/store"
)

// FallbackReply is persisted and returned when the model call fails or
// times out, so the conversation never ends with an unanswered user turn.
const FallbackReply = "I'm having trouble responding right now, please try again."

const systemInstruction = "You are a caring health companion. Respond warmly and concisely " +
	"in the user's language. You support, you do not diagnose; direct urgent medical " +
	"concerns to a doctor."

// ValidationError reports malformed send input. No store writes happen when
// one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ContextBuilder assembles bounded prompt context from stored history.
type ContextBuilder interface {
	BuildBounded(ctx context.Context, userID, conversationID, query string, maxMessages, budget int) (string, error)
}

// Options tune the send pipeline. Zero values select defaults.
type Options struct {
	MaxContextMessages int // history window per send
	ContextCharBudget  int // character bound on the rendered history block
	MaxReplyTokens     int // completion cap passed to the model
	MaxPromptTokens    int // model window guard; context shrinks to fit
}

func (o *Options) applyDefaults() {
	if o.MaxContextMessages <= 0 {
		o.MaxContextMessages = 20
	}
	if o.ContextCharBudget <= 0 {
		o.ContextCharBudget = 4000
	}
	if o.MaxReplyTokens <= 0 {
		o.MaxReplyTokens = 500
	}
	if o.MaxPromptTokens <= 0 {
		o.MaxPromptTokens = 8000
	}
}

// SendRequest is one inbound user message.
type SendRequest struct {
	UserID         string
	ConversationID string
	Channel        models.Channel
	Text           string
	Metadata       map[string]string
}

// SendResult carries both persisted turns of the exchange.
type SendResult struct {
	UserTurn      models.Turn `json:"user_turn"`
	AssistantTurn models.Turn `json:"assistant_turn"`
	Reply         string      `json:"reply"`
	UsedFallback  bool        `json:"used_fallback"`
}

// Service orchestrates a send: persist the user turn, assemble context,
// call the model, persist the reply. It is stateless between invocations;
// all conversation state lives in the store.
type Service struct {
	store    store.Store
	contexts ContextBuilder
	gen      llm.Generator
	notifier notify.Publisher
	logger   *zap.Logger
	locks    *conversationLocks
	opts     Options
}

func NewService(st store.Store, contexts ContextBuilder, gen llm.Generator, notifier notify.Publisher, opts Options, logger *zap.Logger) *Service {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    st,
		contexts: contexts,
		gen:      gen,
		notifier: notifier,
		logger:   logger,
		locks:    newConversationLocks(),
		opts:     opts,
	}
}

// Send runs the full exchange. Processing is serialized per conversation so
// turn N's reply is appended before turn N+1's context is built. The user
// turn append is fatal on failure (no reply without a durable record); a
// model failure is not — the fallback reply is persisted instead and the
// error stays in the logs.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.ConversationID)
	defer unlock()

	partition := s.store.Partition(req.Channel)

	userTurn := models.Turn{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           models.RoleUser,
		Text:           req.Text,
		Metadata:       cloneMetadata(req.Metadata),
	}
	if _, err := partition.Append(ctx, &userTurn); err != nil {
		s.logger.Error("failed to persist user turn",
			sendFields(req, zap.Error(err))...)
		return nil, fmt.Errorf("persisting user turn: %w", err)
	}
	metrics.TurnsAppended.WithLabelValues(string(req.Channel), string(models.RoleUser)).Inc()
	s.publish(ctx, userTurn)

	prompt := s.buildPrompt(ctx, req)

	reply, usedFallback := s.generate(ctx, req, prompt)

	assistantTurn := models.Turn{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           models.RoleAssistant,
		Text:           reply,
	}
	if usedFallback {
		assistantTurn.Metadata = map[string]string{"fallback": "true"}
	}
	if _, err := partition.Append(ctx, &assistantTurn); err != nil {
		s.logger.Error("failed to persist assistant turn",
			sendFields(req, zap.Error(err))...)
		return nil, fmt.Errorf("persisting assistant turn: %w", err)
	}
	metrics.TurnsAppended.WithLabelValues(string(req.Channel), string(models.RoleAssistant)).Inc()
	s.publish(ctx, assistantTurn)

	return &SendResult{
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
		Reply:         reply,
		UsedFallback:  usedFallback,
	}, nil
}

// buildPrompt assembles context and composes the outbound prompt. Context
// retrieval failures degrade to an empty context; they never abort the send.
// If the composed prompt would exceed the model window, the context block is
// rebuilt with half the budget until it fits or is gone.
func (s *Service) buildPrompt(ctx context.Context, req SendRequest) string {
	budget := s.opts.ContextCharBudget
	for {
		block, err := s.contexts.BuildBounded(ctx, req.UserID, req.ConversationID, req.Text, s.opts.MaxContextMessages, budget)
		if err != nil {
			s.logger.Warn("context assembly failed, continuing without history",
				sendFields(req, zap.Error(err))...)
			block = ""
		}

		prompt := composePrompt(block, req.Text)
		if llm.CountTokens(prompt) <= s.opts.MaxPromptTokens || block == "" {
			return prompt
		}

		budget /= 2
		if budget < 200 {
			return composePrompt("", req.Text)
		}
	}
}

func (s *Service) generate(ctx context.Context, req SendRequest, prompt string) (reply string, usedFallback bool) {
	reply, err := s.gen.Generate(ctx, prompt, s.opts.MaxReplyTokens)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("fallback").Inc()
		s.logger.Error("model call failed, using fallback reply",
			sendFields(req, zap.Error(err))...)
		return FallbackReply, true
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		metrics.LLMRequests.WithLabelValues("fallback").Inc()
		s.logger.Warn("model returned empty completion, using fallback reply",
			sendFields(req)...)
		return FallbackReply, true
	}

	metrics.LLMRequests.WithLabelValues("ok").Inc()
	return reply, false
}

func (s *Service) publish(ctx context.Context, turn models.Turn) {
	err := s.notifier.TurnAppended(ctx, notify.Event{
		TurnID:         turn.ID,
		UserID:         turn.UserID,
		ConversationID: turn.ConversationID,
		Channel:        turn.Channel,
		Role:           turn.Role,
	})
	if err != nil {
		s.logger.Warn("failed to publish turn event",
			zap.String("conversation_id", turn.ConversationID),
			zap.Error(err))
	}
}

func composePrompt(contextBlock, userText string) string {
	var b strings.Builder
	b.WriteString(systemInstruction)
	if contextBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(contextBlock)
	}
	b.WriteString("\n\n[Current User Query]\n")
	b.WriteString(userText)
	b.WriteString("\n\nProvide a personalized response based on the conversation history and current context.")
	return b.String()
}

func validate(req SendRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return &ValidationError{Field: "conversation_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if !req.Channel.Valid() {
		return &ValidationError{Field: "channel", Reason: "must be app or whatsapp"}
	}
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sendFields(req SendRequest, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.String("user_id", req.UserID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("channel", string(req.Channel)),
	}
	return append(fields, extra...)
}
