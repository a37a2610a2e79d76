// Package rag builds bounded prompt context from retrieved conversation
// history and ranks past turns by lexical similarity.
package rag

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/models"
)

const (
	// DefaultMaxMessages is the history window when the caller passes
	// maxMessages <= 0.
	DefaultMaxMessages = 20

	// DefaultCharBudget bounds the rendered history block in characters.
	DefaultCharBudget = 4000
)

// HistorySource supplies merged conversation history, oldest first.
type HistorySource interface {
	FetchRecent(ctx context.Context, userID, conversationID string, limit int) ([]models.Turn, error)
}

// HeaderSource supplies the human-readable journey block prepended to the
// context. Implementations return "" when nothing is known.
type HeaderSource interface {
	ContextHeader(ctx context.Context, conversationID string) string
}

// Assembler renders retrieved history into a text block for LLM prompts.
type Assembler struct {
	history HistorySource
	header  HeaderSource
	budget  int
	logger  *zap.Logger
}

// NewAssembler creates an Assembler. header may be nil; budget <= 0 selects
// DefaultCharBudget.
func NewAssembler(history HistorySource, header HeaderSource, budget int, logger *zap.Logger) *Assembler {
	if budget <= 0 {
		budget = DefaultCharBudget
	}
	return &Assembler{history: history, header: header, budget: budget, logger: logger}
}

// BuildContext fetches up to maxMessages prior turns and renders them as
// "User: …" / "Assistant: …" lines in chronological order. The turn block is
// bounded by the assembler's character budget; when it would overflow, whole
// turns are dropped from the oldest end, never cut mid-turn. currentQuery
// enables a best-effort relevance pass (turns with zero keyword overlap are
// dropped first) that only runs when the history overflows the budget.
//
// An empty history yields "" so callers can treat it as the first turn of
// the conversation.
func (a *Assembler) BuildContext(ctx context.Context, userID, conversationID, currentQuery string, maxMessages int) (string, error) {
	return a.BuildBounded(ctx, userID, conversationID, currentQuery, maxMessages, a.budget)
}

// BuildBounded is BuildContext with an explicit character budget. Used by
// the send path to shrink context when the composed prompt would exceed the
// model window.
func (a *Assembler) BuildBounded(ctx context.Context, userID, conversationID, currentQuery string, maxMessages, budget int) (string, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if budget <= 0 {
		budget = a.budget
	}

	turns, err := a.history.FetchRecent(ctx, userID, conversationID, maxMessages)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return "", nil
	}

	if renderedSize(turns) > budget && currentQuery != "" {
		turns = dropIrrelevant(turns, currentQuery)
	}

	// Drop whole turns from the oldest end until the block fits. The newest
	// turn is always kept even if it alone exceeds the budget.
	for len(turns) > 1 && renderedSize(turns) > budget {
		turns = turns[1:]
	}

	if len(turns) == 0 {
		return "", nil
	}

	var b strings.Builder
	if a.header != nil {
		if header := a.header.ContextHeader(ctx, conversationID); header != "" {
			b.WriteString(header)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("[Previous Conversation History]\n")
	for _, t := range turns {
		b.WriteString(renderTurn(t))
		b.WriteByte('\n')
	}

	block := b.String()
	a.logger.Debug("built conversation context",
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.Int("turns", len(turns)),
		zap.Int("chars", len(block)))
	return block, nil
}

func renderTurn(t models.Turn) string {
	label := "User"
	if t.Role == models.RoleAssistant {
		label = "Assistant"
	}
	return label + ": " + t.Text
}

func renderedSize(turns []models.Turn) int {
	size := 0
	for _, t := range turns {
		size += len(renderTurn(t)) + 1
	}
	return size
}

// dropIrrelevant removes turns whose text shares no token with the query.
// The newest turn survives regardless so the context never loses the
// immediately preceding exchange.
func dropIrrelevant(turns []models.Turn, query string) []models.Turn {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return turns
	}

	kept := turns[:0]
	for i, t := range turns {
		if i == len(turns)-1 || overlapCount(queryTokens, t.Text) > 0 {
			kept = append(kept, t)
		}
	}
	return kept
}
