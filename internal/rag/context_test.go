package rag

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/models"
)

type fakeHistory struct {
	turns []models.Turn
	err   error
}

func (f *fakeHistory) FetchRecent(ctx context.Context, userID, conversationID string, limit int) ([]models.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.turns) > limit {
		return f.turns[len(f.turns)-limit:], nil
	}
	return f.turns, nil
}

type fakeHeader struct {
	header string
}

func (f *fakeHeader) ContextHeader(ctx context.Context, conversationID string) string {
	return f.header
}

func exchange(texts ...string) []models.Turn {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	turns := make([]models.Turn, len(texts))
	for i, text := range texts {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		turns[i] = models.Turn{
			UserID:         "u1",
			ConversationID: "c1",
			Channel:        models.ChannelApp,
			Role:           role,
			Text:           text,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
			Seq:            int64(i + 1),
		}
	}
	return turns
}

func TestBuildContextEmptyHistory(t *testing.T) {
	a := NewAssembler(&fakeHistory{}, nil, 0, zap.NewNop())
	block, err := a.BuildContext(context.Background(), "u1", "c1", "hello", 20)
	require.NoError(t, err)
	assert.Equal(t, "", block)
}

func TestBuildContextRendersAllTurnsInOrder(t *testing.T) {
	history := &fakeHistory{turns: exchange(
		"I have acidity", "Avoid spicy food", "What can I eat?", "Try oats for breakfast",
	)}
	a := NewAssembler(history, nil, 0, zap.NewNop())

	block, err := a.BuildContext(context.Background(), "u1", "c1", "", 4)
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(block, "User: "))
	assert.Equal(t, 2, strings.Count(block, "Assistant: "))

	// Chronological order, avoid-spicy-food line present for the next reply.
	idxFirst := strings.Index(block, "User: I have acidity")
	idxReply := strings.Index(block, "Assistant: Avoid spicy food")
	idxSecond := strings.Index(block, "User: What can I eat?")
	require.GreaterOrEqual(t, idxFirst, 0)
	assert.Greater(t, idxReply, idxFirst)
	assert.Greater(t, idxSecond, idxReply)
}

func TestBuildContextTruncatesWholeTurnsFromOldest(t *testing.T) {
	long := strings.Repeat("x", 120)
	history := &fakeHistory{turns: exchange(long, long, long, "short tail")}

	// Budget fits roughly two rendered turns.
	a := NewAssembler(history, nil, 280, zap.NewNop())
	block, err := a.BuildContext(context.Background(), "u1", "c1", "", 10)
	require.NoError(t, err)

	// The newest turn is present and complete; nothing is cut mid-turn.
	assert.Contains(t, block, "Assistant: short tail")
	for _, line := range strings.Split(strings.TrimSpace(block), "\n") {
		if strings.HasPrefix(line, "User: ") || strings.HasPrefix(line, "Assistant: ") {
			text := strings.SplitN(line, ": ", 2)[1]
			assert.True(t, text == long || text == "short tail", "turn was cut mid-text: %q", line)
		}
	}
	// The oldest turn was dropped.
	assert.Less(t, strings.Count(block, long), 3)
}

func TestBuildContextRelevanceFilterWhenOverBudget(t *testing.T) {
	filler := strings.Repeat("weather chatter ", 10)
	history := &fakeHistory{turns: exchange(
		filler,
		filler,
		"what should my breakfast diet look like",
		"Oats and fruit work well",
	)}

	a := NewAssembler(history, nil, 150, zap.NewNop())
	block, err := a.BuildContext(context.Background(), "u1", "c1", "diet breakfast", 10)
	require.NoError(t, err)

	assert.Contains(t, block, "breakfast diet")
	assert.NotContains(t, block, "weather")
}

func TestBuildContextPrependsJourneyHeader(t *testing.T) {
	history := &fakeHistory{turns: exchange("I have acidity", "Avoid spicy food")}
	header := &fakeHeader{header: "[Current Journey Information]\nHealth Concern: acidity\nLanguage: en"}

	a := NewAssembler(history, header, 0, zap.NewNop())
	block, err := a.BuildContext(context.Background(), "u1", "c1", "", 20)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(block, "[Current Journey Information]"))
	assert.Contains(t, block, "[Previous Conversation History]")
}

func TestBuildContextExactWindow(t *testing.T) {
	history := &fakeHistory{turns: exchange("a", "b", "c", "d", "e", "f")}
	a := NewAssembler(history, nil, 0, zap.NewNop())

	block, err := a.BuildContext(context.Background(), "u1", "c1", "", 4)
	require.NoError(t, err)

	total := strings.Count(block, "User: ") + strings.Count(block, "Assistant: ")
	assert.Equal(t, 4, total)
	// The window keeps the tail of history, not the head.
	assert.NotContains(t, block, "User: a")
	assert.Contains(t, block, "Assistant: f")
}
