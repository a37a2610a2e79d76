package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/models"
)

type fakeScanner struct {
	turns []models.Turn
	err   error
}

func (f *fakeScanner) ScanUser(ctx context.Context, userID string, limit int) ([]models.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	if userID == "" {
		return f.turns, nil
	}
	matched := make([]models.Turn, 0)
	for _, t := range f.turns {
		if t.UserID == userID {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

func scanTurn(user string, role models.Role, text string, offset time.Duration) models.Turn {
	return models.Turn{
		UserID:         user,
		ConversationID: "c-" + user,
		Channel:        models.ChannelApp,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestFindSimilarMonotonicity(t *testing.T) {
	scanner := &fakeScanner{turns: []models.Turn{
		scanTurn("u1", models.RoleUser, "my diet includes a light breakfast", 0),
		scanTurn("u1", models.RoleAssistant, "Good choice", time.Second),
		scanTurn("u1", models.RoleUser, "what breakfast do you suggest", 2*time.Second),
		scanTurn("u1", models.RoleAssistant, "Oats and fruit", 3*time.Second),
		scanTurn("u1", models.RoleUser, "how did you sleep", 4*time.Second),
		scanTurn("u1", models.RoleAssistant, "I do not sleep", 5*time.Second),
	}}

	f := NewKeywordFinder(scanner, 0, zap.NewNop())
	pairs, err := f.FindSimilar(context.Background(), "diet breakfast", "u1", 10)
	require.NoError(t, err)

	// Both words beats one word; zero-overlap turns are excluded entirely.
	require.Len(t, pairs, 2)
	assert.Equal(t, "my diet includes a light breakfast", pairs[0].Query.Text)
	assert.InDelta(t, 1.0, pairs[0].Score, 1e-9)
	assert.Equal(t, "what breakfast do you suggest", pairs[1].Query.Text)
	assert.InDelta(t, 0.5, pairs[1].Score, 1e-9)
}

func TestFindSimilarPairsAssistantReply(t *testing.T) {
	scanner := &fakeScanner{turns: []models.Turn{
		scanTurn("u1", models.RoleUser, "I have acidity", 0),
		scanTurn("u1", models.RoleAssistant, "Avoid spicy food", time.Second),
	}}

	f := NewKeywordFinder(scanner, 0, zap.NewNop())
	pairs, err := f.FindSimilar(context.Background(), "acidity", "u1", 10)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.NotNil(t, pairs[0].Reply)
	assert.Equal(t, "Avoid spicy food", pairs[0].Reply.Text)
}

func TestFindSimilarRecencyTieBreak(t *testing.T) {
	scanner := &fakeScanner{turns: []models.Turn{
		scanTurn("u1", models.RoleUser, "older question about yoga", 0),
		scanTurn("u1", models.RoleUser, "newer question about yoga", time.Minute),
	}}

	f := NewKeywordFinder(scanner, 0, zap.NewNop())
	pairs, err := f.FindSimilar(context.Background(), "yoga", "u1", 10)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "newer question about yoga", pairs[0].Query.Text)
}

func TestFindSimilarThresholdExcludesWeakMatches(t *testing.T) {
	scanner := &fakeScanner{turns: []models.Turn{
		scanTurn("u1", models.RoleUser, "completely unrelated topic", 0),
	}}

	f := NewKeywordFinder(scanner, 0.2, zap.NewNop())
	pairs, err := f.FindSimilar(context.Background(), "diet breakfast", "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestFindSimilarGlobalScan(t *testing.T) {
	scanner := &fakeScanner{turns: []models.Turn{
		scanTurn("u1", models.RoleUser, "acidity after dinner", 0),
		scanTurn("u2", models.RoleUser, "acidity in the morning", time.Second),
	}}

	f := NewKeywordFinder(scanner, 0, zap.NewNop())
	pairs, err := f.FindSimilar(context.Background(), "acidity", "", 10)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestFindSimilarEmptyQuery(t *testing.T) {
	f := NewKeywordFinder(&fakeScanner{}, 0, zap.NewNop())
	pairs, err := f.FindSimilar(context.Background(), "   ", "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestSummarizeTopics(t *testing.T) {
	turns := []models.Turn{
		scanTurn("u1", models.RoleUser, "what should I eat for breakfast", 0),
		scanTurn("u1", models.RoleAssistant, "Oats, and a short walk after", time.Second),
	}
	summary := Summarize(turns)
	assert.Contains(t, summary, "2 messages")
	assert.Contains(t, summary, "diet")
	assert.Contains(t, summary, "exercise")

	assert.Equal(t, "No conversation history.", Summarize(nil))
}
