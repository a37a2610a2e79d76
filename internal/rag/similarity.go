package rag

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/models"
)

const (
	// DefaultThreshold is the minimum containment score a candidate must
	// reach to be returned.
	DefaultThreshold = 0.2

	// DefaultSimilarLimit is the result count when the caller passes
	// limit <= 0.
	DefaultSimilarLimit = 5

	// scanDepth bounds how many recent turns are considered per search.
	scanDepth = 500
)

// Pair is a past user turn with the assistant reply that followed it.
type Pair struct {
	Query models.Turn  `json:"query"`
	Reply *models.Turn `json:"reply,omitempty"`
	Score float64      `json:"score"`
}

// TurnScanner supplies recent turns for a user, or for all users when the
// userID is empty.
type TurnScanner interface {
	ScanUser(ctx context.Context, userID string, limit int) ([]models.Turn, error)
}

// Finder ranks past exchanges by relevance to a query. The keyword
// implementation is deliberate: an embedding-backed implementation can be
// swapped in behind the same interface without touching callers.
type Finder interface {
	FindSimilar(ctx context.Context, query, userID string, limit int) ([]Pair, error)
}

// KeywordFinder scores user turns by lexical containment: the fraction of
// the query's tokens that appear in the candidate's text.
type KeywordFinder struct {
	source    TurnScanner
	threshold float64
	logger    *zap.Logger
}

// NewKeywordFinder creates a KeywordFinder. threshold <= 0 selects
// DefaultThreshold.
func NewKeywordFinder(source TurnScanner, threshold float64, logger *zap.Logger) *KeywordFinder {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &KeywordFinder{source: source, threshold: threshold, logger: logger}
}

// FindSimilar returns the top-K past user turns most similar to query, each
// paired with its assistant reply. Ties are broken by recency. When userID
// is empty the search spans all users; restricting results to a caller's
// own data is the caller's responsibility. A query matching nothing yields
// an empty slice, never an error.
func (f *KeywordFinder) FindSimilar(ctx context.Context, query, userID string, limit int) ([]Pair, error) {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}

	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return []Pair{}, nil
	}

	turns, err := f.source.ScanUser(ctx, userID, scanDepth)
	if err != nil {
		return nil, err
	}

	pairs := pairExchanges(turns)

	scored := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		score := float64(overlapCount(queryTokens, p.Query.Text)) / float64(len(queryTokens))
		if score < f.threshold {
			continue
		}
		p.Score = score
		scored = append(scored, p)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Query.CreatedAt.After(scored[j].Query.CreatedAt)
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	f.logger.Debug("similarity search",
		zap.String("user_id", userID),
		zap.Int("candidates", len(pairs)),
		zap.Int("matches", len(scored)))
	return scored, nil
}

// pairExchanges walks turns in chronological order and attaches each user
// turn's assistant reply: the next assistant turn in the same conversation
// on the same channel.
func pairExchanges(turns []models.Turn) []Pair {
	pairs := make([]Pair, 0, len(turns)/2)
	for i, t := range turns {
		if t.Role != models.RoleUser {
			continue
		}
		p := Pair{Query: t}
		for j := i + 1; j < len(turns); j++ {
			next := turns[j]
			if next.ConversationID != t.ConversationID || next.Channel != t.Channel {
				continue
			}
			if next.Role == models.RoleUser {
				break
			}
			reply := next
			p.Reply = &reply
			break
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// Tokenize lowercases text and splits it into a word set.
func Tokenize(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, ".,!?;:\"'()")] = struct{}{}
	}
	delete(set, "")
	return set
}

func overlapCount(queryTokens map[string]struct{}, text string) int {
	candidate := Tokenize(text)
	n := 0
	for tok := range queryTokens {
		if _, ok := candidate[tok]; ok {
			n++
		}
	}
	return n
}
