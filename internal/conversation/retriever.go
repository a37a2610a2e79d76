// Package conversation merges the two channel partitions of the message
// store into a single chronologically ordered timeline.
package conversation

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/metrics"
	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/store"
)

// DefaultLimit bounds retrieval when the caller passes limit <= 0.
const DefaultLimit = 50

// Retriever reads recent turns from both channel partitions. A single
// unreachable partition degrades the result instead of failing it:
// conversation context is an enhancement, not a correctness-critical input.
type Retriever struct {
	app      store.TurnPartition
	whatsapp store.TurnPartition
	logger   *zap.Logger
}

func NewRetriever(app, whatsapp store.TurnPartition, logger *zap.Logger) *Retriever {
	return &Retriever{app: app, whatsapp: whatsapp, logger: logger}
}

// FetchRecent returns at most limit turns for the conversation, merged from
// both partitions and sorted oldest first. When more than limit turns exist,
// the most recent ones are kept (the tail of the history, not an arbitrary
// window). It returns an error only when both partitions are unreachable.
func (r *Retriever) FetchRecent(ctx context.Context, userID, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	appTurns, appErr := r.app.Recent(ctx, userID, conversationID, limit)
	waTurns, waErr := r.whatsapp.Recent(ctx, userID, conversationID, limit)

	if appErr != nil && waErr != nil {
		return nil, fmt.Errorf("both partitions unreachable: app: %v; whatsapp: %w", appErr, waErr)
	}
	if appErr != nil {
		r.degraded(userID, conversationID, models.ChannelApp, appErr)
	}
	if waErr != nil {
		r.degraded(userID, conversationID, models.ChannelWhatsApp, waErr)
	}

	merged := append(appTurns, waTurns...)
	SortTurns(merged)

	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

// FetchRecentByChannel reads a single partition, sorted oldest first.
func (r *Retriever) FetchRecentByChannel(ctx context.Context, userID, conversationID string, ch models.Channel, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	turns, err := r.partition(ch).Recent(ctx, userID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	SortTurns(turns)
	return turns, nil
}

// ScanUser returns up to limit turns for a user (all users when userID is
// empty) across all conversations, merged from both partitions and sorted
// oldest first with the most recent turns kept. Same fail-soft policy as
// FetchRecent.
func (r *Retriever) ScanUser(ctx context.Context, userID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	appTurns, appErr := r.app.Scan(ctx, userID, limit)
	waTurns, waErr := r.whatsapp.Scan(ctx, userID, limit)

	if appErr != nil && waErr != nil {
		return nil, fmt.Errorf("both partitions unreachable: app: %v; whatsapp: %w", appErr, waErr)
	}
	if appErr != nil {
		r.degraded(userID, "", models.ChannelApp, appErr)
	}
	if waErr != nil {
		r.degraded(userID, "", models.ChannelWhatsApp, waErr)
	}

	merged := append(appTurns, waTurns...)
	SortTurns(merged)
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

func (r *Retriever) partition(ch models.Channel) store.TurnPartition {
	if ch == models.ChannelWhatsApp {
		return r.whatsapp
	}
	return r.app
}

func (r *Retriever) degraded(userID, conversationID string, ch models.Channel, err error) {
	metrics.DegradedFetches.WithLabelValues(string(ch)).Inc()
	r.logger.Warn("partition unreachable, returning partial history",
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.String("channel", string(ch)),
		zap.Error(err))
}

// SortTurns orders turns oldest first: created_at, then channel rank (app
// before whatsapp), then per-partition insertion sequence. The rule is
// deterministic so repeated reads of the same set always agree, no matter
// which partition was written first.
func SortTurns(turns []models.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		a, b := turns[i], turns[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Channel != b.Channel {
			return a.Channel.Rank() < b.Channel.Rank()
		}
		return a.Seq < b.Seq
	})
}
