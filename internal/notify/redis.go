package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes turn events on a per-conversation pub/sub
// channel. Subscribers (app push gateway, WhatsApp bridge) listen on
// conversation:{id}:turns.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisPublisher{client: client, logger: logger}, nil
}

func conversationChannel(conversationID string) string {
	return fmt.Sprintf("conversation:%s:turns", conversationID)
}

func (p *RedisPublisher) TurnAppended(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, conversationChannel(ev.ConversationID), payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
