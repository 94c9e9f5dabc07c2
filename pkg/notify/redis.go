package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events to a per-user redis channel so other
// processes (the dashboard's web tier) can pick them up.
type RedisSink struct {
	logger *slog.Logger
	client *redis.Client
	prefix string
}

func NewRedisSink(ctx context.Context, logger *slog.Logger, addr, prefix string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisSink{
		logger: logger.With("module", "redis_sink"),
		client: client,
		prefix: prefix,
	}, nil
}

func (s *RedisSink) Publish(ctx context.Context, userID string, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("failed to marshal event", "err", err)
		return
	}

	channel := fmt.Sprintf("%s:%s", s.prefix, userID)
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		s.logger.Warn("failed to publish event to redis", "channel", channel, "err", err)
	}
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
