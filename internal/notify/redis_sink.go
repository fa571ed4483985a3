package notify

import (
	"context"
	"encoding/json"

	"crypto-orchestrator-bots/internal/models"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix + owner is the pub/sub channel a user's events go to.
const ChannelPrefix = "bots:events:"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes every event as JSON on the owner's channel.
type RedisSink struct {
	client publisher
}

func NewRedisSink(cfg models.NotifyConfig) *RedisSink {
	return &RedisSink{client: redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, ChannelPrefix+e.Owner, data).Err()
}

// Close releases the underlying connection pool.
func (s *RedisSink) Close() error {
	if c, ok := s.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
