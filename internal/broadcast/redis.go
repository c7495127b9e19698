package broadcast

import (
	"context"

	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/redis/go-redis/v9"
)

// PubSub over a Redis channel
type RedisPubSub struct {
	redis *storage.RedisClient
}

func NewRedisPubSub(redis *storage.RedisClient) *RedisPubSub {
	return &RedisPubSub{redis: redis}
}

func (p *RedisPubSub) Publish(ctx context.Context, channel, message string) error {
	return p.redis.Publish(ctx, channel, message)
}

// Subscribe returns once the server has confirmed the subscription
func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := p.redis.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) ReceiveMessage(ctx context.Context) (string, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return "", err
	}
	return msg.Payload, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

var _ PubSub = (*RedisPubSub)(nil)
