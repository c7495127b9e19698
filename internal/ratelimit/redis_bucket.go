package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix  = "ratelimit:bucket:"
	defaultMaxRetries = 16
)

// BucketStore keeping each bucket as a JSON document in Redis. Updates are
// compare-and-set: the document is WATCHed while the new state is computed
// and the write is retried when another instance got there first.
type RedisBucketStore struct {
	redis      *storage.RedisClient
	keyPrefix  string
	maxRetries int
	now        func() time.Time
}

type RedisBucketOption func(*RedisBucketStore)

func WithKeyPrefix(prefix string) RedisBucketOption {
	return func(s *RedisBucketStore) {
		s.keyPrefix = prefix
	}
}

func WithMaxRetries(n int) RedisBucketOption {
	return func(s *RedisBucketStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) RedisBucketOption {
	return func(s *RedisBucketStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisBucketStore(redis *storage.RedisClient, opts ...RedisBucketOption) *RedisBucketStore {
	s := &RedisBucketStore{
		redis:      redis,
		keyPrefix:  defaultKeyPrefix,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisBucketStore) TryConsume(ctx context.Context, key string, cfg Configuration, tokens int64) (ConsumptionProbe, error) {
	if cfg.Empty() {
		return ConsumptionProbe{}, ErrEmptyConfiguration
	}
	for _, bw := range cfg.Bandwidths {
		if !bw.Valid() {
			return ConsumptionProbe{}, fmt.Errorf("%w: %s", ErrInvalidBandwidth, bw)
		}
	}

	redisKey := s.keyPrefix + key
	fingerprint := cfg.Fingerprint()

	// A bucket left alone for its longest period is full again, which is
	// exactly what a missing key means
	ttl := cfg.LongestPeriod() + time.Minute

	var probe ConsumptionProbe

	txf := func(tx *redis.Tx) error {
		now := s.now()

		data, err := tx.Get(ctx, redisKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		var state *bucketState
		if err == nil {
			state = &bucketState{}
			if jsonErr := json.Unmarshal([]byte(data), state); jsonErr != nil {
				// unreadable state is replaced by a fresh bucket
				state = nil
			}
		}

		switch {
		case state == nil:
			state = newBucketState(cfg, now)
		case state.Config != fingerprint:
			state.replaceConfiguration(cfg, now)
		}

		probe = state.tryConsume(cfg, now, tokens)

		stateJSON, err := json.Marshal(state)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, stateJSON, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.redis.Watch(ctx, txf, redisKey)
		if err == nil {
			return probe, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return ConsumptionProbe{}, fmt.Errorf("bucket %s: %w", key, err)
	}

	return ConsumptionProbe{}, fmt.Errorf("bucket %s: %w", key, ErrConflict)
}

var _ BucketStore = (*RedisBucketStore)(nil)
