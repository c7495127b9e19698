package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *storage.RedisClient) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, storage.NewRedisFromClient(client)
}

func greedy(capacity int64, period time.Duration) Bandwidth {
	return Bandwidth{Capacity: capacity, Refill: models.RefillGreedy, Period: period}
}

func interval(capacity int64, period time.Duration) Bandwidth {
	return Bandwidth{Capacity: capacity, Refill: models.RefillInterval, Period: period}
}
