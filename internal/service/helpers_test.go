package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/registry-gate/internal/logging"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errStoreDown = errors.New("store down")

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

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testLogger = logging.Discard()

func newTier(name string, tierType models.TierType, capacity int64, period time.Duration) *models.Tier {
	return &models.Tier{
		ID:             uuid.New(),
		Name:           name,
		Type:           tierType,
		Capacity:       capacity,
		RefillStrategy: models.RefillGreedy,
		Duration:       period,
	}
}

func newCustomer(name string, state models.EnforcementState, tier *models.Tier, blocks ...string) models.Customer {
	c := models.Customer{
		ID:         uuid.New(),
		Name:       name,
		CIDRBlocks: blocks,
		State:      state,
		Tier:       tier,
	}
	if tier != nil {
		c.TierID = &tier.ID
	}
	return c
}

type fakeTierStore struct {
	mu    sync.Mutex
	tiers []models.Tier
	err   error
	calls int
}

func (f *fakeTierStore) ListByType(_ context.Context, tierType models.TierType) ([]models.Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Tier
	for _, t := range f.tiers {
		if t.Type == tierType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTierStore) set(tiers ...*models.Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiers = f.tiers[:0]
	for _, t := range tiers {
		f.tiers = append(f.tiers, *t)
	}
}

func (f *fakeTierStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCustomerStore struct {
	mu        sync.Mutex
	customers []models.Customer
	err       error
	listCalls int
	findCalls int
}

func (f *fakeCustomerStore) ListAll(context.Context) ([]models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Customer(nil), f.customers...), nil
}

func (f *fakeCustomerStore) FindByID(_ context.Context, id uuid.UUID) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.customers {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeCustomerStore) set(customers ...models.Customer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers = customers
}

func (f *fakeCustomerStore) counts() (list, find int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.findCalls
}

type fakeUsageStore struct {
	mu       sync.Mutex
	rows     []models.UsageStats
	failures int
	attempts int
	// runs after each successful save
	afterSave func()
}

func (f *fakeUsageStore) SaveUsageStats(_ context.Context, stats *models.UsageStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errStoreDown
	}
	f.rows = append(f.rows, *stats)
	if f.afterSave != nil {
		f.afterSave()
	}
	return nil
}

func (f *fakeUsageStore) saved() []models.UsageStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UsageStats(nil), f.rows...)
}

// Request with fixed values, keyed by canonical header name
type fakeRequest struct {
	headers map[string]string
	query   map[string]string
	session string
	remote  string
}

func (r fakeRequest) Header(name string) string { return r.headers[name] }
func (r fakeRequest) Query(name string) string  { return r.query[name] }
func (r fakeRequest) SessionID() string         { return r.session }
func (r fakeRequest) RemoteAddr() string        { return r.remote }
