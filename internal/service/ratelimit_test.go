package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBucketStore struct {
	calls atomic.Int32
}

func (f *failingBucketStore) TryConsume(context.Context, string, ratelimit.Configuration, int64) (ratelimit.ConsumptionProbe, error) {
	f.calls.Add(1)
	return ratelimit.ConsumptionProbe{}, errStoreDown
}

func newRateLimitService(store ratelimit.BucketStore) *RateLimitService {
	return NewRateLimitService(store, RateLimitOptions{
		Timeout:            time.Second,
		Policies:           CacheOptions{TTL: time.Hour, MaxSize: 100},
		BreakerMaxFailures: 3,
		BreakerOpenTimeout: time.Minute,
	}, testLogger)
}

func TestBucketConfigurationPolicyOrder(t *testing.T) {
	free := newTier("free", models.TierTypeFree, 100, time.Hour)
	safety := newTier("safety", models.TierTypeSafety, 1000, time.Minute)
	gold := newTier("gold", models.TierTypeNonFree, 5000, time.Hour)

	enforced := newCustomer("acme", models.StateEnforcement, gold)
	evaluated := newCustomer("beta", models.StateEvaluation, gold)

	tests := []struct {
		name     string
		identity *ResolvedIdentity
		want     []int64
	}{
		{"enforced customer", NewResolvedIdentity("1.1.1.1", "customer:acme", &enforced, free, safety), []int64{5000, 1000}},
		{"evaluated customer", NewResolvedIdentity("1.1.1.2", "customer:beta", &evaluated, free, safety), []int64{100, 1000}},
		{"anonymous", NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, free, safety), []int64{100, 1000}},
		{"anonymous without safety", NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, free, nil), []int64{100}},
		{"safety only", NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, nil, safety), []int64{1000}},
		{"no tiers", NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, nil, nil), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newRateLimitService(&failingBucketStore{})
			cfg := svc.BucketConfiguration(tt.identity)

			var got []int64
			for _, bw := range cfg.Bandwidths {
				got = append(got, bw.Capacity)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBucketConfigurationSkipsUnusableTier(t *testing.T) {
	broken := newTier("free", models.TierTypeFree, 0, time.Hour)
	safety := newTier("safety", models.TierTypeSafety, 10, time.Minute)
	svc := newRateLimitService(&failingBucketStore{})

	cfg := svc.BucketConfiguration(NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, broken, safety))

	require.Len(t, cfg.Bandwidths, 1)
	assert.Equal(t, int64(10), cfg.Limit())
}

func TestBucketConfigurationIsCached(t *testing.T) {
	free := newTier("free", models.TierTypeFree, 100, time.Hour)
	svc := newRateLimitService(&failingBucketStore{})

	first := svc.BucketConfiguration(NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, free, nil))
	assert.Equal(t, int64(100), first.Limit())

	changed := newTier("free", models.TierTypeFree, 50, time.Hour)
	id := NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, changed, nil)
	assert.Equal(t, int64(100), svc.BucketConfiguration(id).Limit())

	svc.InvalidatePolicies()
	assert.Equal(t, int64(50), svc.BucketConfiguration(id).Limit())
}

func TestBucketUnrestricted(t *testing.T) {
	svc := newRateLimitService(&failingBucketStore{})
	id := NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, nil, nil)

	_, ok := svc.Bucket(id)
	assert.False(t, ok)

	d := svc.Consume(context.Background(), id)
	assert.True(t, d.Allowed)
	assert.False(t, d.Limited)
}

func TestConsumeEnforcesFreeTier(t *testing.T) {
	_, rc := setupMiniredis(t)
	svc := newRateLimitService(ratelimit.NewRedisBucketStore(rc))
	free := newTier("free", models.TierTypeFree, 100, time.Hour)
	id := NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, free, nil)
	ctx := context.Background()

	for i := range 100 {
		d := svc.Consume(ctx, id)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.True(t, d.Limited)
		assert.Equal(t, int64(100), d.Limit)
		assert.Equal(t, int64(99-i), d.Remaining)
	}

	d := svc.Consume(ctx, id)
	assert.False(t, d.Allowed)
	assert.True(t, d.Limited)
	assert.Positive(t, d.RetryAfter)
	assert.Positive(t, d.Reset)
}

func TestConsumeSafetyTierCapsCustomer(t *testing.T) {
	_, rc := setupMiniredis(t)
	svc := newRateLimitService(ratelimit.NewRedisBucketStore(rc))
	gold := newTier("gold", models.TierTypeNonFree, 1000, time.Hour)
	safety := newTier("safety", models.TierTypeSafety, 3, time.Minute)
	acme := newCustomer("acme", models.StateEnforcement, gold)
	id := NewResolvedIdentity("1.1.1.1", "customer:acme", &acme, nil, safety)
	ctx := context.Background()

	for range 3 {
		require.True(t, svc.Consume(ctx, id).Allowed)
	}

	d := svc.Consume(ctx, id)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(1000), d.Limit, "primary limit is the customer tier")
}

func TestConsumeFailsOpen(t *testing.T) {
	store := &failingBucketStore{}
	svc := newRateLimitService(store)
	free := newTier("free", models.TierTypeFree, 1, time.Hour)
	id := NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, free, nil)

	for range 10 {
		d := svc.Consume(context.Background(), id)
		assert.True(t, d.Allowed)
		assert.False(t, d.Limited)
	}

	// breaker opened after three failures and stopped calling the store
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestConsumeFailsOpenWhenRedisIsGone(t *testing.T) {
	mr, rc := setupMiniredis(t)
	svc := newRateLimitService(ratelimit.NewRedisBucketStore(rc))
	free := newTier("free", models.TierTypeFree, 1, time.Hour)
	id := NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, free, nil)

	mr.Close()

	d := svc.Consume(context.Background(), id)
	assert.True(t, d.Allowed)
}

func TestBucketConfigurationNotCachedDuringTierOutage(t *testing.T) {
	store := &fakeTierStore{err: errStoreDown}
	store.set(
		newTier("free", models.TierTypeFree, 100, time.Hour),
		newTier("safety", models.TierTypeSafety, 1000, time.Minute),
	)
	tiers := NewTierService(store, CacheOptions{TTL: time.Hour, MaxSize: 8}, testLogger)
	resolver := NewIdentityResolver(stubLocator{}, tiers, ClientIPRule{}, "token")
	svc := newRateLimitService(&failingBucketStore{})
	ctx := context.Background()
	req := fakeRequest{remote: "2.2.2.2:1000"}

	id := resolver.Resolve(ctx, req)
	require.True(t, id.Partial())
	assert.True(t, svc.BucketConfiguration(id).Empty(), "admitted unrestricted while tiers are unknown")

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	id = resolver.Resolve(ctx, req)
	require.False(t, id.Partial())

	cfg := svc.BucketConfiguration(id)
	require.Len(t, cfg.Bandwidths, 2)
	assert.Equal(t, int64(100), cfg.Limit())
}

func TestPolicyCacheExpiresWhenIdle(t *testing.T) {
	svc := NewRateLimitService(&failingBucketStore{}, RateLimitOptions{
		Timeout:  time.Second,
		Policies: CacheOptions{TTL: 150 * time.Millisecond, MaxSize: 10},
	}, testLogger)

	free := newTier("free", models.TierTypeFree, 100, time.Hour)
	require.Equal(t, int64(100), svc.BucketConfiguration(NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, free, nil)).Limit())

	changed := NewResolvedIdentity("2.2.2.2", "2.2.2.2", nil, newTier("free", models.TierTypeFree, 50, time.Hour), nil)

	// steady use keeps the entry alive past its TTL
	for range 6 {
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int64(100), svc.BucketConfiguration(changed).Limit())
	}

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(50), svc.BucketConfiguration(changed).Limit())
}
