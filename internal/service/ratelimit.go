package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/metrics"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/ratelimit"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"
)

// Outcome of one admission check. Limited is false when no quota applies
// to the caller or the bucket store could not be reached; such requests
// are always allowed.
type Decision struct {
	Limited    bool
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	Reset      time.Duration
}

type RateLimitOptions struct {
	// Upper bound on one bucket store round trip
	Timeout time.Duration
	// Cache of per-customer bucket configurations
	Policies CacheOptions
	// Consecutive store failures before calls are short-circuited
	BreakerMaxFailures uint32
	// How long the breaker stays open before probing the store again
	BreakerOpenTimeout time.Duration
}

type RateLimitService struct {
	store    ratelimit.BucketStore
	policies *expirable.LRU[string, ratelimit.Configuration]
	breaker  *gobreaker.CircuitBreaker[ratelimit.ConsumptionProbe]
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRateLimitService(store ratelimit.BucketStore, opts RateLimitOptions, logger *slog.Logger) *RateLimitService {
	size := opts.Policies.MaxSize
	if size <= 0 {
		size = 1000
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	breaker := gobreaker.NewCircuitBreaker[ratelimit.ConsumptionProbe](gobreaker.Settings{
		Name:    "bucket-store",
		Timeout: opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &RateLimitService{
		store:    store,
		policies: expirable.NewLRU[string, ratelimit.Configuration](size, nil, opts.Policies.TTL),
		breaker:  breaker,
		timeout:  timeout,
		logger:   logger,
	}
}

// BucketConfiguration derives the limits for identity: the customer's tier
// when enforced, otherwise the free tier, then the safety tier on top.
// Results are cached per customer unless a tier lookup failed.
func (s *RateLimitService) BucketConfiguration(identity *ResolvedIdentity) ratelimit.Configuration {
	key := policyKey(identity.Customer())
	if cfg, ok := s.policies.Get(key); ok {
		// re-adding restarts the expiry, so the TTL measures idle time
		s.policies.Add(key, cfg)
		return cfg
	}

	cfg := s.derive(identity)
	if !identity.Partial() {
		s.policies.Add(key, cfg)
	}
	return cfg
}

// Bucket returns the caller's bucket, or false when no quota applies
func (s *RateLimitService) Bucket(identity *ResolvedIdentity) (*ratelimit.Bucket, bool) {
	cfg := s.BucketConfiguration(identity)
	if cfg.Empty() {
		return nil, false
	}
	return ratelimit.NewBucket(s.store, identity.CacheKey(), cfg), true
}

// Consume takes one token from the caller's bucket. Store failures admit
// the request.
func (s *RateLimitService) Consume(ctx context.Context, identity *ResolvedIdentity) Decision {
	bucket, ok := s.Bucket(identity)
	if !ok {
		metrics.Decisions.WithLabelValues(metrics.OutcomeUnrestricted).Inc()
		return Decision{Allowed: true}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	probe, err := s.breaker.Execute(func() (ratelimit.ConsumptionProbe, error) {
		return bucket.TryConsume(ctx)
	})
	if err != nil {
		s.logger.Warn("bucket store unavailable, admitting request",
			"key", identity.CacheKey(),
			"error", err,
		)
		metrics.Decisions.WithLabelValues(metrics.OutcomeFailOpen).Inc()
		return Decision{Allowed: true}
	}

	if probe.Consumed {
		metrics.Decisions.WithLabelValues(metrics.OutcomeAllowed).Inc()
	} else {
		metrics.Decisions.WithLabelValues(metrics.OutcomeRejected).Inc()
	}

	return Decision{
		Limited:    true,
		Allowed:    probe.Consumed,
		Limit:      bucket.Configuration().Limit(),
		Remaining:  probe.Remaining,
		RetryAfter: probe.RetryAfter,
		Reset:      probe.ResetAfter,
	}
}

// Drops cached configurations so the next request re-derives them
func (s *RateLimitService) InvalidatePolicies() {
	s.policies.Purge()
}

func (s *RateLimitService) derive(identity *ResolvedIdentity) ratelimit.Configuration {
	var cfg ratelimit.Configuration

	if customer := identity.Customer(); customer.Enforced() {
		s.appendTier(&cfg, customer.Tier)
	} else if free := identity.FreeTier(); free != nil {
		s.appendTier(&cfg, free)
	}

	if safety := identity.SafetyTier(); safety != nil {
		s.appendTier(&cfg, safety)
	}

	return cfg
}

func (s *RateLimitService) appendTier(cfg *ratelimit.Configuration, tier *models.Tier) {
	bw := ratelimit.BandwidthFromTier(tier)
	if !bw.Valid() {
		s.logger.Warn("ignoring tier with unusable limits", "tier", tier.Name, "bandwidth", bw.String())
		return
	}
	cfg.Bandwidths = append(cfg.Bandwidths, bw)
}

// Anonymous callers share one cached configuration under the empty key
func policyKey(c *models.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID.String()
}
