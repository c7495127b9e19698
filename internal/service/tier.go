package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	freeTierKey   = "free"
	safetyTierKey = "safety"
)

type TierStore interface {
	ListByType(ctx context.Context, tierType models.TierType) ([]models.Tier, error)
}

// Size and idle lifetime of an in-process cache. A zero TTL keeps entries
// until they are evicted or invalidated.
type CacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// Absence is cached too, so a deployment without a free tier does not hit
// the database on every request
type tierEntry struct {
	tier *models.Tier
}

// Looks up the FREE and SAFETY tiers through a small expiring cache
type TierService struct {
	store  TierStore
	cache  *expirable.LRU[string, tierEntry]
	group  singleflight.Group
	logger *slog.Logger
}

func NewTierService(store TierStore, opts CacheOptions, logger *slog.Logger) *TierService {
	size := opts.MaxSize
	if size <= 0 {
		size = 8
	}
	return &TierService{
		store:  store,
		cache:  expirable.NewLRU[string, tierEntry](size, nil, opts.TTL),
		logger: logger,
	}
}

// FreeTier returns the tier applied to callers with no enforced contract,
// or nil when none is configured. An error means the store could not be
// read and nothing was cached.
func (s *TierService) FreeTier(ctx context.Context) (*models.Tier, error) {
	return s.lookup(ctx, freeTierKey, models.TierTypeFree)
}

// SafetyTier returns the tier layered on top of every caller, or nil
func (s *TierService) SafetyTier(ctx context.Context) (*models.Tier, error) {
	return s.lookup(ctx, safetyTierKey, models.TierTypeSafety)
}

// Drops every cached tier
func (s *TierService) Invalidate() {
	s.cache.Purge()
	s.group.Forget(freeTierKey)
	s.group.Forget(safetyTierKey)
}

func (s *TierService) lookup(ctx context.Context, key string, tierType models.TierType) (*models.Tier, error) {
	if entry, ok := s.cache.Get(key); ok {
		// re-adding restarts the expiry, so the TTL measures idle time
		s.cache.Add(key, entry)
		return copyTier(entry.tier), nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		tiers, err := s.store.ListByType(ctx, tierType)
		if err != nil {
			return nil, err
		}

		entry := tierEntry{}
		if len(tiers) > 0 {
			if len(tiers) > 1 {
				s.logger.Warn("multiple tiers of the same type, using the oldest",
					"type", tierType,
					"count", len(tiers),
					"tier", tiers[0].Name,
				)
			}
			entry.tier = &tiers[0]
		}

		s.cache.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		s.logger.Warn("tier lookup failed", "type", tierType, "error", err)
		return nil, fmt.Errorf("failed to load %s tier: %w", tierType, err)
	}

	return copyTier(v.(tierEntry).tier), nil
}

func copyTier(t *models.Tier) *models.Tier {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
