package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/iptrie"
	"github.com/aman-churiwal/registry-gate/internal/metrics"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"go4.org/netipx"
	"golang.org/x/sync/singleflight"
)

const (
	indexKey              = "customer-index"
	backgroundRebuildTime = 30 * time.Second
)

type CustomerStore interface {
	ListAll(ctx context.Context) ([]models.Customer, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

// Immutable snapshot of every customer's ranges. Readers load it with a
// single atomic read and never see a half-built index.
type customerIndex struct {
	trie       *iptrie.Trie[*models.Customer]
	builtAt    time.Time
	prefixes   int
	generation uint64
}

type CustomerServiceOptions struct {
	// Age after which the index is rebuilt in the background on next use.
	// Zero keeps it until Reload.
	IndexTTL time.Duration
	Cache    CacheOptions
	Now      func() time.Time
}

// Resolves caller addresses to customers and customers by ID
type CustomerService struct {
	store CustomerStore
	index atomic.Pointer[customerIndex]
	// bumped by Reload; builds started before a bump are not published
	generation atomic.Uint64
	group      singleflight.Group
	byID       *ristretto.Cache[string, *models.Customer]
	cacheTTL   time.Duration
	indexTTL   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewCustomerService(store CustomerStore, opts CustomerServiceOptions, logger *slog.Logger) (*CustomerService, error) {
	size := int64(opts.Cache.MaxSize)
	if size <= 0 {
		size = 1000
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *models.Customer]{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create customer cache: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &CustomerService{
		store:    store,
		byID:     cache,
		cacheTTL: opts.Cache.TTL,
		indexTTL: opts.IndexTTL,
		now:      now,
		logger:   logger,
	}, nil
}

func (s *CustomerService) Close() {
	s.byID.Close()
}

// CustomerByIP returns the customer owning the most specific range that
// contains ip, or nil. The index is built on first use.
func (s *CustomerService) CustomerByIP(ctx context.Context, ip string) *models.Customer {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil
	}

	idx := s.current(ctx)
	if idx == nil {
		return nil
	}

	customer, ok := idx.trie.Lookup(addr)
	if !ok {
		return nil
	}
	return customer
}

// FindByID serves from the local cache and falls back to the store.
// Missing customers are not cached.
func (s *CustomerService) FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	key := id.String()
	if c, ok := s.byID.Get(key); ok {
		// setting again restarts the expiry, so the TTL measures idle time
		s.byID.SetWithTTL(key, c, 1, s.cacheTTL)
		return c, nil
	}

	c, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	s.byID.SetWithTTL(key, c, 1, s.cacheTTL)
	return c, nil
}

// Rebuild loads every customer and swaps in a fresh index. Concurrent
// callers share one load.
func (s *CustomerService) Rebuild(ctx context.Context) error {
	_, err, _ := s.group.Do(indexKey, func() (any, error) {
		return nil, s.rebuild(ctx)
	})
	return err
}

// Reload drops cached customers and rebuilds the index, discarding any
// load already in flight
func (s *CustomerService) Reload(ctx context.Context) error {
	s.generation.Add(1)
	s.byID.Clear()
	s.group.Forget(indexKey)
	return s.Rebuild(ctx)
}

func (s *CustomerService) current(ctx context.Context) *customerIndex {
	idx := s.index.Load()
	if idx == nil {
		if err := s.Rebuild(ctx); err != nil {
			s.logger.Warn("customer index unavailable", "error", err)
			return nil
		}
		return s.index.Load()
	}

	if s.indexTTL > 0 && s.now().Sub(idx.builtAt) > s.indexTTL {
		// stale snapshot keeps serving until the refresh lands
		s.group.DoChan(indexKey, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundRebuildTime)
			defer cancel()
			err := s.rebuild(ctx)
			if err != nil {
				s.logger.Warn("background customer index rebuild failed", "error", err)
			}
			return nil, err
		})
	}
	return idx
}

func (s *CustomerService) rebuild(ctx context.Context) error {
	generation := s.generation.Load()

	customers, err := s.store.ListAll(ctx)
	if err != nil {
		metrics.IndexRebuilds.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list customers: %w", err)
	}

	idx := buildIndex(customers, s.logger)
	idx.builtAt = s.now()
	idx.generation = generation

	if !s.publish(idx) {
		metrics.IndexRebuilds.WithLabelValues("superseded").Inc()
		s.logger.Debug("dropping customer index loaded before a reload")
		return nil
	}

	metrics.IndexRebuilds.WithLabelValues("ok").Inc()
	s.logger.Info("customer index rebuilt", "customers", len(customers), "prefixes", idx.prefixes)
	return nil
}

// Swaps idx in unless an index loaded after a later Reload is already live
func (s *CustomerService) publish(idx *customerIndex) bool {
	for {
		cur := s.index.Load()
		if cur != nil && cur.generation > idx.generation {
			return false
		}
		if s.index.CompareAndSwap(cur, idx) {
			return true
		}
	}
}

func buildIndex(customers []models.Customer, logger *slog.Logger) *customerIndex {
	idx := &customerIndex{trie: iptrie.New[*models.Customer]()}

	var claimed netipx.IPSetBuilder
	for i := range customers {
		customer := &customers[i]

		// ranges of earlier customers, for overlap warnings
		seen, _ := claimed.IPSet()

		for _, block := range customer.CIDRBlocks {
			prefix, err := parseBlock(block)
			if err != nil {
				logger.Warn("skipping malformed CIDR block",
					"customer", customer.Name,
					"block", block,
					"error", err,
				)
				continue
			}

			if err := idx.trie.Insert(prefix, customer); err != nil {
				if errors.Is(err, iptrie.ErrNotIPv4) {
					logger.Warn("skipping non-IPv4 CIDR block", "customer", customer.Name, "block", block)
				} else {
					logger.Warn("skipping CIDR block", "customer", customer.Name, "block", block, "error", err)
				}
				continue
			}

			if seen != nil && seen.OverlapsPrefix(prefix) {
				logger.Warn("CIDR block overlaps another customer, most specific range wins",
					"customer", customer.Name,
					"block", prefix.String(),
				)
			}

			claimed.AddPrefix(prefix)
			idx.prefixes++
		}
	}

	return idx
}

// Accepts "a.b.c.d/n" and a bare address as a single host range
func parseBlock(block string) (netip.Prefix, error) {
	block = strings.TrimSpace(block)
	if !strings.Contains(block, "/") {
		addr, err := netip.ParseAddr(block)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(block)
	if err != nil {
		return netip.Prefix{}, err
	}
	return prefix.Masked(), nil
}
