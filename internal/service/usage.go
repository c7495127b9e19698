package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/metrics"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const usageKeyPrefix = "usage:"

type UsageStore interface {
	SaveUsageStats(ctx context.Context, stats *models.UsageStats) error
}

type CustomerFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

type UsageOptions struct {
	WindowMinutes int
	// Upper bound on one counter increment
	Timeout time.Duration
	// Attempts at persisting one window before its counter is left for the
	// next drain
	PersistAttempts uint
	PersistDelay    time.Duration
	Now             func() time.Time
}

// Tally of one drain run
type DrainResult struct {
	Persisted int
	Discarded int
	Open      int
	Failed    int
}

// Counts admitted customer requests per fixed window in Redis and moves
// closed windows to the relational store
type UsageService struct {
	redis           *storage.RedisClient
	customers       CustomerFinder
	store           UsageStore
	windowMinutes   int64
	timeout         time.Duration
	persistAttempts uint
	persistDelay    time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

func NewUsageService(redis *storage.RedisClient, customers CustomerFinder, store UsageStore, opts UsageOptions, logger *slog.Logger) *UsageService {
	s := &UsageService{
		redis:           redis,
		customers:       customers,
		store:           store,
		windowMinutes:   int64(opts.WindowMinutes),
		timeout:         opts.Timeout,
		persistAttempts: opts.PersistAttempts,
		persistDelay:    opts.PersistDelay,
		now:             opts.Now,
		logger:          logger,
	}
	if s.windowMinutes <= 0 {
		s.windowMinutes = 5
	}
	if s.timeout <= 0 {
		s.timeout = 250 * time.Millisecond
	}
	if s.persistAttempts == 0 {
		s.persistAttempts = 3
	}
	if s.persistDelay <= 0 {
		s.persistDelay = 100 * time.Millisecond
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *UsageService) WindowDuration() time.Duration {
	return time.Duration(s.windowMinutes) * time.Minute
}

// WindowStart aligns t to the start of its window, counted in whole
// minutes since the Unix epoch
func WindowStart(t time.Time, windowMinutes int64) time.Time {
	minute := t.Unix() / 60
	start := minute / windowMinutes * windowMinutes
	return time.Unix(start*60, 0).UTC()
}

func usageKey(customerID uuid.UUID, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%d", usageKeyPrefix, customerID, windowStart.Unix())
}

func parseUsageKey(key string) (uuid.UUID, time.Time, error) {
	rest, ok := strings.CutPrefix(key, usageKeyPrefix)
	if !ok {
		return uuid.Nil, time.Time{}, fmt.Errorf("usage key %q: missing prefix", key)
	}

	idPart, windowPart, ok := strings.Cut(rest, ":")
	if !ok {
		return uuid.Nil, time.Time{}, fmt.Errorf("usage key %q: missing window", key)
	}

	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("usage key %q: %w", key, err)
	}

	unix, err := strconv.ParseInt(windowPart, 10, 64)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("usage key %q: %w", key, err)
	}

	return id, time.Unix(unix, 0).UTC(), nil
}

// Increment counts one request against the customer's current window.
// Failures are logged and swallowed; accounting never blocks traffic.
func (s *UsageService) Increment(ctx context.Context, customer *models.Customer) {
	if customer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := usageKey(customer.ID, WindowStart(s.now(), s.windowMinutes))
	if _, err := s.redis.Incr(ctx, key); err != nil {
		metrics.UsageIncrements.WithLabelValues("error").Inc()
		s.logger.Warn("failed to count request", "customer", customer.Name, "error", err)
		return
	}
	metrics.UsageIncrements.WithLabelValues("ok").Inc()
}

type drainOutcome int

const (
	drainPersisted drainOutcome = iota
	drainDiscarded
	drainFailed
	drainGone
)

// Drain persists every closed window and deletes its counter. A counter is
// only deleted after its row is written, so a crash in between can persist
// the same window twice but never loses it.
func (s *UsageService) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	current := WindowStart(s.now(), s.windowMinutes)

	var keys []string
	err := s.redis.ScanKeys(ctx, usageKeyPrefix+"*", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to scan usage counters: %w", err)
	}

	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		customerID, windowStart, err := parseUsageKey(key)
		if err != nil {
			s.logger.Warn("discarding malformed usage counter", "key", key, "error", err)
			if err := s.redis.Del(ctx, key); err != nil {
				errs = append(errs, err)
			}
			result.Discarded++
			metrics.UsageDrained.WithLabelValues("discarded").Inc()
			continue
		}

		if !windowStart.Before(current) {
			result.Open++
			continue
		}

		outcome, err := s.drainWindow(ctx, key, customerID, windowStart)
		if err != nil {
			errs = append(errs, err)
		}
		switch outcome {
		case drainPersisted:
			result.Persisted++
			metrics.UsageDrained.WithLabelValues("persisted").Inc()
		case drainDiscarded:
			result.Discarded++
			metrics.UsageDrained.WithLabelValues("discarded").Inc()
		case drainFailed:
			result.Failed++
			metrics.UsageDrained.WithLabelValues("failed").Inc()
		}
	}

	if result.Persisted > 0 || result.Discarded > 0 || result.Failed > 0 {
		s.logger.Info("usage drained",
			"persisted", result.Persisted,
			"discarded", result.Discarded,
			"failed", result.Failed,
			"open", result.Open,
		)
	}

	return result, errors.Join(errs...)
}

func (s *UsageService) drainWindow(ctx context.Context, key string, customerID uuid.UUID, windowStart time.Time) (drainOutcome, error) {
	raw, err := s.redis.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return drainGone, nil
	}
	if err != nil {
		return drainFailed, fmt.Errorf("read %s: %w", key, err)
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("discarding unreadable usage counter", "key", key, "value", raw)
		return drainDiscarded, s.redis.Del(ctx, key)
	}

	customer, err := s.customers.FindByID(ctx, customerID)
	if err != nil {
		return drainFailed, fmt.Errorf("find customer %s: %w", customerID, err)
	}
	if customer == nil {
		s.logger.Warn("discarding usage of unknown customer",
			"customer_id", customerID.String(),
			"window_start", windowStart,
			"count", count,
		)
		return drainDiscarded, s.redis.Del(ctx, key)
	}

	err = retry.New(
		retry.Attempts(s.persistAttempts),
		retry.Delay(s.persistDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return s.store.SaveUsageStats(ctx, &models.UsageStats{
			CustomerID:  customer.ID,
			WindowStart: windowStart,
			Count:       count,
			Duration:    s.WindowDuration(),
		})
	})
	if err != nil {
		s.logger.Error("failed to persist usage, keeping counter for the next drain",
			"customer", customer.Name,
			"window_start", windowStart,
			"error", err,
		)
		return drainFailed, fmt.Errorf("persist %s: %w", key, err)
	}

	if err := s.redis.Del(ctx, key); err != nil {
		s.logger.Warn("usage persisted but counter not deleted, it will be persisted again",
			"key", key,
			"error", err,
		)
		return drainPersisted, fmt.Errorf("delete %s: %w", key, err)
	}

	return drainPersisted, nil
}
