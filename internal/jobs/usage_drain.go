// Package jobs runs the gateway's scheduled background work.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/service"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/robfig/cron/v3"
)

const drainLockName = "registry-gate:lock:usage-drain"

// Returned by RunOnce when another instance holds the drain lock
var ErrDrainInProgress = errors.New("jobs: usage drain already running elsewhere")

type Drainer interface {
	Drain(ctx context.Context) (service.DrainResult, error)
}

type UsageDrainOptions struct {
	// Cron spec, e.g. "@every 15s" or "*/1 * * * *"
	Schedule string
	// Expiry of the cross-instance lock; also bounds one run
	LockTTL time.Duration
}

// Periodically drains closed usage windows. A Redis lock keeps instances
// from draining at the same time.
type UsageDrainJob struct {
	drainer Drainer
	locks   *redsync.Redsync
	lockTTL time.Duration
	cron    *cron.Cron
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewUsageDrainJob(drainer Drainer, redis *storage.RedisClient, opts UsageDrainOptions, logger *slog.Logger) (*UsageDrainJob, error) {
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}

	j := &UsageDrainJob{
		drainer: drainer,
		locks:   redsync.New(goredis.NewPool(redis.Client())),
		lockTTL: lockTTL,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if _, err := j.cron.AddFunc(opts.Schedule, j.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid drain schedule %q: %w", opts.Schedule, err)
	}

	return j, nil
}

func (j *UsageDrainJob) Start() {
	j.logger.Info("usage drain scheduled", "entries", len(j.cron.Entries()))
	j.cron.Start()
}

// Stop cancels a run in progress and waits for it to return
func (j *UsageDrainJob) Stop() {
	j.once.Do(func() {
		j.cancel()
		<-j.cron.Stop().Done()
	})
}

// RunOnce drains under the cluster-wide lock
func (j *UsageDrainJob) RunOnce(ctx context.Context) (service.DrainResult, error) {
	ctx, cancel := context.WithTimeout(ctx, j.lockTTL)
	defer cancel()

	mutex := j.locks.NewMutex(drainLockName,
		redsync.WithExpiry(j.lockTTL),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return service.DrainResult{}, ErrDrainInProgress
		}
		return service.DrainResult{}, fmt.Errorf("failed to acquire drain lock: %w", err)
	}
	defer func() {
		// a fresh context so a cancelled run still releases the lock
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(unlockCtx); err != nil {
			j.logger.Warn("failed to release drain lock", "error", err)
		}
	}()

	return j.drainer.Drain(ctx)
}

func (j *UsageDrainJob) tick() {
	_, err := j.RunOnce(j.ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrDrainInProgress):
		j.logger.Debug("skipping usage drain, another instance holds the lock")
	default:
		j.logger.Error("usage drain failed", "error", err)
	}
}

// Adapts slog to cron's logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
