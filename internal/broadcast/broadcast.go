// Package broadcast fans cache invalidation messages out to every gateway
// instance over Redis pub/sub.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/metrics"
	"github.com/avast/retry-go/v5"
)

// Invalidation messages
const (
	Customers = "customers"
	Tiers     = "tiers"
)

// Reacts to one invalidation message on this instance
type Handler func(ctx context.Context) error

type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	ReceiveMessage(ctx context.Context) (string, error)
	Close() error
}

type Options struct {
	Channel string
	// Reconnect delay after the first failure, doubled on each further one
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// A subscription that lived this long resets the backoff when it drops
	StableAfter time.Duration
	// Upper bound on running the handlers of one message
	HandlerTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 10 * time.Second
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	return o
}

var errSubscriptionLost = errors.New("broadcast: subscription lost")

type Broadcaster struct {
	pubsub PubSub
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// set after the first subscription of a run; owned by the run goroutine
	subscribed bool
}

func New(pubsub PubSub, opts Options, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		pubsub:   pubsub,
		opts:     opts.withDefaults(),
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Handle registers fn for message. Handlers run in registration order.
func (b *Broadcaster) Handle(message string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[message] = append(b.handlers[message], fn)
}

// Publish notifies every instance, this one included once its listener
// receives the message
func (b *Broadcaster) Publish(ctx context.Context, message string) error {
	return b.pubsub.Publish(ctx, b.opts.Channel, message)
}

// Local runs the handlers for message on this instance only
func (b *Broadcaster) Local(ctx context.Context, message string) error {
	return b.dispatch(ctx, message)
}

// Start launches the listener. It keeps resubscribing until Stop.
func (b *Broadcaster) Start(ctx context.Context) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.subscribed = false

	go b.run(ctx, b.done)
}

// Stop cancels the listener and waits for it to exit
func (b *Broadcaster) Stop() {
	b.lifecycle.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Broadcaster) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		// each Do starts a fresh backoff sequence; listen only returns nil
		// after a stable subscription drops
		err := retry.New(
			retry.Context(ctx),
			retry.UntilSucceeded(),
			retry.Delay(b.opts.MinBackoff),
			retry.MaxDelay(b.opts.MaxBackoff),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				metrics.BroadcastReconnects.Inc()
				b.logger.Warn("invalidation listener disconnected, retrying",
					"attempt", n+1,
					"error", err,
				)
			}),
		).Do(func() error {
			return b.listen(ctx)
		})
		if err != nil {
			return
		}

		metrics.BroadcastReconnects.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.opts.MinBackoff):
		}
	}
}

func (b *Broadcaster) listen(ctx context.Context) error {
	sub, err := b.pubsub.Subscribe(ctx, b.opts.Channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	b.logger.Info("listening for cache invalidations", "channel", b.opts.Channel)

	if b.subscribed {
		// anything published while disconnected was missed
		b.resync(ctx)
	}
	b.subscribed = true
	started := time.Now()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if time.Since(started) >= b.opts.StableAfter {
				b.logger.Warn("invalidation subscription dropped", "error", err)
				return nil
			}
			return errors.Join(errSubscriptionLost, err)
		}

		if err := b.handleMessage(ctx, msg); err != nil {
			b.logger.Error("cache invalidation failed", "message", msg, "error", err)
		}
	}
}

// Runs every registered message locally, in name order
func (b *Broadcaster) resync(ctx context.Context) {
	b.mu.RLock()
	messages := slices.Sorted(maps.Keys(b.handlers))
	b.mu.RUnlock()

	if len(messages) == 0 {
		return
	}

	b.logger.Info("resubscribed, reloading caches", "messages", messages)
	for _, msg := range messages {
		if err := b.handleMessage(ctx, msg); err != nil {
			b.logger.Error("cache reload after resubscribe failed", "message", msg, "error", err)
		}
	}
}

func (b *Broadcaster) handleMessage(ctx context.Context, msg string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
	defer cancel()
	return b.dispatch(ctx, msg)
}

func (b *Broadcaster) dispatch(ctx context.Context, msg string) error {
	b.mu.RLock()
	handlers := b.handlers[msg]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Warn("ignoring unknown invalidation message", "message", msg)
		return nil
	}

	metrics.Invalidations.WithLabelValues(msg).Inc()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
