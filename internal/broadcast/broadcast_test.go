package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/registry-gate/internal/logging"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errConnRefused = errors.New("connection refused")

type fakeSubscription struct {
	msgs   chan string
	errs   chan error
	closed atomic.Bool
}

func (s *fakeSubscription) ReceiveMessage(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-s.errs:
		return "", err
	case msg := <-s.msgs:
		return msg, nil
	}
}

func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

type fakePubSub struct {
	mu       sync.Mutex
	failures int
	attempts []time.Time
	current  *fakeSubscription
	subs     chan *fakeSubscription
}

func newFakePubSub(failures int) *fakePubSub {
	return &fakePubSub{failures: failures, subs: make(chan *fakeSubscription, 16)}
}

func (p *fakePubSub) Publish(_ context.Context, _ string, message string) error {
	p.mu.Lock()
	sub := p.current
	p.mu.Unlock()
	if sub == nil {
		return errConnRefused
	}
	sub.msgs <- message
	return nil
}

func (p *fakePubSub) Subscribe(context.Context, string) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts = append(p.attempts, time.Now())
	if p.failures > 0 {
		p.failures--
		return nil, errConnRefused
	}

	sub := &fakeSubscription{msgs: make(chan string, 16), errs: make(chan error, 1)}
	p.current = sub
	p.subs <- sub
	return sub, nil
}

func (p *fakePubSub) attemptTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.attempts...)
}

func fastOptions() Options {
	return Options{
		Channel:     "test",
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  time.Second,
		StableAfter: time.Hour,
	}
}

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	b := New(newFakePubSub(0), fastOptions(), logging.Discard())

	var order []string
	b.Handle(Customers, func(context.Context) error {
		order = append(order, "cache")
		return nil
	})
	b.Handle(Customers, func(context.Context) error {
		order = append(order, "index")
		return errConnRefused
	})
	b.Handle(Customers, func(context.Context) error {
		order = append(order, "policies")
		return nil
	})

	err := b.Local(context.Background(), Customers)

	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, []string{"cache", "index", "policies"}, order)
	assert.NoError(t, b.Local(context.Background(), "bogus"), "unknown messages are ignored")
}

func TestListenerDeliversMessages(t *testing.T) {
	ps := newFakePubSub(0)
	b := New(ps, fastOptions(), logging.Discard())

	var tiers atomic.Int32
	b.Handle(Tiers, func(context.Context) error {
		tiers.Add(1)
		return nil
	})

	b.Start(context.Background())
	defer b.Stop()

	<-ps.subs
	require.NoError(t, b.Publish(context.Background(), Tiers))
	require.NoError(t, b.Publish(context.Background(), "unknown"))

	assert.Eventually(t, func() bool { return tiers.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenerBacksOffExponentially(t *testing.T) {
	ps := newFakePubSub(4)
	b := New(ps, fastOptions(), logging.Discard())

	b.Start(context.Background())
	defer b.Stop()

	select {
	case <-ps.subs:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never subscribed")
	}

	attempts := ps.attemptTimes()
	require.Len(t, attempts, 5)

	want := 10 * time.Millisecond
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		assert.GreaterOrEqual(t, gap, want, "gap before attempt %d", i+1)
		want *= 2
	}
}

func TestListenerResubscribesAfterDrop(t *testing.T) {
	ps := newFakePubSub(0)
	b := New(ps, fastOptions(), logging.Discard())

	var hits atomic.Int32
	b.Handle(Customers, func(context.Context) error {
		hits.Add(1)
		return nil
	})

	b.Start(context.Background())
	defer b.Stop()

	first := <-ps.subs
	first.errs <- errConnRefused

	second := <-ps.subs
	assert.Eventually(t, first.closed.Load, time.Second, 5*time.Millisecond)

	second.msgs <- Customers
	// one reload on reconnect, one for the message
	assert.Eventually(t, func() bool { return hits.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestListenerReloadsAfterResubscribe(t *testing.T) {
	ps := newFakePubSub(0)
	b := New(ps, fastOptions(), logging.Discard())

	var customers, tiers atomic.Int32
	b.Handle(Customers, func(context.Context) error {
		customers.Add(1)
		return nil
	})
	b.Handle(Tiers, func(context.Context) error {
		tiers.Add(1)
		return nil
	})

	b.Start(context.Background())
	defer b.Stop()

	first := <-ps.subs
	first.msgs <- Tiers
	require.Eventually(t, func() bool { return tiers.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, customers.Load(), "no reload on the first subscription")

	// invalidations published during the outage never arrive
	first.errs <- errConnRefused
	<-ps.subs

	assert.Eventually(t, func() bool {
		return customers.Load() == 1 && tiers.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStableSubscriptionResetsBackoff(t *testing.T) {
	ps := newFakePubSub(0)
	opts := fastOptions()
	opts.StableAfter = time.Millisecond
	opts.MinBackoff = 5 * time.Millisecond
	b := New(ps, opts, logging.Discard())

	b.Start(context.Background())
	defer b.Stop()

	for range 4 {
		sub := <-ps.subs
		time.Sleep(2 * time.Millisecond)
		sub.errs <- errConnRefused
	}

	attempts := ps.attemptTimes()
	last := attempts[len(attempts)-1].Sub(attempts[len(attempts)-2])
	assert.Less(t, last, 500*time.Millisecond, "delay did not keep doubling")
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(newFakePubSub(0), fastOptions(), logging.Discard())
	b.Stop()

	b.Start(context.Background())
	b.Start(context.Background())
	b.Stop()
	b.Stop()
}

func TestInvalidationReachesOtherInstance(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	newInstance := func() (*Broadcaster, *redis.Client) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		opts := fastOptions()
		opts.Channel = "registry-gate:cache-invalidation"
		return New(NewRedisPubSub(storage.NewRedisFromClient(client)), opts, logging.Discard()), client
	}

	a, clientA := newInstance()
	defer clientA.Close()
	b, clientB := newInstance()
	defer clientB.Close()

	var reloads atomic.Int32
	b.Handle(Customers, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	b.Start(context.Background())
	defer b.Stop()

	// publishes before b has subscribed are lost, so keep sending
	require.Eventually(t, func() bool {
		_ = a.Publish(context.Background(), Customers)
		return reloads.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)
}
