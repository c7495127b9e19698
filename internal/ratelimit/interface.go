package ratelimit

import (
	"context"
	"errors"
)

var (
	ErrEmptyConfiguration = errors.New("ratelimit: bucket configuration has no bandwidths")
	ErrInvalidBandwidth   = errors.New("ratelimit: bandwidth needs positive capacity, positive period and a known refill strategy")
	ErrConflict           = errors.New("ratelimit: bucket update kept conflicting with concurrent writers")
)

// Remote, atomically updated token bucket primitive
type BucketStore interface {
	// TryConsume lazily creates the bucket stored under key, replaces its
	// configuration when cfg differs from the stored one, and attempts to
	// take tokens from it.
	TryConsume(ctx context.Context, key string, cfg Configuration, tokens int64) (ConsumptionProbe, error)
}

// Handle to one distributed bucket with a fixed configuration
type Bucket struct {
	store  BucketStore
	key    string
	config Configuration
}

func NewBucket(store BucketStore, key string, cfg Configuration) *Bucket {
	return &Bucket{store: store, key: key, config: cfg}
}

func (b *Bucket) Key() string {
	return b.key
}

func (b *Bucket) Configuration() Configuration {
	return b.config
}

// Takes exactly one token
func (b *Bucket) TryConsume(ctx context.Context) (ConsumptionProbe, error) {
	return b.store.TryConsume(ctx, b.key, b.config, 1)
}
