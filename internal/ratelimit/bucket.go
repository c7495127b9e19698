package ratelimit

import (
	"math"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/models"
)

// Result of one consumption attempt
type ConsumptionProbe struct {
	Consumed  bool
	Remaining int64

	// Time until the next token becomes available. Zero when Consumed.
	RetryAfter time.Duration

	// Time until every bandwidth is full again
	ResetAfter time.Duration
}

type bandwidthState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"` // unix nanoseconds
}

// Persisted form of a bucket
type bucketState struct {
	Config     string           `json:"config"`
	Bandwidths []bandwidthState `json:"bandwidths"`
}

func newBucketState(cfg Configuration, now time.Time) *bucketState {
	state := &bucketState{
		Config:     cfg.Fingerprint(),
		Bandwidths: make([]bandwidthState, len(cfg.Bandwidths)),
	}
	for i, bw := range cfg.Bandwidths {
		state.Bandwidths[i] = bandwidthState{
			Tokens:     float64(bw.Capacity),
			LastRefill: now.UnixNano(),
		}
	}
	return state
}

// Swaps the configuration in place. Tokens of bandwidths present in both
// configurations are kept as they are, only capped at the new capacity;
// bandwidths that did not exist before start full.
func (s *bucketState) replaceConfiguration(cfg Configuration, now time.Time) {
	replaced := make([]bandwidthState, len(cfg.Bandwidths))
	for i, bw := range cfg.Bandwidths {
		if i < len(s.Bandwidths) {
			replaced[i] = s.Bandwidths[i]
			replaced[i].Tokens = math.Min(replaced[i].Tokens, float64(bw.Capacity))
			continue
		}
		replaced[i] = bandwidthState{
			Tokens:     float64(bw.Capacity),
			LastRefill: now.UnixNano(),
		}
	}

	s.Config = cfg.Fingerprint()
	s.Bandwidths = replaced
}

func (s *bucketState) refill(cfg Configuration, now time.Time) {
	nowNanos := now.UnixNano()

	for i, bw := range cfg.Bandwidths {
		st := &s.Bandwidths[i]
		elapsed := nowNanos - st.LastRefill
		if elapsed <= 0 {
			continue
		}

		capacity := float64(bw.Capacity)
		period := bw.Period.Nanoseconds()

		switch bw.Refill {
		case models.RefillInterval:
			periods := elapsed / period
			if periods == 0 {
				continue
			}
			st.Tokens = math.Min(st.Tokens+float64(periods)*capacity, capacity)
			st.LastRefill += periods * period
		default:
			added := float64(elapsed) * capacity / float64(period)
			st.Tokens = math.Min(st.Tokens+added, capacity)
			st.LastRefill = nowNanos
		}
	}
}

// Refills, then takes n tokens from every bandwidth if all of them can
// afford it
func (s *bucketState) tryConsume(cfg Configuration, now time.Time, n int64) ConsumptionProbe {
	s.refill(cfg, now)

	need := float64(n)
	consumed := true
	for i := range cfg.Bandwidths {
		if s.Bandwidths[i].Tokens < need {
			consumed = false
			break
		}
	}

	if consumed {
		for i := range cfg.Bandwidths {
			s.Bandwidths[i].Tokens -= need
		}
	}

	probe := ConsumptionProbe{
		Consumed:   consumed,
		Remaining:  s.remaining(),
		ResetAfter: s.timeUntil(cfg, now, func(bw Bandwidth) float64 { return float64(bw.Capacity) }),
	}
	if !consumed {
		probe.RetryAfter = s.timeUntil(cfg, now, func(Bandwidth) float64 { return need })
	}

	return probe
}

func (s *bucketState) remaining() int64 {
	remaining := int64(math.MaxInt64)
	for _, st := range s.Bandwidths {
		if tokens := int64(math.Floor(st.Tokens)); tokens < remaining {
			remaining = tokens
		}
	}
	if remaining < 0 || remaining == math.MaxInt64 {
		return 0
	}
	return remaining
}

// Longest wait, over all bandwidths, until each holds target(bw) tokens
func (s *bucketState) timeUntil(cfg Configuration, now time.Time, target func(Bandwidth) float64) time.Duration {
	var longest time.Duration

	for i, bw := range cfg.Bandwidths {
		st := s.Bandwidths[i]
		want := math.Min(target(bw), float64(bw.Capacity))
		if st.Tokens >= want {
			continue
		}

		var wait time.Duration
		switch bw.Refill {
		case models.RefillInterval:
			// a single batch refills the whole capacity
			wait = time.Duration(st.LastRefill + bw.Period.Nanoseconds() - now.UnixNano())
		default:
			deficit := want - st.Tokens
			wait = time.Duration(math.Ceil(deficit * float64(bw.Period.Nanoseconds()) / float64(bw.Capacity)))
		}

		if wait > longest {
			longest = wait
		}
	}

	return longest
}
