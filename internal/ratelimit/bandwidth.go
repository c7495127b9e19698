package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/models"
)

// One limit of a bucket: Capacity tokens refilled every Period
type Bandwidth struct {
	Capacity int64
	Refill   models.RefillStrategy
	Period   time.Duration
}

func BandwidthFromTier(tier *models.Tier) Bandwidth {
	return Bandwidth{
		Capacity: tier.Capacity,
		Refill:   tier.RefillStrategy,
		Period:   tier.Duration,
	}
}

func (b Bandwidth) Valid() bool {
	return b.Capacity > 0 && b.Period > 0 && b.Refill.Valid()
}

func (b Bandwidth) String() string {
	return fmt.Sprintf("%d/%s/%d", b.Capacity, b.Refill, b.Period.Nanoseconds())
}

// Ordered list of limits applied together to one bucket. The first
// bandwidth is the primary limit reported to callers. A Configuration
// without bandwidths means no quota applies.
type Configuration struct {
	Bandwidths []Bandwidth
}

func (c Configuration) Empty() bool {
	return len(c.Bandwidths) == 0
}

func (c Configuration) Limit() int64 {
	if c.Empty() {
		return 0
	}
	return c.Bandwidths[0].Capacity
}

func (c Configuration) LongestPeriod() time.Duration {
	var longest time.Duration
	for _, bw := range c.Bandwidths {
		if bw.Period > longest {
			longest = bw.Period
		}
	}
	return longest
}

// Stable identity of the configuration, stored next to the bucket state so a
// changed configuration can be detected remotely
func (c Configuration) Fingerprint() string {
	parts := make([]string, len(c.Bandwidths))
	for i, bw := range c.Bandwidths {
		parts[i] = bw.String()
	}
	return strings.Join(parts, ",")
}
