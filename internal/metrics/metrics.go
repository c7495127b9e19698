package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission outcomes
const (
	OutcomeAllowed      = "allowed"
	OutcomeRejected     = "rejected"
	OutcomeUnrestricted = "unrestricted"
	OutcomeFailOpen     = "fail_open"
)

var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry_gate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions by outcome.",
	}, []string{"outcome"})

	UsageIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry_gate",
		Subsystem: "usage",
		Name:      "increments_total",
		Help:      "Usage counter increments by result.",
	}, []string{"result"})

	UsageDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry_gate",
		Subsystem: "usage",
		Name:      "drained_windows_total",
		Help:      "Closed usage windows handled by the drain job, by result.",
	}, []string{"result"})

	Invalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry_gate",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Cache invalidation messages handled, by cache name.",
	}, []string{"cache"})

	IndexRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry_gate",
		Subsystem: "customer_index",
		Name:      "rebuilds_total",
		Help:      "Customer range index rebuilds by result.",
	}, []string{"result"})

	BroadcastReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "registry_gate",
		Subsystem: "broadcast",
		Name:      "reconnects_total",
		Help:      "Times the invalidation listener had to resubscribe.",
	})
)
