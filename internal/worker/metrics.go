package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch outcomes used as metric labels and log fields.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeBypass      = "bypass"
	OutcomeUnavailable = "unavailable"
)

var (
	// FetchTotal tracks intercepted and declined requests by outcome.
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_fetch_total",
			Help: "Total number of fetch interceptions by outcome",
		},
		[]string{"outcome"}, // hit, miss, bypass, unavailable
	)

	// LifecycleTotal tracks install/activate runs.
	LifecycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_lifecycle_total",
			Help: "Total number of lifecycle events by result",
		},
		[]string{"event", "result"},
	)

	// BackgroundWrites tracks detached cache writes after a network miss.
	BackgroundWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_background_writes_total",
			Help: "Total number of background cache writes by result",
		},
		[]string{"result"}, // ok, failed, skipped
	)
)
