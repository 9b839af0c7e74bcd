package cooperation

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var errLeaderPanicked = errors.New("cooperation leader panicked")

// Call outcomes.
const (
	outcomeLeader    = "leader"
	outcomeAdopted   = "adopted"
	outcomeChecked   = "checked"
	outcomeFallback  = "fallback"
	outcomeExhausted = "exhausted"
	outcomeCanceled  = "canceled"
	outcomeDirect    = "direct"
)

// Metrics holds the Prometheus counters of the cooperation engines.
type Metrics struct {
	Calls *prometheus.CounterVec // simpleblob_cooperation_calls_total{id,outcome}
}

// NewMetrics registers the counters with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Metrics{
		Calls: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "simpleblob_cooperation_calls_total",
			Help: "Cooperative calls by engine and outcome",
		}, []string{"id", "outcome"}),
	}
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns the counters registered with the default registerer.
// They are only registered once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *Metrics) observe(id, outcome string) {
	if m == nil || m.Calls == nil {
		return
	}
	m.Calls.WithLabelValues(id, outcome).Inc()
}
