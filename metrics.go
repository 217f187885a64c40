package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch kinds used as metric labels.
const (
	kindLoadNext     = "load_next"
	kindLoadPrevious = "load_previous"
	kindRefetch      = "refetch"
	kindQuery        = "query"
)

// No-op reasons used as metric labels.
const (
	reasonUnmounted    = "unmounted"
	reasonInFlight     = "in_flight"
	reasonNullData     = "null_data"
	reasonParentActive = "parent_active"
)

// Metrics holds the Prometheus collectors of an Environment. A nil *Metrics
// records nothing.
type Metrics struct {
	registry prometheus.Registerer

	fetches      *prometheus.CounterVec
	noops        *prometheus.CounterVec
	fetchErrors  *prometheus.CounterVec
	deduplicated prometheus.Counter
	warnings     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{registry: reg}

	m.fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fetch_total",
			Help: "Total number of requests started, by kind",
		},
		[]string{"kind"},
	)
	m.noops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fetch_noop_total",
			Help: "Total number of fetch calls that issued no request, by kind and reason",
		},
		[]string{"kind", "reason"},
	)
	m.fetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fetch_errors_total",
			Help: "Total number of requests that failed, by kind",
		},
		[]string{"kind"},
	)
	m.deduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_requests_deduplicated_total",
			Help: "Total number of requests joined to an identical request in flight",
		},
	)
	m.warnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_warnings_total",
			Help: "Total number of warnings, by code",
		},
		[]string{"code"},
	)
	m.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_fetch_duration_seconds",
			Help:    "Duration of requests from start to terminal event, by kind",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	reg.MustRegister(m.fetches, m.noops, m.fetchErrors, m.deduplicated, m.warnings, m.duration)
	return m
}

// Registerer returns the registerer the collectors were registered with.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) incFetch(kind string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(kind).Inc()
}

func (m *Metrics) incNoop(kind, reason string) {
	if m == nil {
		return
	}
	m.noops.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) incError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) incDeduplicated() {
	if m == nil {
		return
	}
	m.deduplicated.Inc()
}

func (m *Metrics) incWarning(code WarningCode) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) observeDuration(kind string, since time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(kind).Observe(time.Since(since).Seconds())
}
