// Package metrics exposes Prometheus collectors for the fetch proxy.
//
// All methods are nil-safe so components can be built without metrics in
// tests and in the one-shot CLI.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alita"

// Metrics holds the proxy's collectors.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	escalations     *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
	cacheSize       prometheus.Gauge
	poolActive      prometheus.Gauge
	poolWaiting     prometheus.Gauge
	poolWait        prometheus.Histogram
	browserUp       prometheus.Gauge
	browserLaunches *prometheus.CounterVec
	resolverRuns    *prometheus.HistogramVec
}

// New registers the collectors with reg. Passing a fresh registry per
// instance avoids duplicate registration panics in tests.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxy requests by outcome.",
		}, []string{"path", "outcome"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end proxy request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"path"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Browser escalations, split by whether the caller led or joined the flight.",
		}, []string{"role"}),
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cookie_cache",
			Name:      "events_total",
			Help:      "Cookie cache events by type.",
		}, []string{"event"}),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cookie_cache",
			Name:      "origins",
			Help:      "Origins with a cached session.",
		}),
		poolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_leases",
			Help:      "Tab leases currently held.",
		}),
		poolWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "waiting",
			Help:      "Callers queued for a tab lease.",
		}),
		poolWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a tab lease.",
			Buckets:   prometheus.DefBuckets,
		}),
		browserUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "up",
			Help:      "1 while a browser process is running.",
		}),
		browserLaunches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "launches_total",
			Help:      "Browser process launches by result.",
		}, []string{"result"}),
		resolverRuns: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "duration_seconds",
			Help:      "Challenge resolution time by terminal state.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"}),
	}
}

// ObserveRequest records a finished proxy request. outcome is "direct",
// "browser" or a failure kind.
func (m *Metrics) ObserveRequest(path, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, outcome).Inc()
	m.requestDuration.WithLabelValues(path).Observe(d.Seconds())
}

// IncEscalation counts a browser escalation; shared is true for callers that
// attached to an existing flight.
func (m *Metrics) IncEscalation(shared bool) {
	if m == nil {
		return
	}
	role := "leader"
	if shared {
		role = "attached"
	}
	m.escalations.WithLabelValues(role).Inc()
}

// IncCache counts a cookie cache event.
func (m *Metrics) IncCache(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

// SetCacheSize reports the number of cached origins.
func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

// SetPool reports pool occupancy.
func (m *Metrics) SetPool(active, waiting int) {
	if m == nil {
		return
	}
	m.poolActive.Set(float64(active))
	m.poolWaiting.Set(float64(waiting))
}

// ObservePoolWait records how long a caller queued for a lease.
func (m *Metrics) ObservePoolWait(d time.Duration) {
	if m == nil {
		return
	}
	m.poolWait.Observe(d.Seconds())
}

// SetBrowserUp reports whether a browser process is running.
func (m *Metrics) SetBrowserUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.browserUp.Set(1)
	} else {
		m.browserUp.Set(0)
	}
}

// IncBrowserLaunch counts a launch attempt.
func (m *Metrics) IncBrowserLaunch(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.browserLaunches.WithLabelValues(result).Inc()
}

// ObserveResolver records a resolver run ending in outcome.
func (m *Metrics) ObserveResolver(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolverRuns.WithLabelValues(outcome).Observe(d.Seconds())
}
