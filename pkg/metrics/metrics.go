package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all notification sync metrics
type Metrics struct {
	// Fetch related metrics
	Fetches        *prometheus.CounterVec
	FetchLatency   prometheus.Histogram
	StaleResponses prometheus.Counter
	Coalesced      prometheus.Counter

	// Optimistic mutation metrics
	Mutations *prometheus.CounterVec
	Rollbacks *prometheus.CounterVec

	// Push channel metrics
	PushEvents      *prometheus.CounterVec
	PushConnected   prometheus.Gauge
	PushReconnects  prometheus.Counter
	UnreadCount     prometheus.Gauge
	APIRequests     *prometheus.CounterVec
	APIRequestsTime *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetches_total",
			Help:      "Total number of notification page fetches",
		}, []string{"kind", "status"}),
		FetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent fetching a notification page",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_responses_total",
			Help:      "Fetch responses discarded because the store moved on",
		}),
		Coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "coalesced_refreshes_total",
			Help:      "Refresh requests merged into an in-flight fetch",
		}),
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutations_total",
			Help:      "Optimistic mutations sent to the API",
		}, []string{"operation", "status"}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rollbacks_total",
			Help:      "Optimistic mutations undone after a server failure",
		}, []string{"operation"}),
		PushEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_events_total",
			Help:      "Push events received by kind",
		}, []string{"event"}),
		PushConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_connected",
			Help:      "1 while the push channel is connected",
		}),
		PushReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_reconnects_total",
			Help:      "Push channel reconnect attempts",
		}),
		UnreadCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unread_count",
			Help:      "Current unread notification count",
		}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_requests_total",
			Help:      "Requests made to the notification API",
		}, []string{"method", "status"}),
		APIRequestsTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_request_duration_seconds",
			Help:      "Duration of notification API requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method"}),
	}
}

// New returns unregistered metrics, for tests and throwaway instances.
func New(namespace string) *Metrics {
	return NewMetrics(namespace, "", prometheus.NewRegistry())
}
