package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_alert"

// Metrics holds the Prometheus counters, histograms, and gauges for the alert service.
type Metrics struct {
	// Change feed metrics.
	ChangesConsumed  prometheus.Counter
	ChangesPublished prometheus.Counter
	ChangeErrors     prometheus.Counter
	FeedRunning      prometheus.Gauge
	BatchSize        prometheus.Histogram
	BatchDuration    prometheus.Histogram
	Subscriptions    prometheus.Gauge

	// Backend and fallback metrics.
	BackendDuration *prometheus.HistogramVec // labels: table, op
	BackendErrors   *prometheus.CounterVec   // labels: table, op
	FallbackReads   *prometheus.CounterVec   // labels: entity

	// Alerting metrics.
	SOSAlerts        *prometheus.CounterVec // labels: outcome={confirmed,failed,reconciled}
	Deliveries       *prometheus.CounterVec // labels: channel={popup,email,log}
	DeliveryFailures *prometheus.CounterVec // labels: channel
	ActiveStreams    prometheus.Gauge

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	counter := func(name, h string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help(h)})
	}
	counterVec := func(name, h string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help(h)}, labels)
	}
	gauge := func(name, h string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help(h)})
	}

	return &Metrics{
		ChangesConsumed:  counter("changes_consumed_total", "Total change events read from the change topic."),
		ChangesPublished: counter("changes_published_total", "Total change events written to the change topic."),
		ChangeErrors:     counter("change_errors_total", "Total change events that could not be decoded."),
		FeedRunning:      gauge("feed_running", "1 when the change feed is active, 0 when shut down."),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_batch_size",
			Help:      help("Number of change events per batch extracted from Kafka."),
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_batch_duration_seconds",
			Help:      help("Duration of a complete change batch dispatch cycle."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		Subscriptions: gauge("realtime_subscriptions", "Open realtime subscriptions."),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      help("Backend table request duration by table and operation."),
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"table", "op"}),
		BackendErrors: counterVec("backend_errors_total", "Backend table request failures by table and operation.", "table", "op"),
		FallbackReads: counterVec("fallback_reads_total", "Reads served from the local fallback store by entity.", "entity"),

		SOSAlerts:        counterVec("sos_alerts_total", "SOS alerts by sync outcome.", "outcome"),
		Deliveries:       counterVec("deliveries_total", "Side-channel notification deliveries by channel.", "channel"),
		DeliveryFailures: counterVec("delivery_failures_total", "Failed side-channel deliveries by channel.", "channel"),
		ActiveStreams:    gauge("active_streams", "Open dashboard event streams."),

		GeocodeRequests: counterVec("geocode_requests_total", "Geocoding API requests by method and outcome.", "method", "outcome"),
		GeocodeCache:    counterVec("geocode_cache_total", "Geocoding cache lookups by method and result.", "method", "result"),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      help("Mapbox API request duration in seconds."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		GeocodeEnabled: gauge("geocode_enabled", "1 when geocoding enrichment is enabled, 0 otherwise."),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ChangesConsumed,
		m.ChangesPublished,
		m.ChangeErrors,
		m.FeedRunning,
		m.BatchSize,
		m.BatchDuration,
		m.Subscriptions,
		m.BackendDuration,
		m.BackendErrors,
		m.FallbackReads,
		m.SOSAlerts,
		m.Deliveries,
		m.DeliveryFailures,
		m.ActiveStreams,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
