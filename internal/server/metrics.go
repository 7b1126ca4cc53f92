package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexshd/bifmon"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	documents     *prometheus.CounterVec
	index         prometheus.Histogram
	zscore        prometheus.Histogram
	unavailable   prometheus.Counter
	sessions      prometheus.Gauge
	httpDuration  *prometheus.HistogramVec
	journalErrors prometheus.Counter
}

// NewMetrics creates and registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_processed_total",
				Help:      "Documents processed, by severity",
			},
			[]string{"severity"},
		),
		index: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bifurcation_index",
			Help:      "Composite bifurcation index per document",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 3, 4, 6},
		}),
		zscore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bifurcation_zscore",
			Help:      "Z-score of each classified document against its baseline",
			Buckets:   []float64{-3, -2, -1, 0, 1, 2, 2.5, 3.75, 5, 10},
		}),
		unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_unavailable_total",
			Help:      "Documents rejected because entity extraction was unavailable",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Analysis sessions currently held in memory",
		}),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_errors_total",
			Help:      "Events that could not be written to the journal",
		}),
	}

	m.registry.MustRegister(
		m.documents,
		m.index,
		m.zscore,
		m.unavailable,
		m.sessions,
		m.httpDuration,
		m.journalErrors,
	)
	return m
}

// ObserveEvent records one processed document.
func (m *Metrics) ObserveEvent(ev bifmon.Event) {
	m.documents.WithLabelValues(string(ev.Severity)).Inc()
	m.index.Observe(ev.EntropyIndex)
	if !ev.Calibrating {
		m.zscore.Observe(ev.ZScore)
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
