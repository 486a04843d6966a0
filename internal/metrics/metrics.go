package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	logsProcessed   *prometheus.CounterVec
	chunksProcessed *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	errors          *prometheus.CounterVec
	cursor          *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes metrics on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_relay_logs_processed_total",
			Help: "Logs run through the pipeline, by event and outcome",
		}, []string{"event", "outcome"}),
		chunksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_relay_chunks_processed_total",
			Help: "Block ranges fully persisted, by event",
		}, []string{"event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_relay_webhook_deliveries_total",
			Help: "Webhook delivery outcomes, by status",
		}, []string{"status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_relay_errors_total",
			Help: "Errors encountered, by component",
		}, []string{"component"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_relay_cursor_block",
			Help: "Last fully persisted block, by event",
		}, []string{"event"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_relay_webhook_queue_depth",
			Help: "Deliveries waiting in the webhook queue",
		}),
	}
	reg.MustRegister(
		m.logsProcessed,
		m.chunksProcessed,
		m.deliveries,
		m.errors,
		m.cursor,
		m.queueDepth,
	)
	return m
}

// LogProcessed counts one pipeline outcome.
func (m *Metrics) LogProcessed(event, outcome string) {
	if m != nil {
		m.logsProcessed.WithLabelValues(event, outcome).Inc()
	}
}

// ChunkProcessed counts a persisted chunk and moves the cursor gauge.
func (m *Metrics) ChunkProcessed(event string, cursor uint64) {
	if m != nil {
		m.chunksProcessed.WithLabelValues(event).Inc()
		m.cursor.WithLabelValues(event).Set(float64(cursor))
	}
}

// Delivery counts a webhook outcome.
func (m *Metrics) Delivery(status string) {
	if m != nil {
		m.deliveries.WithLabelValues(status).Inc()
	}
}

// Errors increments the errors counter for component.
func (m *Metrics) Errors(component string) {
	if m != nil {
		m.errors.WithLabelValues(component).Inc()
	}
}

// QueueDepth reports the number of pending deliveries.
func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
