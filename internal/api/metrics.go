package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

// Metrics holds the reconciler's collectors. It satisfies the observer
// interfaces of the CMDB client, the engine and the consumer.
type Metrics struct {
	messages    *prometheus.CounterVec
	cmdb        *prometheus.CounterVec
	workflows   *prometheus.HistogramVec
	deadLetters prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_messages_total",
			Help: "Messages handled, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		cmdb: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_cmdb_requests_total",
			Help: "Completed CMDB requests, by method and status code.",
		}, []string{"method", "code"}),
		workflows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconciler_workflow_duration_seconds",
			Help:    "Duration of create and delete workflows.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"workflow"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_dead_letters_total",
			Help: "Messages moved to the dead-letter store.",
		}),
	}
	reg.MustRegister(m.messages, m.cmdb, m.workflows, m.deadLetters)
	return m
}

func (m *Metrics) ObserveRequest(method string, code int) {
	m.cmdb.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveWorkflow(workflow string, d time.Duration) {
	m.workflows.WithLabelValues(workflow).Observe(d.Seconds())
}

// MessageHandled counts one message. Event types the reconciler does not act
// on share the "unsupported" label.
func (m *Metrics) MessageHandled(eventType, outcome string) {
	switch {
	case eventType == "":
		eventType = "unknown"
	case !models.IsSupported(eventType):
		eventType = "unsupported"
	}
	m.messages.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) DeadLettered() {
	m.deadLetters.Inc()
}

// RegisterMetrics registers the Prometheus handler for g in the provided mux.
func RegisterMetrics(mux *http.ServeMux, g prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
