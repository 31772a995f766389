// Package metrics holds the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wa-gateway/backend/internal/model"
)

const namespace = "wa_gateway"

type Metrics struct {
	reg *prometheus.Registry

	webhookDeliveries *prometheus.CounterVec
	webhookDropped    prometheus.Counter
	webhookLatency    prometheus.Histogram
	observers         prometheus.Gauge
	slowObservers     prometheus.Counter
	messages          *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	staleEvents       prometheus.Counter
	rateLimited       prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		webhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by outcome",
		}, []string{"status"}),
		webhookDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_queue_dropped_total",
			Help:      "Webhook events rejected because the delivery queue was full",
		}),
		webhookLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_seconds",
			Help:      "Time spent on a single webhook POST",
			Buckets:   prometheus.DefBuckets,
		}),
		observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Currently attached WebSocket observers",
		}),
		slowObservers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_observer_disconnects_total",
			Help:      "Observers dropped because their send queue was full",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handled by direction",
		}, []string{"direction"}),
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current session connection state, 0 otherwise",
		}, []string{"state"}),
		staleEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_adapter_events_total",
			Help:      "Adapter events dropped because they came from a discarded adapter",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_rate_limited_total",
			Help:      "API requests rejected by the rate limiter",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) WebhookDelivered(status model.WebhookStatus, seconds float64) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(string(status)).Inc()
	if seconds > 0 {
		m.webhookLatency.Observe(seconds)
	}
}

func (m *Metrics) WebhookDropped() {
	if m == nil {
		return
	}
	m.webhookDropped.Inc()
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

func (m *Metrics) SlowObserver() {
	if m == nil {
		return
	}
	m.slowObservers.Inc()
}

func (m *Metrics) Message(dir model.Direction) {
	if m == nil {
		return
	}
	label := "outbound"
	if dir == model.Inbound {
		label = "inbound"
	}
	m.messages.WithLabelValues(label).Inc()
}

func (m *Metrics) SetConnectionState(s model.ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []model.ConnectionState{model.Disconnected, model.Pairing, model.Connected, model.Errored} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) StaleEvent() {
	if m == nil {
		return
	}
	m.staleEvents.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
