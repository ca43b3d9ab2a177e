package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agendaclinica"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	AccessDecisions   *prometheus.CounterVec
	SweepBlocked      *prometheus.CounterVec
	SweepRuns         *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	WhatsAppLinks     *prometheus.CounterVec
	SweepQueueEnqueue *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		AccessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Access gate decisions by resulting access status",
		}, []string{"status"}),
		SweepBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_blocked_total",
			Help:      "Subscriptions moved to blocked by the expiry sweeper",
		}, []string{"kind"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Expiry sweeper runs by scope and result",
		}, []string{"scope", "result"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_webhook_events_total",
			Help:      "Billing webhook notifications by topic and result",
		}, []string{"topic", "result"}),
		WhatsAppLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "whatsapp_link_attempts_total",
			Help:      "WhatsApp linking attempts by outcome",
		}, []string{"outcome"}),
		SweepQueueEnqueue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_queue_enqueue_total",
			Help:      "Scoped sweep jobs offered to the queue by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.AccessDecisions,
		m.SweepBlocked,
		m.SweepRuns,
		m.WebhookEvents,
		m.WhatsAppLinks,
		m.SweepQueueEnqueue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
