package inbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline, outbox and webhook counters. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Events        *prometheus.CounterVec
	Placeholders  prometheus.Counter
	UnreadTotal   prometheus.Gauge
	Conversations prometheus.Gauge
	OutboxOps     *prometheus.CounterVec
	OutboxPending prometheus.Gauge
	Webhooks      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_events_total",
				Help: "Events applied by the ingestion pipeline",
			},
			[]string{"kind", "outcome"},
		),
		Placeholders: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inbox_placeholder_conversations_total",
				Help: "Placeholder conversations synthesized for unknown ids",
			},
		),
		UnreadTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "inbox_unread_total",
				Help: "Global unread message count",
			},
		),
		Conversations: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "inbox_conversations",
				Help: "Conversations held in the cache",
			},
		),
		OutboxOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_outbox_ops_total",
				Help: "Outbox send attempts by result",
			},
			[]string{"result"}, // "sent", "retry", "failed"
		),
		OutboxPending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "inbox_outbox_pending",
				Help: "Sends waiting in the outbox",
			},
		),
		Webhooks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_webhook_requests_total",
				Help: "Channel webhook requests by HTTP status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) observeEvent(kind string, outcome Outcome) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind, string(outcome)).Inc()
}

func (m *Metrics) observeCache(c *Cache) {
	if m == nil {
		return
	}
	m.UnreadTotal.Set(float64(c.UnreadTotal()))
	m.Conversations.Set(float64(c.Len()))
}

func (m *Metrics) placeholder() {
	if m == nil {
		return
	}
	m.Placeholders.Inc()
}

func (m *Metrics) outbox(result string, pending int) {
	if m == nil {
		return
	}
	if result != "" {
		m.OutboxOps.WithLabelValues(result).Inc()
	}
	m.OutboxPending.Set(float64(pending))
}

func (m *Metrics) webhook(status string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(status).Inc()
}
