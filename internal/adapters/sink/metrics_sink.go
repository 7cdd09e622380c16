package sink

import (
	"context"

	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink turns events into prometheus counters
type MetricsSink struct {
	events    *prometheus.CounterVec
	messages  *prometheus.CounterVec
	authFails *prometheus.CounterVec
}

// NewMetricsSink creates the counters and registers them with reg
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_gateway_events_total",
			Help: "Lifecycle events by protocol and stage",
		}, []string{"protocol", "stage"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_gateway_messages_total",
			Help: "Accepted and rejected messages by threat tier and outcome",
		}, []string{"tier", "outcome"}),
		authFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_gateway_auth_failures_total",
			Help: "Failed authentication attempts by protocol",
		}, []string{"protocol"}),
	}
	for _, c := range []prometheus.Collector{s.events, s.messages, s.authFails} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Publish increments the counters matching the event
func (s *MetricsSink) Publish(ctx context.Context, ev events.Event) error {
	s.events.WithLabelValues(ev.Protocol, string(ev.Stage)).Inc()

	switch ev.Stage {
	case events.StageMessageStored, events.StageMessageRejected:
		tier, _ := ev.Data["tier"].(string)
		if tier == "" {
			tier = "unknown"
		}
		outcome, _ := ev.Data["status"].(string)
		if ev.Stage == events.StageMessageRejected {
			outcome = "rejected"
		}
		s.messages.WithLabelValues(tier, outcome).Inc()
	case events.StageAuthFailure:
		s.authFails.WithLabelValues(ev.Protocol).Inc()
	}
	return nil
}
