package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/event"
)

const namespace = "examlive"

type Metrics struct {
	Sessions           prometheus.Gauge
	Participants       prometheus.Gauge
	Connections        prometheus.Gauge
	PartsStreamed      prometheus.Counter
	GenerationFailures prometheus.Counter
	TestsFinalized     prometheus.Counter
	InboundEvents      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg and keeps the session gauges in step with
// the domain events published on eb.
func NewMetrics(reg prometheus.Registerer, eb *event.Bus) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions.",
		}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_active",
			Help:      "Number of participants across live sessions.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open WebSocket connections.",
		}),
		PartsStreamed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_parts_streamed_total",
			Help:      "Generated test parts delivered to creators.",
		}),
		GenerationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Test generations that ended with an error.",
		}),
		TestsFinalized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_finalized_total",
			Help:      "Generated tests persisted with an access code.",
		}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_inbound_events_total",
			Help:      "Inbound WebSocket events by name and outcome.",
		}, []string{"event", "outcome"}),
	}

	eb.Subscribe(domain.EventNameSessionCreated, func(_ context.Context, e event.Event) error {
		m.Sessions.Inc()
		m.Participants.Add(float64(len(e.(domain.EventSessionCreated).Session.Participants)))
		return nil
	})
	eb.Subscribe(domain.EventNameSessionEnded, func(_ context.Context, e event.Event) error {
		m.Sessions.Dec()
		// Sessions removed with a roster do not report each participant leaving.
		m.Participants.Sub(float64(len(e.(domain.EventSessionEnded).Session.Participants)))
		return nil
	})
	eb.Subscribe(domain.EventNameParticipantJoined, func(context.Context, event.Event) error {
		m.Participants.Inc()
		return nil
	})
	eb.Subscribe(domain.EventNameParticipantLeft, func(context.Context, event.Event) error {
		m.Participants.Dec()
		return nil
	})

	return m
}
