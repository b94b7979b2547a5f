// Package metrics exposes companion counters and gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/stats"
)

const namespace = "companion"

// Turn outcomes.
const (
	OutcomeSynced      = "synced"
	OutcomeFallback    = "fallback"
	OutcomeInterrupted = "interrupted"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	StreamConnections prometheus.Counter
	StreamPackets     prometheus.Gauge
	StreamBytes       prometheus.Gauge
	StreamDropped     prometheus.Gauge
	StreamErrors      prometheus.Gauge
	PacketLatency     prometheus.Histogram

	Turns         *prometheus.CounterVec
	SyncFallbacks *prometheus.CounterVec
	Nudges        *prometheus.CounterVec
	Terminations  prometheus.Counter
	State         *prometheus.GaugeVec
}

// New creates collectors on a fresh registry. With runtime set, Go and
// process collectors are registered too.
func New(runtime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if runtime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StreamConnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_total",
			Help:      "Number of model stream sessions opened",
		}),
		StreamPackets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_packets",
			Help:      "Audio packets received in the current stream session",
		}),
		StreamBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_bytes",
			Help:      "Audio bytes received in the current stream session",
		}),
		StreamDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_dropped_packets",
			Help:      "Packets missing from the sequence in the current stream session",
		}),
		StreamErrors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_errors",
			Help:      "Stream errors in the current stream session",
		}),
		PacketLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_packet_latency_seconds",
			Help:      "Delay between packet send and arrival",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Model turns by outcome",
		}, []string{"outcome"}),
		SyncFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_fallbacks_total",
			Help:      "Turns released without cues, by reason",
		}, []string{"reason"}),
		Nudges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_total",
			Help:      "Nudge attempts by result",
		}, []string{"result"}),
		Terminations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_terminations_total",
			Help:      "Sessions ended after the nudge limit",
		}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_state",
			Help:      "1 for the current conversation state",
		}, []string{"state"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStats copies a packet statistics snapshot into the stream gauges.
func (m *Metrics) ObserveStats(s stats.Snapshot) {
	m.StreamPackets.Set(float64(s.Packets))
	m.StreamBytes.Set(float64(s.Bytes))
	m.StreamDropped.Set(float64(s.Dropped))
	m.StreamErrors.Set(float64(s.Errors))
}

// ObserveLatency records one packet's transit delay.
func (m *Metrics) ObserveLatency(d time.Duration) {
	if d < 0 {
		return
	}
	m.PacketLatency.Observe(d.Seconds())
}

// BindBus counts bus events. The returned func unsubscribes.
func (m *Metrics) BindBus(b *bus.EventBus) func() {
	return b.SubscribeMultiple([]bus.EventType{
		bus.EventTypeStreamOpened,
		bus.EventTypeTurnComplete,
		bus.EventTypeTurnInterrupted,
		bus.EventTypeSyncFallback,
		bus.EventTypeNudgeSent,
		bus.EventTypeNudgeRejected,
		bus.EventTypeNudgeFailed,
		bus.EventTypeSessionTerminated,
		bus.EventTypeStateChanged,
	}, m.handle)
}

func (m *Metrics) handle(e bus.Event) {
	switch e.Type {
	case bus.EventTypeStreamOpened:
		m.StreamConnections.Inc()
	case bus.EventTypeTurnComplete:
		if synced, _ := e.Data["synced"].(bool); synced {
			m.Turns.WithLabelValues(OutcomeSynced).Inc()
		} else {
			m.Turns.WithLabelValues(OutcomeFallback).Inc()
		}
	case bus.EventTypeTurnInterrupted:
		m.Turns.WithLabelValues(OutcomeInterrupted).Inc()
	case bus.EventTypeSyncFallback:
		reason, _ := e.Data["reason"].(string)
		switch reason {
		case "sync_timeout", "superseded":
		default:
			reason = "error"
		}
		m.SyncFallbacks.WithLabelValues(reason).Inc()
	case bus.EventTypeNudgeSent:
		m.Nudges.WithLabelValues("sent").Inc()
	case bus.EventTypeNudgeRejected:
		m.Nudges.WithLabelValues("rejected").Inc()
	case bus.EventTypeNudgeFailed:
		m.Nudges.WithLabelValues("failed").Inc()
	case bus.EventTypeSessionTerminated:
		m.Terminations.Inc()
	case bus.EventTypeStateChanged:
		if to, ok := e.Data["to"].(string); ok {
			m.State.Reset()
			m.State.WithLabelValues(to).Set(1)
		}
	}
}
