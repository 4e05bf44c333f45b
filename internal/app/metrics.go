package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	participants    prometheus.Gauge
	resources       *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	events          *prometheus.CounterVec
	dropped         prometheus.Counter
	muteToggles     prometheus.Counter
	engineAlive     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sfu", Name: "participants",
			Help: "Connected participants.",
		}),
		resources: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sfu", Name: "resources",
			Help: "Registered engine resources by kind.",
		}, []string{"kind"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfu", Subsystem: "signal", Name: "requests_total",
			Help: "Signalling requests by type and result code.",
		}, []string{"type", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sfu", Subsystem: "signal", Name: "request_duration_seconds",
			Help:    "Signalling request latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"type"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfu", Subsystem: "signal", Name: "events_total",
			Help: "Server pushed events.",
		}, []string{"event"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu", Subsystem: "signal", Name: "events_dropped_total",
			Help: "Events not delivered because of a full or closed queue.",
		}),
		muteToggles: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu", Name: "mute_toggles_total",
			Help: "Session-wide mute toggles.",
		}),
		engineAlive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sfu", Name: "engine_alive",
			Help: "1 while the media engine is running.",
		}),
	}
	m.engineAlive.Set(1)
	return m
}

func (m *Metrics) ObserveRequest(kind, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, code).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Event(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) MuteToggled() {
	if m == nil {
		return
	}
	m.muteToggles.Inc()
}

func (m *Metrics) EngineDown() {
	if m == nil {
		return
	}
	m.engineAlive.Set(0)
}

// SetCounts publishes registry sizes.
func (m *Metrics) SetCounts(participants, transports, producers, consumers int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(participants))
	m.resources.WithLabelValues("transport").Set(float64(transports))
	m.resources.WithLabelValues("producer").Set(float64(producers))
	m.resources.WithLabelValues("consumer").Set(float64(consumers))
}
