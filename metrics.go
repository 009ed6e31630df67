package ssebackplane

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for a backplane and its streams.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections     prometheus.Gauge
	Sends           *prometheus.CounterVec
	Enqueued        prometheus.Counter
	Dropped         *prometheus.CounterVec
	Disconnects     prometheus.Counter
	Frames          *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ssebackplane",
			Name:      "connections",
			Help:      "Number of connections currently registered on this node",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssebackplane",
			Name:      "sends_total",
			Help:      "Send operations by addressing kind",
		}, []string{"kind"}),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssebackplane",
			Name:      "envelopes_enqueued_total",
			Help:      "Envelopes accepted by a connection queue",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssebackplane",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes not delivered, by reason (gone, overflow)",
		}, []string{"reason"}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssebackplane",
			Name:      "disconnects_total",
			Help:      "Connections removed from the registry",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssebackplane",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames written to event streams by type (event, comment)",
		}, []string{"type"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssebackplane",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Distributed transport failures by operation",
		}, []string{"op"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.Connections, m.Sends, m.Enqueued, m.Dropped, m.Disconnects, m.Frames, m.TransportErrors,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) connected() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.Connections.Dec()
		m.Disconnects.Inc()
	}
}

func (m *Metrics) send(kind string, d Delivery) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(kind).Inc()
	if d.Delivered > 0 {
		m.Enqueued.Add(float64(d.Delivered))
	}
	if d.Dropped > 0 {
		m.Dropped.WithLabelValues("gone").Add(float64(d.Dropped))
	}
	if d.Evicted > 0 {
		m.Dropped.WithLabelValues("overflow").Add(float64(d.Evicted))
	}
}

func (m *Metrics) frame(typ string) {
	if m != nil {
		m.Frames.WithLabelValues(typ).Inc()
	}
}

// TransportError counts a failed distributed transport operation.
func (m *Metrics) TransportError(op string) {
	if m != nil {
		m.TransportErrors.WithLabelValues(op).Inc()
	}
}
