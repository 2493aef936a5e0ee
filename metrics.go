package commentsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "commentsync"

// Metrics holds the Prometheus collectors updated by the engine, the stream
// client and the cache. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Messages       prometheus.Gauge
	Pending        prometheus.Gauge
	Pushes         *prometheus.CounterVec
	Fetches        *prometheus.CounterVec
	Publishes      *prometheus.CounterVec
	CacheErrors    *prometheus.CounterVec
	StreamUp       prometheus.Gauge
	StreamFailures *prometheus.CounterVec
	Reconnects     prometheus.Counter
}

// Push results.
const (
	pushApplied   = "applied"
	pushEcho      = "echo"
	pushDuplicate = "duplicate"
	pushDegraded  = "degraded"
)

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "messages",
			Help:      "Number of messages in the merged feed",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_messages",
			Help:      "Optimistic messages awaiting server confirmation",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "pushes_total",
			Help:      "Pushed messages by how the engine handled them",
		}, []string{"result"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rest",
			Name:      "fetches_total",
			Help:      "History fetches by result",
		}, []string{"result"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rest",
			Name:      "publishes_total",
			Help:      "Publish calls by result",
		}, []string{"result"}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Swallowed cache failures by kind",
		}, []string{"kind"}),
		StreamUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "up",
			Help:      "1 while the push stream is connected, else 0",
		}),
		StreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "failures_total",
			Help:      "Stream failures by kind",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made by the stream client",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Messages, m.Pending, m.Pushes, m.Fetches, m.Publishes,
			m.CacheErrors, m.StreamUp, m.StreamFailures, m.Reconnects,
		)
	}
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) feedSize(messages, pending int) {
	if m == nil {
		return
	}
	m.Messages.Set(float64(messages))
	m.Pending.Set(float64(pending))
}

func (m *Metrics) push(result string) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) fetch(err error) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) publish(err error) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) cacheError(kind CacheErrorKind) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) streamState(s ConnectionState) {
	if m == nil {
		return
	}
	switch s.Status {
	case StatusConnected:
		m.StreamUp.Set(1)
	case StatusFailed:
		m.StreamUp.Set(0)
		kind := "unknown"
		var te *TransportError
		if errors.As(s.Err, &te) {
			kind = string(te.Kind)
		}
		m.StreamFailures.WithLabelValues(kind).Inc()
	default:
		m.StreamUp.Set(0)
	}
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}
