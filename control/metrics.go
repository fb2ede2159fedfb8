// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the transport, pool and dispatch layers.
// Every method is safe on a nil *Metrics so components can run without metrics.

package control

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/momentics/hioload-bridge/api"
)

const namespace = "hioload_bridge"

// Metrics holds the collectors of one engine or client.
type Metrics struct {
	Registry *prometheus.Registry

	ringWrites         *prometheus.CounterVec
	ringCorrupt        prometheus.Counter
	framesFragmented   prometheus.Counter
	reassemblyDrops    *prometheus.CounterVec
	protocolViolations *prometheus.CounterVec
	poolAcquire        *prometheus.CounterVec
	poolAcquireLatency prometheus.Histogram
	poolConnections    *prometheus.GaugeVec
	poolEvictions      *prometheus.CounterVec
	dispatchTotal      *prometheus.CounterVec
	handlerPanics      prometheus.Counter
	sessionsActive     prometheus.Gauge
	sessionsTerminal   *prometheus.CounterVec
	clientRetries      prometheus.Counter
	connectionsLost    prometheus.Counter
	rateLimited        prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ringWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_writes_total",
			Help:      "Slot ring write attempts by direction and outcome",
		}, []string{"direction", "outcome"}),
		ringCorrupt: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_corrupt_total",
			Help:      "Slot state tags found in an impossible state",
		}),
		framesFragmented: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_fragmented_total",
			Help:      "Fragment frames written for payloads larger than one slot",
		}),
		reassemblyDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassembly_drops_total",
			Help:      "Partial fragment chains dropped",
		}, []string{"reason"}),
		protocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Malformed envelopes and duplicate terminal messages",
		}, []string{"reason"}),
		poolAcquire: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquire_total",
			Help:      "Connection acquisitions by outcome",
		}, []string{"outcome"}),
		poolAcquireLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_duration_seconds",
			Help:      "Time spent acquiring a connection",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		poolConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Pooled connections by state",
		}, []string{"state"}),
		poolEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_evictions_total",
			Help:      "Connections removed from the pool by reason",
		}, []string{"reason"}),
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched envelopes by message type and outcome",
		}, []string{"message_type", "outcome"}),
		handlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Handler panics converted into Failed terminal messages",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Streaming sessions not yet terminal",
		}),
		sessionsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminal_total",
			Help:      "Streaming sessions closed by terminal state",
		}, []string{"state"}),
		clientRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_acquire_retries_total",
			Help:      "Client acquisitions retried after backoff",
		}),
		connectionsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_connection_lost_total",
			Help:      "Outages reported after the client ran out of attempts",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rate_limited_total",
			Help:      "Requests refused because their connection exceeded its rate",
		}),
	}
}

// RingWrite records a write attempt on the request or response ring.
func (m *Metrics) RingWrite(direction string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = api.KindOf(err).String()
	}
	m.ringWrites.WithLabelValues(direction, outcome).Inc()
	if api.KindOf(err) == api.KindTransportCorrupt {
		m.ringCorrupt.Inc()
	}
}

// RingCorrupt records a corrupt slot seen by a reader.
func (m *Metrics) RingCorrupt() {
	if m == nil {
		return
	}
	m.ringCorrupt.Inc()
}

// FramesFragmented counts fragment frames of one chain.
func (m *Metrics) FramesFragmented(n int) {
	if m == nil || n < 2 {
		return
	}
	m.framesFragmented.Add(float64(n))
}

// ReassemblyDrop counts a dropped partial chain.
func (m *Metrics) ReassemblyDrop(reason string) {
	if m == nil {
		return
	}
	m.reassemblyDrops.WithLabelValues(reason).Inc()
}

// ProtocolViolation counts a dropped message.
func (m *Metrics) ProtocolViolation(reason string) {
	if m == nil {
		return
	}
	m.protocolViolations.WithLabelValues(reason).Inc()
}

// PoolAcquire records an acquisition outcome and its latency.
func (m *Metrics) PoolAcquire(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.poolAcquire.WithLabelValues(outcome).Inc()
	m.poolAcquireLatency.Observe(d.Seconds())
}

// PoolStats publishes connection gauges.
func (m *Metrics) PoolStats(s api.PoolStats) {
	if m == nil {
		return
	}
	m.poolConnections.WithLabelValues("idle").Set(float64(s.Idle))
	m.poolConnections.WithLabelValues("active").Set(float64(s.Active))
	m.poolConnections.WithLabelValues("total").Set(float64(s.Total))
}

// PoolEviction counts a removed connection.
func (m *Metrics) PoolEviction(reason string) {
	if m == nil {
		return
	}
	m.poolEvictions.WithLabelValues(reason).Inc()
}

// Dispatch records how an inbound envelope was routed.
func (m *Metrics) Dispatch(messageType, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(messageType, outcome).Inc()
}

// HandlerPanic counts a recovered handler panic.
func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed records a terminal transition.
func (m *Metrics) SessionClosed(state api.SessionState) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTerminal.WithLabelValues(state.String()).Inc()
}

// ClientRetry counts one backoff round of a client acquisition.
func (m *Metrics) ClientRetry() {
	if m == nil {
		return
	}
	m.clientRetries.Inc()
}

// ConnectionLost counts a reported outage.
func (m *Metrics) ConnectionLost() {
	if m == nil {
		return
	}
	m.connectionsLost.Inc()
}

// RateLimited counts a request refused by its connection's limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
