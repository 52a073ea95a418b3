package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the relay host.
type Metrics struct {
	registry         *prometheus.Registry
	Requests         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Chunks           prometheus.Counter
	ActivePeers      prometheus.Gauge
	GateBusy         prometheus.Gauge
	TransportErrs    *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with relay collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remotebrain_requests_total",
		Help: "Accepted generation requests by finish reason",
	}, []string{"finish_reason"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remotebrain_request_duration_seconds",
		Help:    "Generation duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"finish_reason"})

	chunks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remotebrain_chunks_total",
		Help: "Streamed chat chunks relayed to peers",
	})

	peers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remotebrain_active_peers",
		Help: "Attached peer sessions",
	})

	busy := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remotebrain_gate_busy",
		Help: "1 while a generation holds the gate",
	})

	trErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remotebrain_transport_errors_total",
		Help: "Transport-level errors by reason",
	}, []string{"reason"})

	provFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remotebrain_provider_failures_total",
		Help: "Provider errors by wire code",
	}, []string{"code"})

	reg.MustRegister(reqs, durs, chunks, peers, busy, trErrors, provFailures)

	return &Metrics{
		registry:         reg,
		Requests:         reqs,
		RequestDuration:  durs,
		Chunks:           chunks,
		ActivePeers:      peers,
		GateBusy:         busy,
		TransportErrs:    trErrors,
		ProviderFailures: provFailures,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records one finished generation.
func (m *Metrics) RecordRequest(finishReason string, duration time.Duration) {
	if m == nil {
		return
	}
	if finishReason == "" {
		finishReason = "unknown"
	}
	m.Requests.WithLabelValues(finishReason).Inc()
	m.RequestDuration.WithLabelValues(finishReason).Observe(duration.Seconds())
}

// RecordChunk counts one relayed chunk.
func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.Chunks.Inc()
}

// SetActivePeers tracks the attached session count.
func (m *Metrics) SetActivePeers(n int) {
	if m == nil {
		return
	}
	m.ActivePeers.Set(float64(n))
}

// SetGateBusy tracks gate occupancy.
func (m *Metrics) SetGateBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.GateBusy.Set(1)
	} else {
		m.GateBusy.Set(0)
	}
}

// RecordTransportError records a transport-level error.
func (m *Metrics) RecordTransportError(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.TransportErrs.WithLabelValues(reason).Inc()
}

// RecordProviderFailure records a provider error by wire code.
func (m *Metrics) RecordProviderFailure(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProviderFailures.WithLabelValues(code).Inc()
}
