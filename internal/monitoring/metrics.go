// Package monitoring exposes Prometheus metrics for the runtime:
// transaction volume and latency, pool occupancy, and object table
// sizes.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Transaction metrics
	TransactionsTotal   *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	CallDuration        *prometheus.HistogramVec
	CallsInflight       prometheus.Gauge
	LateRepliesDiscarded prometheus.Counter
	OnewayDropped       prometheus.Counter

	// Pool metrics
	WorkersActive prometheus.Gauge
	WorkersBusy   prometheus.Gauge

	// Object metrics
	NodesRegistered prometheus.Gauge
	RefsHeld        prometheus.Gauge

	// Death notification metrics
	DeathNotices prometheus.Counter
	PeersDied    prometheus.Counter
}

// NewMetrics creates and registers the metrics collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		TransactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capbus_transactions_total",
				Help: "Total transactions by direction and outcome",
			},
			[]string{"direction", "status"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capbus_dispatch_duration_seconds",
				Help:    "Handler dispatch duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"status"},
		),
		CallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capbus_call_duration_seconds",
				Help:    "Two-way proxy call duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"status"},
		),
		CallsInflight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capbus_calls_inflight",
				Help: "Two-way calls awaiting a reply",
			},
		),
		LateRepliesDiscarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capbus_late_replies_discarded_total",
				Help: "Replies that arrived after their caller stopped waiting",
			},
		),
		OnewayDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capbus_oneway_dropped_total",
				Help: "Oneway transactions dropped by the flood limiter",
			},
		),
		WorkersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capbus_workers_active",
				Help: "Worker threads in the receive loop",
			},
		),
		WorkersBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capbus_workers_busy",
				Help: "Worker threads currently dispatching",
			},
		),
		NodesRegistered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capbus_nodes_registered",
				Help: "Local nodes in the registry",
			},
		),
		RefsHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capbus_refs_held",
				Help: "Remote references in the registry",
			},
		),
		DeathNotices: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capbus_death_notices_total",
				Help: "Death notifications delivered to subscribers",
			},
		),
		PeersDied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capbus_peers_died_total",
				Help: "Peer termination events observed",
			},
		),
	}
}

// RecordInbound records a dispatched transaction.
func (m *Metrics) RecordInbound(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues("inbound", status).Inc()
	m.DispatchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordOutbound records a completed proxy call.
func (m *Metrics) RecordOutbound(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues("outbound", status).Inc()
	m.CallDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// CallStarted marks a two-way call entering flight.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsInflight.Inc()
}

// CallFinished marks a two-way call leaving flight.
func (m *Metrics) CallFinished() {
	if m == nil {
		return
	}
	m.CallsInflight.Dec()
}

// WorkerStarted marks a worker joining the loop.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersActive.Inc()
}

// WorkerStopped marks a worker leaving the loop.
func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.WorkersActive.Dec()
}

// WorkerBusy tracks dispatch occupancy.
func (m *Metrics) WorkerBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.WorkersBusy.Inc()
	} else {
		m.WorkersBusy.Dec()
	}
}

// RecordLateReply counts a discarded late reply.
func (m *Metrics) RecordLateReply() {
	if m == nil {
		return
	}
	m.LateRepliesDiscarded.Inc()
}

// RecordOnewayDropped counts a rate-limited oneway transaction.
func (m *Metrics) RecordOnewayDropped() {
	if m == nil {
		return
	}
	m.OnewayDropped.Inc()
}

// RecordDeathNotices counts delivered death notifications.
func (m *Metrics) RecordDeathNotices(n int) {
	if m == nil {
		return
	}
	m.DeathNotices.Add(float64(n))
}

// RecordPeerDeath counts one peer termination event.
func (m *Metrics) RecordPeerDeath() {
	if m == nil {
		return
	}
	m.PeersDied.Inc()
}

// SetObjectCounts publishes registry table sizes.
func (m *Metrics) SetObjectCounts(nodes, refs int) {
	if m == nil {
		return
	}
	m.NodesRegistered.Set(float64(nodes))
	m.RefsHeld.Set(float64(refs))
}
