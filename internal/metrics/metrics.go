package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec // role, result=granted|queued|error
	LeasesEnded     *prometheus.CounterVec // status=completed|expired|terminated
	ExtensionsTotal *prometheus.CounterVec // result=requested|approved|rejected
	ConflictRetries prometheus.Counter

	OpLatencyMS *prometheus.HistogramVec // op

	SweepExpired  prometheus.Counter
	SweepFailures prometheus.Counter
	SweepLastRun  prometheus.Gauge

	CountersReconciled prometheus.Counter
	EventsDropped      prometheus.Counter
}

// New builds the collectors and registers them on reg. A nil reg registers on
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessq_requests_total",
				Help: "Access requests by role and result",
			},
			[]string{"role", "result"},
		),
		LeasesEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessq_leases_ended_total",
				Help: "Leases that reached a terminal status",
			},
			[]string{"status"},
		),
		ExtensionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessq_extensions_total",
				Help: "Extension requests by outcome",
			},
			[]string{"result"},
		),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessq_conflict_retries_total",
			Help: "Access requests re-issued after losing a store race",
		}),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessq_op_latency_ms",
				Help:    "Latency of admission operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessq_sweep_expired_total",
			Help: "Leases expired by the sweeper",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessq_sweep_failures_total",
			Help: "Resources the sweeper failed to process",
		}),
		SweepLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessq_sweep_last_run_timestamp_seconds",
			Help: "Unix time of the last completed sweep",
		}),
		CountersReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessq_counters_reconciled_total",
			Help: "Requester counters overwritten by the reconciler",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessq_events_dropped_total",
			Help: "Notifications dropped for slow subscribers",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.LeasesEnded,
		m.ExtensionsTotal,
		m.ConflictRetries,
		m.OpLatencyMS,
		m.SweepExpired,
		m.SweepFailures,
		m.SweepLastRun,
		m.CountersReconciled,
		m.EventsDropped,
	)
	return m
}

func (m *Metrics) Request(role, result string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(role, result).Inc()
}

func (m *Metrics) LeaseEnded(status string) {
	if m == nil {
		return
	}
	m.LeasesEnded.WithLabelValues(status).Inc()
}

func (m *Metrics) Extension(result string) {
	if m == nil {
		return
	}
	m.ExtensionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

// ObserveSince records the latency of op started at start.
func (m *Metrics) ObserveSince(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func (m *Metrics) Sweep(expired, failed int, at time.Time) {
	if m == nil {
		return
	}
	m.SweepExpired.Add(float64(expired))
	m.SweepFailures.Add(float64(failed))
	m.SweepLastRun.Set(float64(at.Unix()))
}

func (m *Metrics) Reconciled(n int) {
	if m == nil {
		return
	}
	m.CountersReconciled.Add(float64(n))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
