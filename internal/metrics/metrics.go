// Package metrics holds the Prometheus instruments for reduction and
// profiling.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qlprof"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	rowsRead        *prometheus.CounterVec
	rowsAccepted    *prometheus.CounterVec
	rowsRejected    *prometheus.CounterVec
	identityErrors  prometheus.Counter
	tablesReduced   *prometheus.CounterVec
	profileDuration *prometheus.HistogramVec
}

// NewMetrics creates the instruments and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rowsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_read_total",
				Help:      "Raw log rows read from a source, by table.",
			},
			[]string{"table"},
		),
		rowsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_accepted_total",
				Help:      "Rows kept in the reduced log, by query type.",
			},
			[]string{"query_type"},
		),
		rowsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_rejected_total",
				Help:      "Rows dropped by the reducer, by reason.",
			},
			[]string{"reason"},
		),
		identityErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_parse_failures_total",
				Help:      "Identity strings that did not match the user@server form.",
			},
		),
		tablesReduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_reduced_total",
				Help:      "Table reductions, by outcome.",
			},
			[]string{"outcome"},
		),
		profileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "profile_duration_seconds",
				Help:      "Time to select and aggregate a profile.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"granularity"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.rowsRead, m.rowsAccepted, m.rowsRejected,
			m.identityErrors, m.tablesReduced, m.profileDuration)
	}
	return m
}

func (m *Metrics) RowRead(table string) {
	if m == nil {
		return
	}
	m.rowsRead.WithLabelValues(table).Inc()
}

func (m *Metrics) RowAccepted(queryType string) {
	if m == nil {
		return
	}
	m.rowsAccepted.WithLabelValues(queryType).Inc()
}

func (m *Metrics) RowRejected(reason string) {
	if m == nil {
		return
	}
	m.rowsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IdentityParseFailure() {
	if m == nil {
		return
	}
	m.identityErrors.Inc()
}

// TableReduced records a table outcome: "committed", "skipped" or "failed".
func (m *Metrics) TableReduced(outcome string) {
	if m == nil {
		return
	}
	m.tablesReduced.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProfile(granularity string, d time.Duration) {
	if m == nil {
		return
	}
	m.profileDuration.WithLabelValues(granularity).Observe(d.Seconds())
}
