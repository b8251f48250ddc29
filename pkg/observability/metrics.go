package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger and the reconciler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Registry is exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	matches       *prometheus.CounterVec
	batchItems    *prometheus.CounterVec
	payments      *prometheus.CounterVec
	statementRows *prometheus.CounterVec
	applyDuration prometheus.Histogram
}

// NewMetrics registers everything on a private registry, so tests can build
// as many instances as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		matches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanrecon_match_total",
				Help: "Bank transactions classified, by match tier.",
			},
			[]string{"tier"},
		),
		batchItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanrecon_batch_items_total",
				Help: "Review decisions processed by the batch applier, by outcome.",
			},
			[]string{"outcome"},
		),
		payments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanrecon_payments_applied_total",
				Help: "Payments committed to the ledger, by source.",
			},
			[]string{"source"},
		),
		statementRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanrecon_statement_rows_total",
				Help: "Statement rows ingested, by status.",
			},
			[]string{"status"},
		),
		applyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loanrecon_apply_duration_seconds",
				Help:    "Time to apply one payment including the overflow cascade and commit.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) IncrMatch(tier string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(tier).Inc()
}

func (m *Metrics) IncrBatchItem(outcome string) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrPaymentApplied(source string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(source).Inc()
}

func (m *Metrics) AddStatementRows(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.statementRows.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) ObserveApply(d time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.Observe(d.Seconds())
}

// Snapshot is a point-in-time view of the reconciliation counters.
type Snapshot struct {
	Matches       map[string]float64 `json:"matches"`
	BatchItems    map[string]float64 `json:"batch_items"`
	Payments      map[string]float64 `json:"payments"`
	StatementRows map[string]float64 `json:"statement_rows"`
}

// Snapshot gathers the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Matches:       collect(m.matches),
		BatchItems:    collect(m.batchItems),
		Payments:      collect(m.payments),
		StatementRows: collect(m.statementRows),
	}
}

// collect reads every labelled child of a single-label CounterVec.
func collect(cv *prometheus.CounterVec) map[string]float64 {
	out := map[string]float64{}
	ch := make(chan prometheus.Metric)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		pb := &dto.Metric{}
		if err := metric.Write(pb); err != nil || pb.Counter == nil {
			continue
		}
		for _, lp := range pb.Label {
			out[lp.GetValue()] = pb.Counter.GetValue()
		}
	}
	return out
}
