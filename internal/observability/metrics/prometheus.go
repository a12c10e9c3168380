// Package metrics provides Prometheus metrics for the medication engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	LedgerAppends       *prometheus.CounterVec
	IdempotentHits      prometheus.Counter
	UndosPerformed      prometheus.Counter
	StockClamps         prometheus.Counter
	SynthesisDuration   prometheus.Histogram
	RefreshesLaunched   prometheus.Counter
	RefreshesSuperseded prometheus.Counter
	GuardrailWarnings   prometheus.Counter
	DuplicateItems      prometheus.Counter
	OperationCacheSize  prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics against the given registerer.
// Tests pass a fresh registry so repeated construction cannot collide.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Total ledger entries appended, by entry type",
		}, []string{"entry_type"}),
		IdempotentHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_idempotent_hits_total",
			Help: "Appends resolved by returning the existing entry",
		}),
		UndosPerformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_undos_total",
			Help: "Total undo operations applied",
		}),
		StockClamps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_clamps_total",
			Help: "Stock mutations clamped at zero",
		}),
		SynthesisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "today_synthesis_duration_seconds",
			Help:    "Today-state synthesis duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RefreshesLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "today_refreshes_total",
			Help: "Total refresh passes launched",
		}),
		RefreshesSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "today_refreshes_superseded_total",
			Help: "Refresh passes discarded because a newer pass started",
		}),
		GuardrailWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardrail_warnings_total",
			Help: "Intake attempts flagged by the proximity guardrail",
		}),
		DuplicateItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "today_duplicate_items_total",
			Help: "Todo items dropped by synthesis deduplication",
		}),
		OperationCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operation_cache_entries",
			Help: "Live entries in the operation identity cache",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.LedgerAppends,
		m.IdempotentHits,
		m.UndosPerformed,
		m.StockClamps,
		m.SynthesisDuration,
		m.RefreshesLaunched,
		m.RefreshesSuperseded,
		m.GuardrailWarnings,
		m.DuplicateItems,
		m.OperationCacheSize,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
