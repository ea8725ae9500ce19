// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the keeper.
type Metrics struct {
	// Loop metrics
	TicksTotal    prometheus.Counter
	TickDuration  prometheus.Histogram
	TickErrors    *prometheus.CounterVec
	LastTickAt    prometheus.Gauge
	KeeperRunning prometheus.Gauge

	// Submission metrics
	GateDecisions          *prometheus.CounterVec
	RecommendationOutcomes *prometheus.CounterVec
	NonceCorrections       prometheus.Counter
	RecommendationsExpired prometheus.Counter
	LastSubmissionAt       prometheus.Gauge
	ObservedGasPriceGwei   prometheus.Gauge

	// Scanner metrics
	DepositsDetected *prometheus.CounterVec
	LogChunks        *prometheus.CounterVec
	CursorBlock      prometheus.Gauge
	HeadBlock        prometheus.Gauge

	// Rebalance metrics
	RebalanceOutcomes *prometheus.CounterVec
	LastRebalanceAt   prometheus.Gauge

	// Ledger metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCCallErrors  *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered on reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "allocation_keeper"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Loop metrics
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "ticks_total",
			Help:      "Total number of keeper ticks",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Keeper tick duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		TickErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "errors_total",
			Help:      "Total number of errors caught at the tick boundary by step",
		}, []string{"step"}),
		LastTickAt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last completed tick",
		}),
		KeeperRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "running",
			Help:      "1 while the keeper loop is running",
		}),

		// Submission metrics
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "gate_decisions_total",
			Help:      "Total number of safety gate decisions by action and reason",
		}, []string{"action", "reason"}),
		RecommendationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "recommendations_total",
			Help:      "Total number of processed recommendations by outcome",
		}, []string{"outcome"}),
		NonceCorrections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "nonce_corrections_total",
			Help:      "Total number of recommendation nonces corrected from the ledger",
		}),
		RecommendationsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "stale_expired_total",
			Help:      "Total number of pending recommendations expired by the sweep",
		}),
		LastSubmissionAt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "last_submission_timestamp",
			Help:      "Unix timestamp of the last executed recommendation",
		}),
		ObservedGasPriceGwei: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "gas_price_gwei",
			Help:      "Last observed network gas price in gwei",
		}),

		// Scanner metrics
		DepositsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "deposits_total",
			Help:      "Total number of deposits detected by threshold qualification",
		}, []string{"qualifying"}),
		LogChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "log_chunks_total",
			Help:      "Total number of log chunk queries by status",
		}, []string{"status"}),
		CursorBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "cursor_block",
			Help:      "Last processed block of the deposit cursor",
		}),
		HeadBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "head_block",
			Help:      "Last observed ledger head block",
		}),

		// Rebalance metrics
		RebalanceOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rebalance",
			Name:      "attempts_total",
			Help:      "Total number of rebalance attempts by outcome",
		}, []string{"outcome", "triggered_by"}),
		LastRebalanceAt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rebalance",
			Name:      "last_rebalance_timestamp",
			Help:      "Unix timestamp of the last executed rebalance",
		}),

		// Ledger metrics
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rpc_call_latency_seconds",
			Help:      "Ledger RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rpc_call_errors_total",
			Help:      "Total number of failed ledger RPC calls",
		}, []string{"method"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordTick records a completed keeper tick.
func RecordTick(durationSeconds float64, finishedAt int64) {
	DefaultMetrics.TicksTotal.Inc()
	DefaultMetrics.TickDuration.Observe(durationSeconds)
	DefaultMetrics.LastTickAt.Set(float64(finishedAt))
}

// RecordTickError records an error caught at the tick boundary.
func RecordTickError(step string) {
	DefaultMetrics.TickErrors.WithLabelValues(step).Inc()
}

// SetRunning flags whether the keeper loop is running.
func SetRunning(running bool) {
	if running {
		DefaultMetrics.KeeperRunning.Set(1)
		return
	}
	DefaultMetrics.KeeperRunning.Set(0)
}

// RecordGateDecision records a safety gate decision.
func RecordGateDecision(action, reason string) {
	DefaultMetrics.GateDecisions.WithLabelValues(action, reason).Inc()
}

// RecordRecommendationOutcome records the outcome of a processed recommendation.
func RecordRecommendationOutcome(outcome string) {
	DefaultMetrics.RecommendationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSubmission records an executed recommendation.
func RecordSubmission(at int64) {
	DefaultMetrics.LastSubmissionAt.Set(float64(at))
}

// RecordNonceCorrection increments the nonce corrections counter.
func RecordNonceCorrection() {
	DefaultMetrics.NonceCorrections.Inc()
}

// RecordStaleExpired adds n recommendations expired by the sweep.
func RecordStaleExpired(n int) {
	DefaultMetrics.RecommendationsExpired.Add(float64(n))
}

// UpdateGasPrice updates the observed gas price gauge.
func UpdateGasPrice(gwei float64) {
	DefaultMetrics.ObservedGasPriceGwei.Set(gwei)
}

// RecordDeposit records a detected deposit.
func RecordDeposit(qualifying bool) {
	label := "false"
	if qualifying {
		label = "true"
	}
	DefaultMetrics.DepositsDetected.WithLabelValues(label).Inc()
}

// RecordLogChunk records a log chunk query result.
func RecordLogChunk(err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	DefaultMetrics.LogChunks.WithLabelValues(status).Inc()
}

// UpdateBlocks updates the cursor and head gauges.
func UpdateBlocks(cursor, head uint64) {
	DefaultMetrics.CursorBlock.Set(float64(cursor))
	DefaultMetrics.HeadBlock.Set(float64(head))
}

// RecordRebalance records a rebalance attempt.
func RecordRebalance(outcome, triggeredBy string, at int64) {
	DefaultMetrics.RebalanceOutcomes.WithLabelValues(outcome, triggeredBy).Inc()
	if outcome == "executed" {
		DefaultMetrics.LastRebalanceAt.Set(float64(at))
	}
}

// RecordRPCLatency records ledger RPC call latency.
func RecordRPCLatency(method string, seconds float64, err error) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
	if err != nil {
		DefaultMetrics.RPCCallErrors.WithLabelValues(method).Inc()
	}
}
