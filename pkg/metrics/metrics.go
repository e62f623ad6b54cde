package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	PaymentsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_payments_executed_total",
		Help: "The total number of payment executions by outcome",
	}, []string{"chain_id", "status"})

	PaymentProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_payment_processing_seconds",
		Help:    "Time taken from claim to outcome",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"chain_id"})

	GasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_gas_used",
		Help:    "Gas used by submitted transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10),
	}, []string{"chain_id", "kind"})

	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_gas_price_gwei",
		Help: "Last gas price used, in gwei",
	}, []string{"chain_id"})

	DueSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_due_schedules",
		Help: "Schedules selected as due in the last poll",
	})

	SelectorDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_selector_drops_total",
		Help: "Records dropped by the selector second pass",
	}, []string{"reason"})

	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_lease_conflicts_total",
		Help: "Claims lost to another worker",
	})

	ExecutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_execution_errors_total",
		Help: "Total number of execution errors by type",
	}, []string{"chain_id", "error_type"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_recovery_decisions_total",
		Help: "Decisions taken by the retry controller",
	}, []string{"chain_id", "decision"})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_reconciliations_total",
		Help: "Ledger reconciliations by result",
	}, []string{"chain_id", "result"})

	BatchTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_batch_transfers_total",
		Help: "Batch transfers by mode and outcome",
	}, []string{"chain_id", "mode", "status"})

	BatchGasSavings = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_batch_gas_savings_percent",
		Help:    "Estimated gas savings of previewed batches",
		Buckets: prometheus.LinearBuckets(0, 10, 10),
	}, []string{"chain_id"})

	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_price_fetches_total",
		Help: "Price feed lookups by source",
	}, []string{"source"})

	CircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_circuit_open",
		Help: "1 when the chain circuit breaker is open",
	}, []string{"chain_id"})
)
