package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_jobs_total",
		Help: "The total number of dispatch jobs by terminal outcome",
	}, []string{"side", "outcome"})

	JobProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_job_processing_seconds",
		Help:    "Time taken from dequeue to terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"side"})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_jobs_in_flight",
		Help: "The number of jobs currently being executed by this worker process",
	})

	GasUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_gas_used",
		Help:    "Gas used by successful swaps",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	})

	OrdersDue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_orders_due",
		Help: "The number of due orders found by the last scheduler sweep",
	})

	OrdersEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_orders_enqueued_total",
		Help: "The total number of orders pushed to the dispatch queue",
	})

	OrdersSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_orders_skipped_total",
		Help: "Due orders not enqueued by the scheduler, by reason",
	}, []string{"reason"})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_retries_total",
		Help: "The total number of installments deferred for retry",
	}, []string{"failure_kind"})

	OrdersAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_orders_abandoned_total",
		Help: "Orders deleted after reaching the abandon threshold",
	})

	OrdersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_orders_completed_total",
		Help: "Orders retired after their final installment",
	})

	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_gateway_errors_total",
		Help: "Total number of execution gateway errors by type",
	}, []string{"failure_kind"})

	GatewayCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_gateway_circuit_state",
		Help: "Execution gateway circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	QueueRedelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_queue_redelivered_total",
		Help: "Jobs moved back to pending after their processing lease expired",
	})

	MarketCapCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_marketcap_cache_total",
		Help: "Market cap cache lookups by result",
	}, []string{"result"})
)
