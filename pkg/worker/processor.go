// Package worker executes dispatch jobs against the trade execution gateway and
// moves each order through its installment lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speedrun-hq/dcarunner/pkg/analytics"
	"github.com/speedrun-hq/dcarunner/pkg/gateway"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/retry"
	"github.com/speedrun-hq/dcarunner/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/speedrun-hq/dcarunner/pkg/worker"

// Outcome is the terminal state reached by a job
type Outcome string

const (
	// OutcomeRejected means the claim was gone and nothing was executed
	OutcomeRejected Outcome = "rejected"
	// OutcomeSucceeded means an installment executed and the order advanced
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeCompleted means the final installment executed and the order was retired
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetrying means the installment failed and the order was deferred
	OutcomeRetrying Outcome = "retrying"
	// OutcomeAbandoned means the order was deleted after too many consecutive failures
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeStale means the order disappeared while the job was in flight, or its
	// post-swap write could not be stored
	OutcomeStale Outcome = "stale"
	// OutcomeRedeliver means the job never started and must not be acked
	OutcomeRedeliver Outcome = "redeliver"
	// OutcomePanicked means processing crashed; the order is picked up again by a later sweep
	OutcomePanicked Outcome = "panicked"
)

// Acked reports whether the delivery is acknowledged after this outcome
func (o Outcome) Acked() bool {
	return o != OutcomeRedeliver
}

// Config holds the job lifecycle settings
type Config struct {
	PollInterval     time.Duration
	PollTimeout      time.Duration
	RetryDelay       time.Duration
	AbandonThreshold int
}

// leaseMargin covers submission and the post-swap writes on top of the poll timeout
const leaseMargin = 5 * time.Minute

// Lease is how long a consumed claim keeps the order away from the scheduler
func (c Config) Lease() time.Duration {
	return c.PollTimeout + leaseMargin
}

// DefaultConfig polls every 2 seconds for at most 10 minutes, defers failed
// installments by 12 minutes and gives up after 5 consecutive failures
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		PollTimeout:      10 * time.Minute,
		RetryDelay:       12 * time.Minute,
		AbandonThreshold: 5,
	}
}

// GasReader reports the gas consumed by a mined transaction
type GasReader interface {
	GasUsed(ctx context.Context, txHash string) (uint64, error)
}

// Processor runs one dispatch job to a terminal state
type Processor struct {
	orders       store.OrderStore
	ledger       store.Ledger
	gateway      gateway.Gateway
	analytics    analytics.Recorder
	gas          GasReader
	retryManager *RetryManager
	config       Config
	writeRetry   retry.Config
	logger       logger.Logger
	now          func() time.Time
}

// Option customises a Processor
type Option func(*Processor)

// WithAnalytics records outcomes in the analytics collaborator
func WithAnalytics(r analytics.Recorder) Option {
	return func(p *Processor) { p.analytics = r }
}

// WithGasReader observes gas used by successful swaps
func WithGasReader(g GasReader) Option {
	return func(p *Processor) { p.gas = g }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a processor. Zero config values fall back to DefaultConfig.
func NewProcessor(orders store.OrderStore, ledger store.Ledger, gw gateway.Gateway, cfg Config, log logger.Logger, opts ...Option) *Processor {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.AbandonThreshold <= 0 {
		cfg.AbandonThreshold = defaults.AbandonThreshold
	}

	p := &Processor{
		orders:    orders,
		ledger:    ledger,
		gateway:   gw,
		analytics: analytics.Noop{},
		config:    cfg,
		writeRetry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retryManager = NewRetryManager(orders, ledger, cfg.RetryDelay, cfg.AbandonThreshold, log, p.now)
	return p
}

// Process drives the job through claim, execution, polling and the success or
// failure transition
func (p *Processor) Process(ctx context.Context, job models.DispatchJob) Outcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("order.id", job.OrderID),
			attribute.String("order.side", string(job.Side)),
			attribute.Int("order.frequency", job.Frequency),
			attribute.Int("order.retry_count", job.RetryCount),
		),
	)
	defer span.End()

	outcome, err := p.process(ctx, job)
	if outcome != OutcomeRejected && outcome != OutcomeRedeliver {
		p.releaseLease(ctx, job.OrderID)
	}
	span.SetAttributes(attribute.String("job.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome
}

func (p *Processor) process(ctx context.Context, job models.DispatchJob) (Outcome, error) {
	consumed, err := p.ledger.ConsumeClaim(ctx, job.OrderID, p.now().UTC().Add(p.config.Lease()))
	if err != nil {
		p.logger.ErrorWithOrder(job.OrderID, "Failed to consume claim, leaving job for redelivery: %v", err)
		return OutcomeRedeliver, err
	}
	if !consumed {
		p.logger.NoticeWithOrder(job.OrderID, "Claim is no longer held, rejecting job")
		return OutcomeRejected, nil
	}

	if err := job.Validate(); err != nil {
		return p.fail(ctx, job, err)
	}

	p.logger.InfoWithOrder(job.OrderID, "Executing %s installment of %s (%d remaining, retry %d)",
		job.Side, job.DepositedTokenAmount, job.Frequency, job.RetryCount)

	handle, err := p.gateway.Submit(ctx, job)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	status, err := p.awaitTerminal(ctx, job.OrderID, handle)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	if status.Status != gateway.StatusSucceeded {
		return p.fail(ctx, job, &gateway.ExecutionError{
			Kind:    gateway.Classify(status.Message),
			Message: status.Message,
		})
	}

	return p.succeed(ctx, job, status.TransactionHash)
}

// succeed retires or advances the order after a confirmed swap. The stored row is
// always moved forward, even when it was edited while the swap ran, so the
// executed installment is never dispatched again.
func (p *Processor) succeed(ctx context.Context, job models.DispatchJob, txHash string) (Outcome, error) {
	now := p.now().UTC()
	p.logger.InfoWithOrder(job.OrderID, "Installment executed in transaction %s", txHash)

	p.recordSuccess(ctx, job, txHash)

	if job.IsLastInstallment() {
		var completed bool
		err := p.persist(ctx, job.OrderID, "complete order", func() error {
			var err error
			completed, err = p.orders.CompleteOrder(ctx, job.OrderID)
			return err
		})
		if err != nil {
			return OutcomeStale, err
		}
		if completed {
			return p.complete(ctx, job, txHash, now)
		}
		p.logger.NoticeWithOrder(job.OrderID, "Order gained installments while its final one was executing, advancing it instead")
	}

	next, err := job.UnitOfTime.Next(now)
	if err != nil {
		return OutcomeStale, err
	}

	var advanced *models.Order
	err = p.persist(ctx, job.OrderID, "advance order", func() error {
		var err error
		advanced, err = p.orders.AdvanceOrder(ctx, job.OrderID, job.DepositedTokenAmount, now, next)
		return err
	})
	if err != nil {
		return OutcomeStale, err
	}
	if advanced == nil {
		p.logger.NoticeWithOrder(job.OrderID, "Order was deleted while the installment was executing")
		return OutcomeStale, nil
	}

	history := models.HistoryFromOrder(*advanced, models.StatusSuccess, models.MessageSuccess)
	history.TransactionHash = txHash
	if err := p.persist(ctx, job.OrderID, "write history", func() error {
		return p.ledger.PutHistory(ctx, history)
	}); err != nil {
		return OutcomeSucceeded, err
	}

	p.logger.InfoWithOrder(job.OrderID, "Order advanced, %d installments of %s remaining, next at %s",
		advanced.Frequency, advanced.DepositedTokenAmount, advanced.NextUpdateAt.Format(time.RFC3339))
	return OutcomeSucceeded, nil
}

// complete writes the Completed row of an order whose last installment was retired
func (p *Processor) complete(ctx context.Context, job models.DispatchJob, txHash string, now time.Time) (Outcome, error) {
	history := models.HistoryFromJob(job, models.StatusCompleted, models.MessageCompleted)
	history.TransactionHash = txHash
	history.Frequency = 0
	history.LastUpdatedAt = now
	if err := p.persist(ctx, job.OrderID, "write history", func() error {
		return p.ledger.PutHistory(ctx, history)
	}); err != nil {
		return OutcomeCompleted, err
	}

	metrics.OrdersCompleted.Inc()
	p.logger.InfoWithOrder(job.OrderID, "Order completed")
	return OutcomeCompleted, nil
}

// fail records the failure and hands the order to the retry policy
func (p *Processor) fail(ctx context.Context, job models.DispatchJob, cause error) (Outcome, error) {
	kind := gateway.KindOf(cause)
	message := failureMessage(cause)
	p.logger.ErrorWithOrder(job.OrderID, "Installment failed (%s): %v", kind, cause)

	p.recordFailure(ctx, job)

	order, err := p.orders.GetOrder(ctx, job.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.NoticeWithOrder(job.OrderID, "Order no longer exists, nothing to retry")
		return OutcomeStale, cause
	}
	if err != nil {
		return OutcomeStale, fmt.Errorf("failed to load order after failure: %w", err)
	}

	history := models.HistoryFromOrder(*order, models.StatusFailed, message)
	if !p.retryManager.ShouldAbandon(job.RetryCount) {
		history.NextUpdateAt = p.now().UTC().Add(p.config.RetryDelay)
	}
	if err := p.ledger.PutHistory(ctx, history); err != nil {
		p.logger.ErrorWithOrder(job.OrderID, "Failed to write failure history: %v", err)
	}

	outcome, err := p.retryManager.HandleJobError(ctx, job.OrderID, job.RetryCount, kind)
	if err != nil {
		return outcome, err
	}
	return outcome, cause
}

// releaseLease hands the order back to the scheduler once the job is terminal
func (p *Processor) releaseLease(ctx context.Context, orderID string) {
	if err := p.ledger.ReleaseLease(ctx, orderID); err != nil {
		p.logger.ErrorWithOrder(orderID, "Failed to release execution lease, it lapses on its own: %v", err)
	}
}

// persist retries a store write that must land once the swap is final
func (p *Processor) persist(ctx context.Context, orderID, what string, fn func() error) error {
	err := retry.DoVoid(ctx, p.writeRetry, nil, func(attempt int, err error, backoff time.Duration) {
		p.logger.ErrorWithOrder(orderID, "Failed to %s (attempt %d), retrying in %v: %v", what, attempt, backoff, err)
	}, fn)
	if err != nil {
		p.logger.ErrorWithOrder(orderID, "Giving up on %s: %v", what, err)
	}
	return err
}

func (p *Processor) recordSuccess(ctx context.Context, job models.DispatchJob, txHash string) {
	if job.Side == models.Sell {
		p.analytics.RecordSellTxSucceeded(ctx)
	} else {
		p.analytics.RecordBuyTxSucceeded(ctx)
	}
	p.analytics.RecordTokenTotalAmountIncrease(ctx, job.DepositedTokenAddress, job.DepositedTokenAmount)

	if p.gas == nil || txHash == "" {
		return
	}
	gasCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	gasUsed, err := p.gas.GasUsed(gasCtx, txHash)
	if err != nil {
		p.logger.DebugWithOrder(job.OrderID, "Could not read gas used for %s: %v", txHash, err)
		return
	}
	metrics.GasUsed.Observe(float64(gasUsed))
}

func (p *Processor) recordFailure(ctx context.Context, job models.DispatchJob) {
	if job.Side == models.Sell {
		p.analytics.RecordSellTxFailed(ctx)
		return
	}
	p.analytics.RecordBuyTxFailed(ctx)
}

// failureMessage is the user facing reason written to the history row
func failureMessage(err error) string {
	var execErr *gateway.ExecutionError
	if errors.As(err, &execErr) {
		if execErr.Kind == gateway.KindTransport {
			return "Could not reach the execution service."
		}
		if execErr.Message != "" {
			return execErr.Message
		}
		return "Error executing transaction"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timed out waiting for the transaction to complete."
	}
	return err.Error()
}
