package worker

import (
	"context"
	"time"

	"github.com/speedrun-hq/dcarunner/pkg/gateway"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
	"github.com/speedrun-hq/dcarunner/pkg/store"
)

// RetryManager decides what happens to an order after a failed installment
type RetryManager struct {
	orders           store.OrderStore
	ledger           store.Ledger
	retryDelay       time.Duration
	abandonThreshold int
	logger           logger.Logger
	now              func() time.Time
}

// NewRetryManager creates a new retry manager
func NewRetryManager(orders store.OrderStore, ledger store.Ledger, retryDelay time.Duration, abandonThreshold int, log logger.Logger, now func() time.Time) *RetryManager {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &RetryManager{
		orders:           orders,
		ledger:           ledger,
		retryDelay:       retryDelay,
		abandonThreshold: abandonThreshold,
		logger:           log,
		now:              now,
	}
}

// ShouldAbandon reports whether one more failure reaches the abandon threshold
func (rm *RetryManager) ShouldAbandon(currentRetryCount int) bool {
	return currentRetryCount+1 >= rm.abandonThreshold
}

// HandleJobError abandons the order once the threshold is reached, otherwise it
// defers the same installment by the retry delay and bumps the retry count.
// Frequency is never touched, so a retried installment is not skipped.
func (rm *RetryManager) HandleJobError(ctx context.Context, orderID string, currentRetryCount int, kind gateway.FailureKind) (Outcome, error) {
	if rm.ShouldAbandon(currentRetryCount) {
		return rm.abandon(ctx, orderID, currentRetryCount+1)
	}

	next := rm.now().UTC().Add(rm.retryDelay)
	deferred, err := rm.orders.DeferOrder(ctx, orderID, next, currentRetryCount+1)
	if err != nil {
		rm.logger.ErrorWithOrder(orderID, "Failed to schedule retry: %v", err)
		return OutcomeStale, err
	}
	if !deferred {
		rm.logger.NoticeWithOrder(orderID, "Order disappeared before its retry could be scheduled")
		return OutcomeStale, nil
	}

	metrics.RetryCount.WithLabelValues(string(kind)).Inc()
	rm.logger.InfoWithOrder(orderID, "Scheduled retry %d/%d at %s (error: %s)",
		currentRetryCount+1, rm.abandonThreshold-1, next.Format(time.RFC3339), kind)
	return OutcomeRetrying, nil
}

// abandon removes every trace of the order
func (rm *RetryManager) abandon(ctx context.Context, orderID string, failures int) (Outcome, error) {
	rm.logger.NoticeWithOrder(orderID, "Abandoning order after %d consecutive failures", failures)

	if err := rm.orders.DeleteOrder(ctx, orderID); err != nil {
		rm.logger.ErrorWithOrder(orderID, "Failed to delete abandoned order: %v", err)
		return OutcomeStale, err
	}
	if err := rm.ledger.DeleteHistory(ctx, orderID); err != nil {
		rm.logger.ErrorWithOrder(orderID, "Failed to delete history of abandoned order: %v", err)
	}
	if err := rm.ledger.ReleaseClaim(ctx, orderID); err != nil {
		rm.logger.ErrorWithOrder(orderID, "Failed to release claim of abandoned order: %v", err)
	}

	metrics.OrdersAbandoned.Inc()
	return OutcomeAbandoned, nil
}
