// Package scheduler finds due orders, claims them and hands them to the dispatch queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/marketcap"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/queue"
	"github.com/speedrun-hq/dcarunner/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation name for the scheduler.
const tracerName = "github.com/speedrun-hq/dcarunner/pkg/scheduler"

// Skip reasons reported in metrics and logs
const (
	SkipTracked         = "tracked"
	SkipClaimed         = "claimed"
	SkipLimitNotReached = "limit_not_reached"
)

// Config holds scheduler settings
type Config struct {
	// Interval between sweeps; zero runs a single sweep
	Interval time.Duration
	// LockTTL bounds how long one scheduler instance holds the sweep lock.
	// A long sweep refreshes the lock every half TTL.
	LockTTL time.Duration
	LockKey string
}

// SweepResult summarises one sweep
type SweepResult struct {
	Due      int
	Enqueued int
	Skipped  int
	Failed   int
}

// Scheduler dispatches due orders. At most one dispatch job per order is
// outstanding because an order is only enqueued after its claim was acquired.
type Scheduler struct {
	orders    store.OrderStore
	ledger    store.Ledger
	queue     queue.Queue
	tracker   queue.Tracker
	marketCap marketcap.Provider
	locker    *redislock.Client
	config    Config
	logger    logger.Logger
	now       func() time.Time
}

// Option customises a Scheduler
type Option func(*Scheduler)

// WithTracker skips orders the queue already tracks
func WithTracker(t queue.Tracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

// WithMarketCap sets the provider used to gate limit orders
func WithMarketCap(p marketcap.Provider) Option {
	return func(s *Scheduler) { s.marketCap = p }
}

// WithLocker makes Run hold a distributed lock for the duration of a sweep
func WithLocker(l *redislock.Client) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler
func New(orders store.OrderStore, ledger store.Ledger, q queue.Queue, cfg Config, log logger.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "dca-scheduler"
	}
	s := &Scheduler{
		orders: orders,
		ledger: ledger,
		queue:  q,
		config: cfg,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once, or every Interval until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.Interval <= 0 {
		return s.runOnce(ctx)
	}

	s.logger.Info("Scheduler started, sweeping every %v", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if err := s.runOnce(ctx); err != nil {
			s.logger.Error("Sweep failed: %v", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	var keeper *lockKeeper
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, s.config.LockKey, s.config.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.logger.Notice("Another scheduler instance is sweeping, skipping this cycle")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to obtain scheduler lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.Error("Failed to release scheduler lock: %v", err)
			}
		}()
		keeper = &lockKeeper{lock: lock, ttl: s.config.LockTTL, refreshed: time.Now()}
	}

	result, err := s.sweep(ctx, s.now(), keeper)
	if err != nil {
		return err
	}

	s.logger.Info("Sweep finished: %d due, %d enqueued, %d skipped, %d failed",
		result.Due, result.Enqueued, result.Skipped, result.Failed)
	return nil
}

// Sweep enqueues every due order that is neither claimed nor waiting on its
// market cap target. Per-order failures are logged and counted; only a failure
// to list due orders, or to keep the sweep lock, is returned.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	return s.sweep(ctx, now, nil)
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time, keeper *lockKeeper) (SweepResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.sweep",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("sweep.now", now.UTC().Format(time.RFC3339))),
	)
	defer span.End()

	var result SweepResult

	due, err := s.orders.DueOrders(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load due orders")
		return result, fmt.Errorf("failed to load due orders: %w", err)
	}

	result.Due = len(due)
	metrics.OrdersDue.Set(float64(len(due)))

	for _, order := range due {
		if ctx.Err() != nil {
			break
		}
		if err := keeper.keepAlive(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lost scheduler lock")
			return result, err
		}

		skipped, reason, err := s.dispatch(ctx, order, now)
		switch {
		case err != nil:
			result.Failed++
			s.logger.ErrorWithOrder(order.ID, "Failed to dispatch order: %v", err)
		case skipped:
			result.Skipped++
			metrics.OrdersSkipped.WithLabelValues(reason).Inc()
			s.logger.DebugWithOrder(order.ID, "Skipped order (%s)", reason)
		default:
			result.Enqueued++
			metrics.OrdersEnqueued.Inc()
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.due", result.Due),
		attribute.Int("sweep.enqueued", result.Enqueued),
		attribute.Int("sweep.skipped", result.Skipped),
		attribute.Int("sweep.failed", result.Failed),
	)
	return result, nil
}

// dispatch claims and enqueues a single order
func (s *Scheduler) dispatch(ctx context.Context, order models.Order, now time.Time) (bool, string, error) {
	if s.tracker != nil {
		tracked, err := s.tracker.IsTracked(ctx, order.ID)
		if err != nil {
			return false, "", err
		}
		if tracked {
			return true, SkipTracked, nil
		}
	}

	if order.IsLimitOrder {
		if s.marketCap == nil {
			return false, "", fmt.Errorf("no market cap provider configured for limit order")
		}
		reached, marketCap, err := marketcap.LimitReached(ctx, s.marketCap, order)
		if err != nil {
			return false, "", fmt.Errorf("market cap lookup failed: %w", err)
		}
		if !reached {
			s.logger.DebugWithOrder(order.ID, "Market cap %s has not reached target %s", marketCap, order.MarketCapTarget)
			return true, SkipLimitNotReached, nil
		}
		s.logger.InfoWithOrder(order.ID, "Market cap %s reached target %s", marketCap, order.MarketCapTarget)
	}

	job := order.DispatchJob(now)
	if err := job.Validate(); err != nil {
		return false, "", err
	}

	acquired, err := s.ledger.AcquireClaim(ctx, order.ID, now)
	if err != nil {
		return false, "", err
	}
	if !acquired {
		s.logger.InfoWithOrder(order.ID, "Order already has a queued or running job, skipping")
		return true, SkipClaimed, nil
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		if relErr := s.ledger.ReleaseClaim(ctx, order.ID); relErr != nil {
			s.logger.ErrorWithOrder(order.ID, "Failed to release claim after enqueue failure: %v", relErr)
		}
		return false, "", err
	}

	s.logger.InfoWithOrder(order.ID, "Enqueued %s installment of %s (%d remaining)", job.Side, job.DepositedTokenAmount, job.Frequency)
	return false, "", nil
}

// lockKeeper extends the sweep lock while a sweep is still going
type lockKeeper struct {
	lock      *redislock.Lock
	ttl       time.Duration
	refreshed time.Time
}

// keepAlive refreshes the lock once half its TTL has passed. A nil keeper is a no-op.
func (k *lockKeeper) keepAlive(ctx context.Context) error {
	if k == nil || time.Since(k.refreshed) < k.ttl/2 {
		return nil
	}
	if err := k.lock.Refresh(ctx, k.ttl, nil); err != nil {
		return fmt.Errorf("failed to refresh scheduler lock: %w", err)
	}
	k.refreshed = time.Now()
	return nil
}
