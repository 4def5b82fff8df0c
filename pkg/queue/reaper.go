package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
)

// Reaper returns jobs of crashed workers to the pending list.
// A delivery is requeued once its lease has been missing on two consecutive
// passes, which covers the gap between BLMOVE and the lease write.
type Reaper struct {
	queue    *Redis
	locker   *redislock.Client
	interval time.Duration
	logger   logger.Logger
	suspects map[string]struct{}
}

// NewReaper creates a reaper for q. Only one reaper runs a pass at a time across processes.
func NewReaper(q *Redis, interval time.Duration, log logger.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Reaper{
		queue:    q,
		locker:   redislock.New(q.client),
		interval: interval,
		logger:   log,
		suspects: make(map[string]struct{}),
	}
}

// Run performs a pass every interval until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started, interval %v", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return nil
		case <-ticker.C:
			requeued, err := r.elect(ctx)
			if err != nil {
				r.logger.Error("Reaper pass failed: %v", err)
				continue
			}
			if requeued > 0 {
				r.logger.Notice("Requeued %d jobs with expired leases", requeued)
			}
		}
	}
}

func (r *Reaper) elect(ctx context.Context) (int, error) {
	lock, err := r.locker.Obtain(ctx, r.queue.lockKey(), r.interval, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		r.logger.Debug("Another reaper holds the lock, skipping pass")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to obtain reaper lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.Error("Failed to release reaper lock: %v", err)
		}
	}()

	return r.ReapOnce(ctx)
}

// ReapOnce inspects the processing list once and returns the number of requeued jobs
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	q := r.queue
	entries, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	seen := make(map[string]struct{}, len(entries))
	requeued := 0

	for _, raw := range entries {
		env, err := decodeEnvelope(raw)
		if err != nil {
			r.logger.Error("Dropping undecodable processing entry: %v", err)
			if err := q.client.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
				return requeued, fmt.Errorf("failed to drop processing entry: %w", err)
			}
			continue
		}

		seen[env.DeliveryID] = struct{}{}

		exists, err := q.client.Exists(ctx, q.leaseKey(env.DeliveryID)).Result()
		if err != nil {
			return requeued, fmt.Errorf("failed to check lease %s: %w", env.DeliveryID, err)
		}
		if exists > 0 {
			delete(r.suspects, env.DeliveryID)
			continue
		}

		if _, suspect := r.suspects[env.DeliveryID]; !suspect {
			r.suspects[env.DeliveryID] = struct{}{}
			continue
		}

		var removed *redis.IntCmd
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removed = pipe.LRem(ctx, q.processingKey(), 1, raw)
			pipe.RPush(ctx, q.pendingKey(), raw)
			return nil
		})
		if err != nil {
			return requeued, fmt.Errorf("failed to requeue delivery %s: %w", env.DeliveryID, err)
		}

		delete(r.suspects, env.DeliveryID)
		if removed.Val() == 0 {
			// Acked between LRANGE and the transaction; undo the push
			if err := q.client.LRem(ctx, q.pendingKey(), 1, raw).Err(); err != nil {
				r.logger.Error("Failed to undo requeue of delivery %s: %v", env.DeliveryID, err)
			}
			continue
		}

		requeued++
		metrics.QueueRedelivered.Inc()
		r.logger.InfoWithOrder(env.Job.OrderID, "Requeued delivery %s after lease expiry", env.DeliveryID)
	}

	for id := range r.suspects {
		if _, ok := seen[id]; !ok {
			delete(r.suspects, id)
		}
	}

	return requeued, nil
}
