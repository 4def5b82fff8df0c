package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/models"
)

// RedisConfig configures the Redis reliable queue
type RedisConfig struct {
	// Name prefixes every key used by the queue
	Name string
	// Lease is how long a dequeued job may stay unacked before the reaper requeues it
	Lease time.Duration
	// BlockTimeout bounds a single blocking dequeue
	BlockTimeout time.Duration
}

// Redis is a reliable queue: jobs move atomically from the pending list to the
// processing list on dequeue and leave it only on ack. A lease key per delivery
// lets the reaper find jobs whose worker died.
type Redis struct {
	client redis.UniversalClient
	config RedisConfig
	logger logger.Logger
}

var (
	_ Queue   = (*Redis)(nil)
	_ Tracker = (*Redis)(nil)
)

// NewRedis creates a Redis backed queue
func NewRedis(client redis.UniversalClient, config RedisConfig, log logger.Logger) *Redis {
	if config.Name == "" {
		config.Name = "dca-orders"
	}
	if config.Lease <= 0 {
		config.Lease = 15 * time.Minute
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 5 * time.Second
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Redis{client: client, config: config, logger: log}
}

func (q *Redis) pendingKey() string    { return q.config.Name + ":pending" }
func (q *Redis) processingKey() string { return q.config.Name + ":processing" }
func (q *Redis) trackedKey() string    { return q.config.Name + ":tracked" }
func (q *Redis) lockKey() string       { return q.config.Name + ":reaper" }

func (q *Redis) leaseKey(deliveryID string) string {
	return fmt.Sprintf("%s:lease:%s", q.config.Name, deliveryID)
}

// Enqueue pushes the job and marks its order as tracked in one transaction
func (q *Redis) Enqueue(ctx context.Context, job models.DispatchJob) error {
	raw, err := encodeEnvelope(uuid.NewString(), job)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.pendingKey(), raw)
		pipe.SAdd(ctx, q.trackedKey(), job.OrderID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job for order %s: %w", job.OrderID, err)
	}
	return nil
}

// Dequeue moves the oldest pending job to the processing list and starts its lease
func (q *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.config.BlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		// Poison payloads are dropped so they cannot block the processing list
		if remErr := q.client.LRem(ctx, q.processingKey(), 1, raw).Err(); remErr != nil {
			q.logger.Error("Failed to drop undecodable job: %v", remErr)
		}
		return nil, err
	}

	if err := q.client.Set(ctx, q.leaseKey(env.DeliveryID), "1", q.config.Lease).Err(); err != nil {
		q.logger.Error("Failed to start lease for delivery %s: %v", env.DeliveryID, err)
	}

	return &Delivery{ID: env.DeliveryID, Job: env.Job, raw: raw}, nil
}

// Ack removes the delivery from the processing list and untracks its order
func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, d.raw)
		pipe.SRem(ctx, q.trackedKey(), d.Job.OrderID)
		pipe.Del(ctx, q.leaseKey(d.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", d.ID, err)
	}
	return nil
}

func (q *Redis) IsTracked(ctx context.Context, orderID string) (bool, error) {
	tracked, err := q.client.SIsMember(ctx, q.trackedKey(), orderID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check tracked order %s: %w", orderID, err)
	}
	return tracked, nil
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller
func (q *Redis) Close() error {
	return nil
}
