// Package queue is the durable at-least-once dispatch queue between the scheduler and the workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/speedrun-hq/dcarunner/pkg/models"
)

// Delivery is one dequeued job. It must be acked once the job reached a terminal state.
type Delivery struct {
	ID  string
	Job models.DispatchJob

	// raw is the exact payload held by the backend, needed to remove it on ack
	raw string
}

// Queue is implemented by the Redis, SQS and in-memory backends
type Queue interface {
	Enqueue(ctx context.Context, job models.DispatchJob) error
	// Dequeue waits for the next job. It returns nil, nil when no job arrived in time.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, delivery *Delivery) error
	// Depth is the number of jobs waiting to be dequeued
	Depth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tracker reports whether a job for the order is queued or being processed
type Tracker interface {
	IsTracked(ctx context.Context, orderID string) (bool, error)
}

type envelope struct {
	DeliveryID string             `json:"deliveryId"`
	Job        models.DispatchJob `json:"job"`
}

func encodeEnvelope(id string, job models.DispatchJob) (string, error) {
	payload, err := json.Marshal(envelope{DeliveryID: id, Job: job})
	if err != nil {
		return "", fmt.Errorf("failed to encode job for order %s: %w", job.OrderID, err)
	}
	return string(payload), nil
}

func decodeEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return env, fmt.Errorf("failed to decode queued job: %w", err)
	}
	return env, nil
}
