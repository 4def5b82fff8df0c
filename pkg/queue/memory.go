package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/dcarunner/pkg/models"
)

// Memory is an in-process queue with the same tracking contract as the Redis backend
type Memory struct {
	mu       sync.Mutex
	jobs     chan *Delivery
	tracked  map[string]int
	inFlight map[string]*Delivery
	wait     time.Duration
	closed   bool
}

var (
	_ Queue   = (*Memory)(nil)
	_ Tracker = (*Memory)(nil)
)

// NewMemory creates a queue holding up to capacity jobs. Dequeue waits at most wait for a job.
func NewMemory(capacity int, wait time.Duration) *Memory {
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	return &Memory{
		jobs:     make(chan *Delivery, capacity),
		tracked:  make(map[string]int),
		inFlight: make(map[string]*Delivery),
		wait:     wait,
	}
}

func (m *Memory) Enqueue(_ context.Context, job models.DispatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("queue is closed")
	}

	d := &Delivery{ID: uuid.NewString(), Job: job}
	select {
	case m.jobs <- d:
	default:
		return fmt.Errorf("queue is full")
	}
	m.tracked[job.OrderID]++
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-m.jobs:
		if !ok {
			return nil, nil
		}
		m.mu.Lock()
		m.inFlight[d.ID] = d
		m.mu.Unlock()
		return d, nil
	}
}

// Redeliver puts an unacked delivery back on the queue, as a lease expiry would.
// A full queue leaves the delivery in flight and returns an error.
func (m *Memory) Redeliver(d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inFlight[d.ID]; !ok || m.closed {
		return nil
	}
	select {
	case m.jobs <- d:
	default:
		return fmt.Errorf("queue is full")
	}
	delete(m.inFlight, d.ID)
	return nil
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inFlight[d.ID]; !ok {
		return nil
	}
	delete(m.inFlight, d.ID)

	orderID := d.Job.OrderID
	if m.tracked[orderID] <= 1 {
		delete(m.tracked, orderID)
	} else {
		m.tracked[orderID]--
	}
	return nil
}

func (m *Memory) IsTracked(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracked[orderID] > 0, nil
}

func (m *Memory) Depth(_ context.Context) (int64, error) {
	return int64(len(m.jobs)), nil
}

// InFlight returns the number of dequeued, unacked deliveries
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.jobs)
	}
	return nil
}
