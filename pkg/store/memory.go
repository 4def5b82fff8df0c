package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/models"
)

// Memory is an in-process OrderStore and Ledger with the same atomicity as the
// Postgres implementation. It is used by tests and local runs.
type Memory struct {
	mu      sync.Mutex
	orders  map[string]models.Order
	claims  map[string]models.Claim
	history map[string]models.StatusHistory
}

var (
	_ OrderStore = (*Memory)(nil)
	_ Ledger     = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		orders:  make(map[string]models.Order),
		claims:  make(map[string]models.Claim),
		history: make(map[string]models.StatusHistory),
	}
}

func (m *Memory) DueOrders(_ context.Context, now time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]models.Order, 0)
	for _, o := range m.orders {
		if o.IsDue(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextUpdateAt.Equal(due[j].NextUpdateAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextUpdateAt.Before(due[j].NextUpdateAt)
	})
	return due, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (m *Memory) CreateOrder(_ context.Context, order models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	m.orders[order.ID] = order
	return nil
}

func (m *Memory) AdvanceOrder(_ context.Context, id string, slice decimal.Decimal, now, next time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}

	if remaining := o.DepositedTokenAmount.Sub(slice); remaining.IsPositive() {
		o.DepositedTokenAmount = remaining
	}
	if o.Frequency > 1 {
		o.Frequency--
	}
	o.LastUpdatedAt = now
	o.NextUpdateAt = next
	o.RetryCount = 0
	m.orders[id] = o
	return &o, nil
}

func (m *Memory) CompleteOrder(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.Frequency != 1 {
		return false, nil
	}
	delete(m.orders, id)
	return true, nil
}

func (m *Memory) DeferOrder(_ context.Context, id string, next time.Time, retryCount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	o.NextUpdateAt = next
	o.RetryCount = retryCount
	m.orders[id] = o
	return true, nil
}

func (m *Memory) DeleteOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.orders, id)
	return nil
}

func (m *Memory) ApplyUpdate(_ context.Context, id string, update models.OrderUpdate) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	update.Apply(&o)
	m.orders[id] = o
	return &o, nil
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}

func (m *Memory) AcquireClaim(_ context.Context, orderID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, ok := m.claims[orderID]
	if ok && (claim.InQueue || claim.Leased(now)) {
		return false, nil
	}
	m.claims[orderID] = models.Claim{OrderID: orderID, InQueue: true}
	return true, nil
}

func (m *Memory) ConsumeClaim(_ context.Context, orderID string, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, ok := m.claims[orderID]
	if !ok || !claim.InQueue {
		return false, nil
	}
	m.claims[orderID] = models.Claim{OrderID: orderID, LeaseUntil: leaseUntil}
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if claim, ok := m.claims[orderID]; ok && !claim.InQueue {
		delete(m.claims, orderID)
	}
	return nil
}

func (m *Memory) ReleaseClaim(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claims, orderID)
	return nil
}

func (m *Memory) GetClaim(_ context.Context, orderID string) (*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, ok := m.claims[orderID]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", orderID, ErrNotFound)
	}
	return &claim, nil
}

// SetClaim forces a claim state, mirroring an idle (in_queue = false) row left behind by older deployments
func (m *Memory) SetClaim(orderID string, inQueue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[orderID] = models.Claim{OrderID: orderID, InQueue: inQueue}
}

func (m *Memory) PutHistory(_ context.Context, history models.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[history.OrderID] = history
	return nil
}

func (m *Memory) GetHistory(_ context.Context, orderID string) (*models.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.history[orderID]
	if !ok {
		return nil, fmt.Errorf("history %s: %w", orderID, ErrNotFound)
	}
	return &h, nil
}

func (m *Memory) ListHistoryByUser(_ context.Context, userID string) ([]models.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]models.StatusHistory, 0)
	for _, h := range m.history {
		if h.UserID == userID {
			rows = append(rows, h)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].LastUpdatedAt.After(rows[j].LastUpdatedAt)
	})
	return rows, nil
}

func (m *Memory) UpdateHistory(_ context.Context, orderID string, update models.OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.history[orderID]
	if !ok {
		return fmt.Errorf("history %s: %w", orderID, ErrNotFound)
	}
	update.ApplyHistory(&h)
	m.history[orderID] = h
	return nil
}

func (m *Memory) DeleteHistory(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.history, orderID)
	return nil
}
