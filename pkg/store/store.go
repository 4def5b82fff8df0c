// Package store defines the durable state shared by the scheduler and the workers:
// the order store and the order status ledger (claims and status history).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/models"
)

// ErrNotFound is returned when the requested row does not exist
var ErrNotFound = errors.New("not found")

// OrderStore holds the orders. Every mutation is a single atomic row operation.
type OrderStore interface {
	// DueOrders returns the orders whose nextUpdateAt is not after now, oldest first
	DueOrders(ctx context.Context, now time.Time) ([]models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	CreateOrder(ctx context.Context, order models.Order) error

	// AdvanceOrder records a successful installment against the stored row, whatever
	// was edited while the job ran. Frequency is decremented while above 1 and the slice
	// is subtracted while the remainder stays positive. A nil order means it no longer exists.
	AdvanceOrder(ctx context.Context, id string, slice decimal.Decimal, now, next time.Time) (*models.Order, error)

	// CompleteOrder deletes the order if it is on its last installment
	CompleteOrder(ctx context.Context, id string) (bool, error)

	// DeferOrder pushes nextUpdateAt back and stores the new retry count, leaving frequency untouched
	DeferOrder(ctx context.Context, id string, next time.Time, retryCount int) (bool, error)

	DeleteOrder(ctx context.Context, id string) error
	ApplyUpdate(ctx context.Context, id string, update models.OrderUpdate) (*models.Order, error)
	Ping(ctx context.Context) error
}

// Ledger holds the per-order claim and the status history row
type Ledger interface {
	// AcquireClaim marks the order as queued. It reports true only when this call
	// moved the claim from absent or idle to in-queue. A claim leased past now is not idle.
	AcquireClaim(ctx context.Context, orderID string, now time.Time) (bool, error)

	// ConsumeClaim turns an in-queue claim into an execution lease held until leaseUntil.
	// It reports false, and changes nothing, when the claim is not in-queue.
	ConsumeClaim(ctx context.Context, orderID string, leaseUntil time.Time) (bool, error)

	// ReleaseLease deletes the claim unless it is in-queue
	ReleaseLease(ctx context.Context, orderID string) error

	// ReleaseClaim deletes the claim whatever its state
	ReleaseClaim(ctx context.Context, orderID string) error

	GetClaim(ctx context.Context, orderID string) (*models.Claim, error)

	// PutHistory creates or overwrites the single history row of the order
	PutHistory(ctx context.Context, history models.StatusHistory) error
	GetHistory(ctx context.Context, orderID string) (*models.StatusHistory, error)
	ListHistoryByUser(ctx context.Context, userID string) ([]models.StatusHistory, error)
	UpdateHistory(ctx context.Context, orderID string, update models.OrderUpdate) error
	DeleteHistory(ctx context.Context, orderID string) error
}
