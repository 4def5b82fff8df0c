package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DispatchJob is the unit of work flowing through the dispatch queue.
// It is a point-in-time snapshot of the order taken by the scheduler.
type DispatchJob struct {
	OrderID               string          `json:"orderId" validate:"required"`
	UserID                string          `json:"userId" validate:"required"`
	WalletOwnerAddress    string          `json:"walletOwnerAddress" validate:"required,ethaddr"`
	DepositedTokenAddress string          `json:"depositedTokenAddress" validate:"required,ethaddr"`
	DesiredTokenAddress   string          `json:"desiredTokenAddress" validate:"required,ethaddr"`
	DepositedTokenAmount  decimal.Decimal `json:"depositedTokenAmount"`
	IsNativeETH           bool            `json:"isNativeETH"`
	Side                  Side            `json:"side" validate:"oneof=buy sell"`
	Frequency             int             `json:"frequency" validate:"gte=1"`
	UnitOfTime            TimeUnit        `json:"unitOfTime" validate:"oneof=HOURS DAYS WEEKS MONTHS"`
	RetryCount            int             `json:"retryCount" validate:"gte=0"`
	IsLimitOrder          bool            `json:"isLimitOrder"`
	EnqueuedAt            time.Time       `json:"enqueuedAt"`
}

// Validate checks the job payload before it is enqueued or executed
func (j DispatchJob) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("invalid dispatch job for order %s: %w", j.OrderID, err)
	}
	if !j.DepositedTokenAmount.IsPositive() {
		return fmt.Errorf("invalid dispatch job for order %s: amount must be greater than 0", j.OrderID)
	}
	return nil
}

// IsLastInstallment reports whether a success retires the order
func (j DispatchJob) IsLastInstallment() bool {
	return j.Frequency == 1
}

// Claim is the per-order exclusive in-queue marker. Once a worker consumes it,
// the claim stays behind as an execution lease until LeaseUntil.
type Claim struct {
	OrderID    string    `json:"orderId"`
	InQueue    bool      `json:"inQueue"`
	LeaseUntil time.Time `json:"leaseUntil,omitempty"`
}

// Leased reports whether a worker still holds the order at now
func (c Claim) Leased(now time.Time) bool {
	return !c.InQueue && now.Before(c.LeaseUntil)
}
