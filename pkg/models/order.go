package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeUnit is the cadence between two installments of an order
type TimeUnit string

const (
	Hours  TimeUnit = "HOURS"
	Days   TimeUnit = "DAYS"
	Weeks  TimeUnit = "WEEKS"
	Months TimeUnit = "MONTHS"
)

// ErrInvalidTimeUnit is returned for cadence values outside HOURS/DAYS/WEEKS/MONTHS
var ErrInvalidTimeUnit = errors.New("invalid unit of time")

// ParseTimeUnit parses a cadence unit, ignoring case
func ParseTimeUnit(s string) (TimeUnit, error) {
	u := TimeUnit(strings.ToUpper(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeUnit, s)
	}
	return u, nil
}

// Valid reports whether the unit is one of the supported cadences
func (u TimeUnit) Valid() bool {
	switch u {
	case Hours, Days, Weeks, Months:
		return true
	}
	return false
}

// Next returns t advanced by one unit, in UTC
func (u TimeUnit) Next(t time.Time) (time.Time, error) {
	t = t.UTC()
	switch u {
	case Hours:
		return t.Add(time.Hour), nil
	case Days:
		return t.AddDate(0, 0, 1), nil
	case Weeks:
		return t.AddDate(0, 0, 7), nil
	case Months:
		return t.AddDate(0, 1, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeUnit, string(u))
}

// Side is the direction of the swap
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ErrInvalidSide is returned for sides other than buy or sell
var ErrInvalidSide = errors.New("invalid order side")

// ParseSide parses an order side, ignoring case. Empty means buy.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case "", Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Path returns the execution gateway route for the side
func (s Side) Path() string {
	if s == Sell {
		return "/order/sell"
	}
	return "/order/buy"
}

// Order is a recurring (DCA) or one-shot swap registered by a user
type Order struct {
	ID                    string          `json:"orderId"`
	UserID                string          `json:"userId" validate:"required"`
	WalletOwnerAddress    string          `json:"walletOwnerAddress" validate:"required,ethaddr"`
	DepositedTokenAddress string          `json:"depositedTokenAddress" validate:"required,ethaddr"`
	DesiredTokenAddress   string          `json:"desiredTokenAddress" validate:"required,ethaddr"`
	DepositedTokenAmount  decimal.Decimal `json:"depositedTokenAmount"`
	IsNativeETH           bool            `json:"isNativeETH"`
	UnitOfTime            TimeUnit        `json:"unitOfTime" validate:"oneof=HOURS DAYS WEEKS MONTHS"`
	Frequency             int             `json:"frequency" validate:"gte=1"`
	Side                  Side            `json:"side" validate:"oneof=buy sell"`
	IsLimitOrder          bool            `json:"isLimitOrder"`
	MarketCapTarget       decimal.Decimal `json:"marketCapTarget"`
	RetryCount            int             `json:"retryCount" validate:"gte=0"`
	CreatedAt             time.Time       `json:"createdAt"`
	LastUpdatedAt         time.Time       `json:"lastUpdatedAt"`
	NextUpdateAt          time.Time       `json:"nextUpdateAt"`
}

// InstallmentAmount is the slice of the remaining deposit swapped by one installment
func (o Order) InstallmentAmount() decimal.Decimal {
	if o.Frequency <= 1 {
		return o.DepositedTokenAmount
	}
	return o.DepositedTokenAmount.Div(decimal.NewFromInt(int64(o.Frequency)))
}

// IsDue reports whether the order should be considered by a sweep at now
func (o Order) IsDue(now time.Time) bool {
	return !o.NextUpdateAt.After(now)
}

// DispatchJob snapshots the order into a queue job
func (o Order) DispatchJob(now time.Time) DispatchJob {
	return DispatchJob{
		OrderID:               o.ID,
		UserID:                o.UserID,
		WalletOwnerAddress:    o.WalletOwnerAddress,
		DepositedTokenAddress: o.DepositedTokenAddress,
		DesiredTokenAddress:   o.DesiredTokenAddress,
		DepositedTokenAmount:  o.InstallmentAmount(),
		IsNativeETH:           o.IsNativeETH,
		Side:                  o.Side,
		Frequency:             o.Frequency,
		UnitOfTime:            o.UnitOfTime,
		RetryCount:            o.RetryCount,
		IsLimitOrder:          o.IsLimitOrder,
		EnqueuedAt:            now.UTC(),
	}
}

// Validate checks the order fields
func (o Order) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid order: %w", err)
	}
	if !o.DepositedTokenAmount.IsPositive() {
		return fmt.Errorf("invalid order: depositedTokenAmount must be greater than 0")
	}
	if o.IsLimitOrder && !o.MarketCapTarget.IsPositive() {
		return fmt.Errorf("invalid order: marketCapTarget must be greater than 0 for limit orders")
	}
	return nil
}
