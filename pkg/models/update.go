package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnknownUpdate is returned by stores that receive an update variant they do not handle
var ErrUnknownUpdate = errors.New("unknown order update")

// OrderUpdate changes exactly one user editable field of an order.
// The set of variants is closed; see the types below.
type OrderUpdate interface {
	// Field is the name of the updated field as exposed to users
	Field() string
	Validate() error
	// Apply mutates the order in place
	Apply(o *Order)
	// ApplyHistory mirrors the change on the status history row
	ApplyHistory(h *StatusHistory)

	sealed()
}

// DepositAmountUpdate replaces the remaining deposit amount
type DepositAmountUpdate struct {
	Amount decimal.Decimal
}

// DesiredTokenUpdate replaces the token bought by the order
type DesiredTokenUpdate struct {
	Address string
}

// FrequencyUpdate replaces the number of remaining installments
type FrequencyUpdate struct {
	Frequency int
}

// CadenceUpdate replaces the time unit between installments
type CadenceUpdate struct {
	Unit TimeUnit
}

// MarketCapTargetUpdate replaces the limit order trigger
type MarketCapTargetUpdate struct {
	Target decimal.Decimal
}

var (
	_ OrderUpdate = DepositAmountUpdate{}
	_ OrderUpdate = DesiredTokenUpdate{}
	_ OrderUpdate = FrequencyUpdate{}
	_ OrderUpdate = CadenceUpdate{}
	_ OrderUpdate = MarketCapTargetUpdate{}
)

func (DepositAmountUpdate) sealed()   {}
func (DesiredTokenUpdate) sealed()    {}
func (FrequencyUpdate) sealed()       {}
func (CadenceUpdate) sealed()         {}
func (MarketCapTargetUpdate) sealed() {}

func (DepositAmountUpdate) Field() string   { return "depositedTokenAmount" }
func (DesiredTokenUpdate) Field() string    { return "desiredToken" }
func (FrequencyUpdate) Field() string       { return "frequency" }
func (CadenceUpdate) Field() string         { return "unitOfTime" }
func (MarketCapTargetUpdate) Field() string { return "marketCapTarget" }

func (u DepositAmountUpdate) Validate() error {
	if !u.Amount.IsPositive() {
		return fmt.Errorf("depositedTokenAmount must be greater than 0")
	}
	return nil
}

func (u DesiredTokenUpdate) Validate() error {
	if !IsAddress(u.Address) {
		return fmt.Errorf("invalid desired token address: %s", u.Address)
	}
	return nil
}

func (u FrequencyUpdate) Validate() error {
	if u.Frequency <= 0 {
		return fmt.Errorf("frequency must be greater than 0")
	}
	return nil
}

func (u CadenceUpdate) Validate() error {
	if !u.Unit.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTimeUnit, string(u.Unit))
	}
	return nil
}

func (u MarketCapTargetUpdate) Validate() error {
	if !u.Target.IsPositive() {
		return fmt.Errorf("marketCapTarget must be greater than 0")
	}
	return nil
}

func (u DepositAmountUpdate) Apply(o *Order)   { o.DepositedTokenAmount = u.Amount }
func (u DesiredTokenUpdate) Apply(o *Order)    { o.DesiredTokenAddress = u.Address }
func (u FrequencyUpdate) Apply(o *Order)       { o.Frequency = u.Frequency }
func (u CadenceUpdate) Apply(o *Order)         { o.UnitOfTime = u.Unit }
func (u MarketCapTargetUpdate) Apply(o *Order) { o.MarketCapTarget = u.Target }

func (u DepositAmountUpdate) ApplyHistory(h *StatusHistory)   { h.DepositedTokenAmount = u.Amount }
func (u DesiredTokenUpdate) ApplyHistory(h *StatusHistory)    { h.DesiredTokenAddress = u.Address }
func (u FrequencyUpdate) ApplyHistory(h *StatusHistory)       { h.Frequency = u.Frequency }
func (u CadenceUpdate) ApplyHistory(h *StatusHistory)         { h.UnitOfTime = u.Unit }
func (u MarketCapTargetUpdate) ApplyHistory(h *StatusHistory) { h.MarketCapTarget = u.Target }
