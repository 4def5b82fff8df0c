package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryStatus is the user facing outcome of the latest execution
type HistoryStatus string

const (
	StatusCreated   HistoryStatus = "Created"
	StatusSuccess   HistoryStatus = "Success"
	StatusFailed    HistoryStatus = "Failed"
	StatusCompleted HistoryStatus = "Completed"
)

// Messages written to the status history
const (
	MessageCreated   = "Order was created successfully"
	MessageSuccess   = "Latest transaction was successful!"
	MessageCompleted = "Order completed successfully."
)

// StatusHistory is the single, overwritten status row kept per order
type StatusHistory struct {
	OrderID               string          `json:"orderId"`
	UserID                string          `json:"userId"`
	WalletOwnerAddress    string          `json:"walletOwnerAddress"`
	DepositedTokenAddress string          `json:"depositedTokenAddress"`
	DesiredTokenAddress   string          `json:"desiredTokenAddress"`
	DepositedTokenAmount  decimal.Decimal `json:"depositedTokenAmount"`
	IsNativeETH           bool            `json:"isNativeETH"`
	UnitOfTime            TimeUnit        `json:"unitOfTime"`
	Frequency             int             `json:"frequency"`
	IsLimitOrder          bool            `json:"isLimitOrder"`
	MarketCapTarget       decimal.Decimal `json:"marketCapTarget"`
	Status                HistoryStatus   `json:"status"`
	Message               string          `json:"message"`
	TransactionHash       string          `json:"transactionHash,omitempty"`
	LastUpdatedAt         time.Time       `json:"lastUpdatedAt"`
	NextUpdateAt          time.Time       `json:"nextUpdateAt"`
}

// HistoryFromOrder builds a history row describing the order as it stands
func HistoryFromOrder(o Order, status HistoryStatus, message string) StatusHistory {
	return StatusHistory{
		OrderID:               o.ID,
		UserID:                o.UserID,
		WalletOwnerAddress:    o.WalletOwnerAddress,
		DepositedTokenAddress: o.DepositedTokenAddress,
		DesiredTokenAddress:   o.DesiredTokenAddress,
		DepositedTokenAmount:  o.DepositedTokenAmount,
		IsNativeETH:           o.IsNativeETH,
		UnitOfTime:            o.UnitOfTime,
		Frequency:             o.Frequency,
		IsLimitOrder:          o.IsLimitOrder,
		MarketCapTarget:       o.MarketCapTarget,
		Status:                status,
		Message:               message,
		LastUpdatedAt:         o.LastUpdatedAt,
		NextUpdateAt:          o.NextUpdateAt,
	}
}

// HistoryFromJob builds a history row from the job snapshot, used when the
// order row is about to change or disappear
func HistoryFromJob(j DispatchJob, status HistoryStatus, message string) StatusHistory {
	return StatusHistory{
		OrderID:               j.OrderID,
		UserID:                j.UserID,
		WalletOwnerAddress:    j.WalletOwnerAddress,
		DepositedTokenAddress: j.DepositedTokenAddress,
		DesiredTokenAddress:   j.DesiredTokenAddress,
		DepositedTokenAmount:  j.DepositedTokenAmount,
		IsNativeETH:           j.IsNativeETH,
		UnitOfTime:            j.UnitOfTime,
		Frequency:             j.Frequency,
		IsLimitOrder:          j.IsLimitOrder,
		Status:                status,
		Message:               message,
	}
}
