package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementOrder is one order handed to the settlement contract.
type SettlementOrder struct {
	Ref    string          `json:"ref"`
	Amount decimal.Decimal `json:"amount"`
}

// SettlementRequest is what the bridge submits to the chain's swap entry point.
type SettlementRequest struct {
	ClientRef    string
	TokenIn      string
	TokenOut     string
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal
	Orders       []SettlementOrder
}

// SettlementResult is the contract's answer. Fills may be empty when the
// contract only reports totals.
type SettlementResult struct {
	TxHash           string
	NetAmountOut     decimal.Decimal
	TotalInputAmount decimal.Decimal
	Fills            []SettlementOrder
}

// SettledFill compares what matching computed with what was persisted.
type SettledFill struct {
	OrderID string          `json:"orderId"`
	Matched decimal.Decimal `json:"matched"`
	Settled decimal.Decimal `json:"settled"`
}

// SettlementReceipt is returned to the caller after a confirmed settlement.
type SettlementReceipt struct {
	SettlementID         string          `json:"settlementId"`
	TxHash               string          `json:"txHash"`
	Match                *MatchResult    `json:"match"`
	SwapNetAmountOut     decimal.Decimal `json:"swapNetAmountOut"`
	SwapTotalInputAmount decimal.Decimal `json:"swapTotalInputAmount"`
	Fills                []SettledFill   `json:"fills"`
	Discrepancies        int             `json:"discrepancies"`
	Duration             time.Duration   `json:"-"`
}

// ReservationStatus tracks a staged fill.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// FillReservation is one leg staged by the settlement bridge.
type FillReservation struct {
	ID           uint              `gorm:"primaryKey"`
	SettlementID string            `gorm:"not null;index"`
	OrderID      string            `gorm:"not null;index"`
	Amount       decimal.Decimal   `gorm:"type:text;not null"`
	Status       ReservationStatus `gorm:"not null;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
