package domain

import (
	"fmt"
	"strings"
	"time"

	"collswap/pkg/quant"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// OrderOrigin records where an order came from. It does not affect matching.
type OrderOrigin string

const (
	OriginManual        OrderOrigin = "MANUAL"
	OriginChainMirrored OrderOrigin = "CHAIN_MIRRORED"
)

// DefaultInterestRateMode is used when the creator does not pass one.
const DefaultInterestRateMode = "1"

// Order is a resting offer to sell CollateralToken for DebtToken at a fixed
// price. Amounts are integers in base units; Price is debt-per-collateral
// scaled by 10^18.
type Order struct {
	ID               string          `gorm:"primaryKey;size:36" json:"id"`
	OnChainOrderID   *string         `gorm:"uniqueIndex" json:"onChainOrderId,omitempty"`
	Owner            string          `gorm:"not null;index" json:"owner"`
	CollateralToken  string          `gorm:"not null;index:idx_candidates,priority:1" json:"collateralToken"`
	DebtToken        string          `gorm:"not null;index:idx_candidates,priority:2" json:"debtToken"`
	CollateralAmount decimal.Decimal `gorm:"type:text;not null" json:"collateralAmount"`
	Price            decimal.Decimal `gorm:"type:text;not null" json:"price"`
	PriceKey         string          `gorm:"not null;index:idx_candidates,priority:4" json:"-"`
	FilledAmount     decimal.Decimal `gorm:"type:text;not null" json:"filledAmount"`
	ReservedAmount   decimal.Decimal `gorm:"type:text;not null" json:"reservedAmount"`
	InterestRateMode string          `gorm:"not null;default:'1'" json:"interestRateMode"`
	Status           OrderStatus     `gorm:"not null;index:idx_candidates,priority:3" json:"status"`
	Origin           OrderOrigin     `gorm:"not null;index" json:"origin"`
	Version          int64           `gorm:"not null;default:0" json:"version"`

	// Chain mirror bookkeeping
	ChainSeq     uint64          `gorm:"not null;default:0" json:"chainSeq,omitempty"`
	ChainFilled  decimal.Decimal `gorm:"type:text;not null" json:"-"`
	SyncDeferred bool            `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `gorm:"index:idx_candidates,priority:5" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsOpen checks if the order is still resting.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

// Remaining returns collateral not yet filled.
func (o *Order) Remaining() decimal.Decimal {
	return o.CollateralAmount.Sub(o.FilledAmount)
}

// Available returns collateral neither filled nor reserved by an in-flight
// settlement.
func (o *Order) Available() decimal.Decimal {
	return o.CollateralAmount.Sub(o.FilledAmount).Sub(o.ReservedAmount)
}

// ChainID returns the on-chain id or "" for manual orders.
func (o *Order) ChainID() string {
	if o.OnChainOrderID == nil {
		return ""
	}
	return *o.OnChainOrderID
}

// SettlementRef is how the settlement contract refers to the order.
func (o *Order) SettlementRef() string {
	if id := o.ChainID(); id != "" {
		return id
	}
	return o.ID
}

// Normalize fills defaults and derived columns before a write.
func (o *Order) Normalize() {
	o.Owner = strings.TrimSpace(o.Owner)
	o.CollateralToken = strings.TrimSpace(o.CollateralToken)
	o.DebtToken = strings.TrimSpace(o.DebtToken)
	if o.InterestRateMode == "" {
		o.InterestRateMode = DefaultInterestRateMode
	}
	if o.Status == "" {
		o.Status = OrderStatusOpen
	}
	if o.Origin == "" {
		o.Origin = OriginManual
	}
	o.CollateralAmount = quant.Canonical(o.CollateralAmount)
	o.Price = quant.Canonical(o.Price)
	o.FilledAmount = quant.Canonical(o.FilledAmount)
	o.ReservedAmount = quant.Canonical(o.ReservedAmount)
	o.ChainFilled = quant.Canonical(o.ChainFilled)
	o.PriceKey = quant.PriceKey(o.Price)
}

// Validate checks the fields a creator controls.
func (o *Order) Validate() error {
	if o.Owner == "" {
		return NewValidationError("owner", "required")
	}
	if o.CollateralToken == "" {
		return NewValidationError("collateralToken", "required")
	}
	if o.DebtToken == "" {
		return NewValidationError("debtToken", "required")
	}
	if strings.EqualFold(o.CollateralToken, o.DebtToken) {
		return NewValidationError("debtToken", "must differ from collateralToken")
	}
	if !o.CollateralAmount.IsPositive() || !o.CollateralAmount.IsInteger() {
		return NewValidationError("collateralAmount", "must be a positive integer, got %s", o.CollateralAmount)
	}
	if !o.Price.IsPositive() || !o.Price.IsInteger() {
		return NewValidationError("price", "must be a positive integer, got %s", o.Price)
	}
	return o.CheckInvariant()
}

// CheckInvariant verifies the amount and status invariants.
func (o *Order) CheckInvariant() error {
	if o.FilledAmount.IsNegative() || o.ReservedAmount.IsNegative() {
		return fmt.Errorf("order %s: negative filled %s or reserved %s", o.ID, o.FilledAmount, o.ReservedAmount)
	}
	if o.FilledAmount.Add(o.ReservedAmount).Cmp(o.CollateralAmount) > 0 {
		return fmt.Errorf("order %s: filled %s + reserved %s exceeds collateral %s",
			o.ID, o.FilledAmount, o.ReservedAmount, o.CollateralAmount)
	}
	full := o.FilledAmount.Equal(o.CollateralAmount)
	if full != (o.Status == OrderStatusFilled) {
		return fmt.Errorf("order %s: status %s inconsistent with filled %s of %s",
			o.ID, o.Status, o.FilledAmount, o.CollateralAmount)
	}
	return nil
}

// OrderFilter narrows ListOrders. Empty fields match everything.
type OrderFilter struct {
	Owner           string
	CollateralToken string
	DebtToken       string
	Status          OrderStatus
	Origin          OrderOrigin
	Limit           int
}
