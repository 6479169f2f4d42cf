// Package event defines the on-chain order lifecycle events consumed by the
// chain mirror. Each kind is its own type; consumers switch on the concrete
// type and treat anything else as unknown.
package event

import "github.com/shopspring/decimal"

// Type names an event kind on the wire.
type Type string

const (
	TypeOrderPlaced    Type = "OrderPlaced"
	TypeOrderUpdated   Type = "OrderUpdated"
	TypeOrderCancelled Type = "OrderCancelled"
	TypeOrderTraded    Type = "OrderTraded"
)

// Event is implemented by every chain event.
type Event interface {
	GetSeq() uint64
	GetType() Type
	ChainOrderID() string
}

// BaseEvent carries the fields shared by all events. Seq is the chain's
// monotonic sequence number; Ts is unix milliseconds.
type BaseEvent struct {
	Seq            uint64
	Ts             int64
	OnChainOrderID string
}

func (b BaseEvent) GetSeq() uint64       { return b.Seq }
func (b BaseEvent) ChainOrderID() string { return b.OnChainOrderID }

// OrderPlaced announces a new on-chain order.
type OrderPlaced struct {
	BaseEvent
	Owner            string
	CollateralToken  string
	DebtToken        string
	CollateralAmount decimal.Decimal
	Price            decimal.Decimal
	InterestRateMode string
}

func (*OrderPlaced) GetType() Type { return TypeOrderPlaced }

// OrderUpdated reprices an order.
type OrderUpdated struct {
	BaseEvent
	NewPrice decimal.Decimal
}

func (*OrderUpdated) GetType() Type { return TypeOrderUpdated }

// OrderCancelled withdraws an order.
type OrderCancelled struct {
	BaseEvent
}

func (*OrderCancelled) GetType() Type { return TypeOrderCancelled }

// OrderTraded reports collateral traded against an order on-chain.
type OrderTraded struct {
	BaseEvent
	TradedAmount decimal.Decimal
}

func (*OrderTraded) GetType() Type { return TypeOrderTraded }
