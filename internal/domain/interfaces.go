package domain

import (
	"context"

	"collswap/internal/event"

	"github.com/shopspring/decimal"
)

// ApplyOutcome describes what UpsertFromChain did with an event.
type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "applied"
	OutcomeDuplicate ApplyOutcome = "duplicate"
	OutcomeParked    ApplyOutcome = "parked"   // no OrderPlaced seen yet
	OutcomeDeferred  ApplyOutcome = "deferred" // order reserved by a settlement
)

// OrderRepository is the Order Store. Every mutation is guarded by a
// compare-and-swap so concurrent writers never overwrite each other.
type OrderRepository interface {
	Create(ctx context.Context, order *Order) (string, error)
	Get(ctx context.Context, id string) (*Order, error)
	GetByChainID(ctx context.Context, onChainOrderID string) (*Order, error)
	List(ctx context.Context, filter OrderFilter) ([]Order, error)

	// FindCandidates returns OPEN orders selling collateralToken for
	// debtToken by ascending price, then ascending creation time.
	FindCandidates(ctx context.Context, collateralToken, debtToken string) ([]Order, error)

	// ApplyFill adds fill to the order iff its filled amount still equals
	// expectedFilled.
	ApplyFill(ctx context.Context, id string, fill, expectedFilled decimal.Decimal) (*Order, error)
	Cancel(ctx context.Context, id string) (*Order, error)

	// Two-phase settlement.
	Reserve(ctx context.Context, settlementID string, legs []MatchLeg) error
	CommitReservation(ctx context.Context, settlementID string, settled map[string]decimal.Decimal) ([]Order, error)
	ReleaseReservation(ctx context.Context, settlementID string) ([]Order, error)

	// Chain mirror.
	UpsertFromChain(ctx context.Context, ev event.Event) (*Order, ApplyOutcome, error)
	ResyncDeferred(ctx context.Context, onChainOrderIDs []string) (int, error)
	Replay(ctx context.Context) (int, error)
	LastSequence(ctx context.Context) (uint64, error)
	ContiguousSequence(ctx context.Context) (uint64, error)
	MarkSkipped(ctx context.Context, reason string, seqs ...uint64) error
}

// Settler submits a matched order set to the chain's settlement contract.
type Settler interface {
	Swap(ctx context.Context, req SettlementRequest) (*SettlementResult, error)
}

// EventFeed streams chain events into the sync inbox.
type EventFeed interface {
	Name() string
	Start(ctx context.Context, fromSeq uint64) error
	Stop()
}

// Backfiller fetches chain events from fromSeq onwards on demand, in
// sequence order.
type Backfiller interface {
	Fetch(ctx context.Context, fromSeq uint64) ([]event.Event, error)
}
