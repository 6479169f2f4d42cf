package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MatchRequest is a taker's swap: give AmountIn of TokenIn, receive at least
// MinAmountOut of TokenOut.
type MatchRequest struct {
	TokenIn      string          `json:"tokenIn"`
	TokenOut     string          `json:"tokenOut"`
	AmountIn     decimal.Decimal `json:"amountIn"`
	MinAmountOut decimal.Decimal `json:"minAmountOut"`
}

// Validate rejects malformed fill parameters.
func (r MatchRequest) Validate() error {
	if strings.TrimSpace(r.TokenIn) == "" {
		return NewValidationError("tokenIn", "required")
	}
	if strings.TrimSpace(r.TokenOut) == "" {
		return NewValidationError("tokenOut", "required")
	}
	if strings.EqualFold(r.TokenIn, r.TokenOut) {
		return NewValidationError("tokenOut", "must differ from tokenIn")
	}
	if !r.AmountIn.IsPositive() || !r.AmountIn.IsInteger() {
		return NewValidationError("amountIn", "must be a positive integer, got %s", r.AmountIn)
	}
	if r.MinAmountOut.IsNegative() || !r.MinAmountOut.IsInteger() {
		return NewValidationError("minAmountOut", "must be a non-negative integer, got %s", r.MinAmountOut)
	}
	return nil
}

// MatchLeg is one resting order's share of a match. FillIn is debt paid by the
// taker, FillOut is collateral received. ExpectedVersion, ExpectedFilled and
// ExpectedReserved are the order's state when the match was computed; the
// store rejects the leg if any of them moved, including a reprice.
type MatchLeg struct {
	OrderID          string          `json:"orderId"`
	SettlementRef    string          `json:"settlementRef"`
	FillIn           decimal.Decimal `json:"fillIn"`
	FillOut          decimal.Decimal `json:"fillOut"`
	Price            decimal.Decimal `json:"price"`
	ExpectedVersion  int64           `json:"-"`
	ExpectedFilled   decimal.Decimal `json:"-"`
	ExpectedReserved decimal.Decimal `json:"-"`
}

// MatchResult is a speculative match. Nothing in it has been persisted.
type MatchResult struct {
	Request  MatchRequest    `json:"-"`
	TotalIn  decimal.Decimal `json:"totalIn"`
	TotalOut decimal.Decimal `json:"totalOut"`
	Legs     []MatchLeg      `json:"matchDetails"`
}

// Empty reports whether no order was matched.
func (m *MatchResult) Empty() bool {
	return m == nil || len(m.Legs) == 0
}

// LiquidityError carries the partial breakdown of a match that fell short of
// minAmountOut.
type LiquidityError struct {
	Partial *MatchResult
}

func (e *LiquidityError) Error() string {
	return "insufficient liquidity: matched " + e.Partial.TotalOut.String() +
		" of required " + e.Partial.Request.MinAmountOut.String()
}

func (e *LiquidityError) IsRetriable() bool {
	return false
}

func (e *LiquidityError) Unwrap() error {
	return ErrInsufficientLiquidity
}
