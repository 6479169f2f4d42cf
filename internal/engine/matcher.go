// Package engine holds the price-time matching algorithm. Match is a pure
// function over a candidate snapshot; nothing here writes to the store.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"collswap/internal/domain"
	"collswap/pkg/quant"

	"github.com/shopspring/decimal"
)

// Match consumes candidates in the order given and returns the fill
// breakdown. Candidates must already be in price-time priority; anything that
// is not an OPEN order selling req.TokenOut for req.TokenIn is ignored.
//
// When the matched output is below req.MinAmountOut the partial result is
// returned inside a *domain.LiquidityError.
func Match(candidates []domain.Order, req domain.MatchRequest) (*domain.MatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &domain.MatchResult{
		Request:  req,
		TotalIn:  decimal.Zero,
		TotalOut: decimal.Zero,
	}
	remainingIn := quant.Canonical(req.AmountIn)

	for i := range candidates {
		if !remainingIn.IsPositive() {
			break
		}
		o := &candidates[i]
		if !eligible(o, req) {
			continue
		}

		leg, ok := fillLeg(o, remainingIn)
		if !ok {
			continue
		}
		res.Legs = append(res.Legs, leg)
		res.TotalIn = res.TotalIn.Add(leg.FillIn)
		res.TotalOut = res.TotalOut.Add(leg.FillOut)
		remainingIn = remainingIn.Sub(leg.FillIn)
	}

	if res.TotalOut.Cmp(req.MinAmountOut) < 0 {
		return nil, &domain.LiquidityError{Partial: res}
	}
	return res, nil
}

func eligible(o *domain.Order, req domain.MatchRequest) bool {
	return o.IsOpen() &&
		strings.EqualFold(o.CollateralToken, req.TokenOut) &&
		strings.EqualFold(o.DebtToken, req.TokenIn) &&
		o.Price.IsPositive()
}

// fillLeg sizes one order's fill against the taker's remaining input.
// Both sides round down, so the taker never pays for collateral it does not
// receive and the maker never gives more than its price allows.
func fillLeg(o *domain.Order, remainingIn decimal.Decimal) (domain.MatchLeg, bool) {
	available := o.Available()
	if !available.IsPositive() {
		return domain.MatchLeg{}, false
	}

	maxCollateral := quant.MulDivFloor(remainingIn, quant.Scale, o.Price)
	fillOut := quant.Min(available, maxCollateral)
	if !fillOut.IsPositive() {
		return domain.MatchLeg{}, false
	}

	fillIn := quant.Min(quant.MulDivFloor(fillOut, o.Price, quant.Scale), remainingIn)
	if !fillIn.IsPositive() {
		return domain.MatchLeg{}, false
	}

	return domain.MatchLeg{
		OrderID:          o.ID,
		SettlementRef:    o.SettlementRef(),
		FillIn:           fillIn,
		FillOut:          quant.Canonical(fillOut),
		Price:            o.Price,
		ExpectedVersion:  o.Version,
		ExpectedFilled:   o.FilledAmount,
		ExpectedReserved: o.ReservedAmount,
	}, true
}

// Candidates is the read side of the Order Store the matcher needs.
type Candidates interface {
	FindCandidates(ctx context.Context, collateralToken, debtToken string) ([]domain.Order, error)
}

// Matcher runs Match against the current store snapshot.
type Matcher struct {
	repo   Candidates
	logger *slog.Logger
}

// NewMatcher creates a matcher backed by repo.
func NewMatcher(repo Candidates) *Matcher {
	return &Matcher{
		repo:   repo,
		logger: slog.Default().With("module", "matcher"),
	}
}

// Quote matches req against resting liquidity without reserving anything.
func (m *Matcher) Quote(ctx context.Context, req domain.MatchRequest) (*domain.MatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Resting orders sell tokenOut (collateral) for tokenIn (debt)
	candidates, err := m.repo.FindCandidates(ctx, req.TokenOut, req.TokenIn)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	res, err := Match(candidates, req)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Quote matched",
		slog.Int("candidates", len(candidates)),
		slog.Int("legs", len(res.Legs)),
		slog.String("total_in", res.TotalIn.String()),
		slog.String("total_out", res.TotalOut.String()))
	return res, nil
}
