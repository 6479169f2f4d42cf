// Package settlement drives a match through the two-phase settlement:
// reserve, call the chain gateway, then commit or roll back.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collswap/internal/domain"
	"collswap/internal/infra"
	"collswap/pkg/quant"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds one gateway call when none is configured.
const DefaultTimeout = 15 * time.Second

// Store is the part of the Order Store the bridge needs.
type Store interface {
	Reserve(ctx context.Context, settlementID string, legs []domain.MatchLeg) error
	CommitReservation(ctx context.Context, settlementID string, settled map[string]decimal.Decimal) ([]domain.Order, error)
	ReleaseReservation(ctx context.Context, settlementID string) ([]domain.Order, error)
	ResyncDeferred(ctx context.Context, onChainOrderIDs []string) (int, error)
}

// Bridge settles matches. It never commits a fill before the gateway result
// is known.
type Bridge struct {
	store   Store
	settler domain.Settler
	timeout time.Duration
	metrics *infra.Metrics
	logger  *slog.Logger
	newID   func() string
}

// NewBridge creates a bridge. A non-positive timeout uses DefaultTimeout.
func NewBridge(store Store, settler domain.Settler, timeout time.Duration, metrics *infra.Metrics) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Bridge{
		store:   store,
		settler: settler,
		timeout: timeout,
		metrics: metrics,
		logger:  slog.Default().With("module", "settlement"),
		newID:   uuid.NewString,
	}
}

// Settle reserves every leg of match, submits it and commits the result.
// A conflict during reservation returns ErrConcurrencyConflict with nothing
// staged. A gateway failure or timeout releases the reservation and returns
// a *domain.SettlementError.
func (b *Bridge) Settle(ctx context.Context, match *domain.MatchResult) (*domain.SettlementReceipt, error) {
	if match.Empty() {
		return nil, domain.NewValidationError("match", "nothing to settle")
	}

	id := b.newID()
	start := time.Now()
	log := b.logger.With(slog.String("settlement_id", id))

	if err := b.store.Reserve(ctx, id, match.Legs); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			b.metrics.RecordConflict()
		}
		return nil, fmt.Errorf("reserve fills: %w", err)
	}
	log.Info("Fills reserved", slog.Int("legs", len(match.Legs)), slog.String("total_out", match.TotalOut.String()))

	// Resolution must finish even if the caller goes away
	bg := context.WithoutCancel(ctx)

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	res, err := b.settler.Swap(callCtx, buildRequest(id, match))
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err == nil && res == nil {
		err = errors.New("gateway returned no result")
	}

	if err != nil {
		released, rerr := b.store.ReleaseReservation(bg, id)
		if rerr != nil {
			log.Error("Release after failed settlement did not complete", slog.Any("error", rerr))
		}
		b.resync(bg, released)
		b.metrics.RecordSettlement(false, time.Since(start))

		reason := "gateway rejected swap"
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			timedOut = true
			reason = "gateway call exceeded " + b.timeout.String()
		}
		log.Warn("Settlement rolled back", slog.String("reason", reason), slog.Any("error", err))
		return nil, &domain.SettlementError{SettlementID: id, Reason: reason, Timeout: timedOut, Err: err}
	}

	settled, fills, discrepancies := reconcile(log, match, res)
	if res.NetAmountOut.IsPositive() && !res.NetAmountOut.Equal(match.TotalOut) {
		log.Warn("Gateway net output differs from match total",
			slog.String("net_amount_out", res.NetAmountOut.String()),
			slog.String("total_out", match.TotalOut.String()))
	}

	committed, err := b.store.CommitReservation(bg, id, settled)
	if err != nil {
		// The chain already traded; the reservation stays pending so the
		// capacity cannot be matched again before an operator replays.
		log.Error("CRITICAL: commit failed after confirmed settlement",
			slog.String("tx_hash", res.TxHash), slog.Any("error", err))
		b.metrics.RecordSettlement(false, time.Since(start))
		return nil, fmt.Errorf("commit settlement %s (tx %s): %w", id, res.TxHash, err)
	}
	b.resync(bg, committed)

	elapsed := time.Since(start)
	b.metrics.RecordSettlement(true, elapsed)
	b.metrics.RecordDiscrepancies(discrepancies)
	log.Info("✅ Settlement committed",
		slog.String("tx_hash", res.TxHash),
		slog.Int("legs", len(committed)),
		slog.Int("discrepancies", discrepancies),
		slog.Duration("elapsed", elapsed))

	return &domain.SettlementReceipt{
		SettlementID:         id,
		TxHash:               res.TxHash,
		Match:                match,
		SwapNetAmountOut:     res.NetAmountOut,
		SwapTotalInputAmount: res.TotalInputAmount,
		Fills:                fills,
		Discrepancies:        discrepancies,
		Duration:             elapsed,
	}, nil
}

func buildRequest(id string, match *domain.MatchResult) domain.SettlementRequest {
	orders := make([]domain.SettlementOrder, 0, len(match.Legs))
	for _, leg := range match.Legs {
		orders = append(orders, domain.SettlementOrder{Ref: leg.SettlementRef, Amount: leg.FillOut})
	}
	return domain.SettlementRequest{
		ClientRef:    id,
		TokenIn:      match.Request.TokenIn,
		TokenOut:     match.Request.TokenOut,
		AmountIn:     match.TotalIn,
		MinAmountOut: match.Request.MinAmountOut,
		Orders:       orders,
	}
}

// reconcile decides what is persisted per order. Per-order amounts reported
// by the gateway win, capped at what was reserved; without them the match
// stands. The returned count is the number of legs that disagree.
func reconcile(log *slog.Logger, match *domain.MatchResult, res *domain.SettlementResult) (map[string]decimal.Decimal, []domain.SettledFill, int) {
	settled := make(map[string]decimal.Decimal, len(match.Legs))
	fills := make([]domain.SettledFill, 0, len(match.Legs))

	var reported map[string]decimal.Decimal
	if len(res.Fills) > 0 {
		reported = make(map[string]decimal.Decimal, len(res.Fills))
		for _, f := range res.Fills {
			reported[f.Ref] = reported[f.Ref].Add(f.Amount)
		}
	}

	discrepancies := 0
	for _, leg := range match.Legs {
		amount := leg.FillOut
		if reported != nil {
			amount = quant.Max(quant.Min(reported[leg.SettlementRef], leg.FillOut), decimal.Zero)
			if got := reported[leg.SettlementRef]; !got.Equal(leg.FillOut) {
				discrepancies++
				log.Warn("Settled amount differs from match",
					slog.String("order", leg.OrderID),
					slog.String("matched", leg.FillOut.String()),
					slog.String("reported", got.String()))
			}
		}
		amount = quant.Canonical(amount)
		settled[leg.OrderID] = amount
		fills = append(fills, domain.SettledFill{OrderID: leg.OrderID, Matched: leg.FillOut, Settled: amount})
	}
	return settled, fills, discrepancies
}

func (b *Bridge) resync(ctx context.Context, orders []domain.Order) {
	var ids []string
	for i := range orders {
		if orders[i].SyncDeferred && orders[i].ChainID() != "" {
			ids = append(ids, orders[i].ChainID())
		}
	}
	if len(ids) == 0 {
		return
	}
	n, err := b.store.ResyncDeferred(ctx, ids)
	if err != nil {
		b.logger.Error("Deferred chain updates not re-applied", slog.Any("error", err))
		return
	}
	b.logger.Info("Deferred chain updates re-applied", slog.Int("orders", n))
}
