package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collswap/internal/domain"
	"collswap/internal/event"
	"collswap/pkg/quant"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChainEventRecord is the append-only log of every chain event received.
// Seq is the chain's sequence number, so a redelivered event is a no-op.
type ChainEventRecord struct {
	Seq            uint64 `gorm:"primaryKey;autoIncrement:false"`
	OnChainOrderID string `gorm:"not null;index"`
	Type           string `gorm:"not null"`
	Payload        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

// TableName pins the table name.
func (ChainEventRecord) TableName() string {
	return "chain_events"
}

// SkippedSequence marks a chain sequence number that will never reach the
// event log, so the backfill cursor can move past it.
type SkippedSequence struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Reason    string `gorm:"not null"`
	CreatedAt time.Time
}

// TableName pins the table name.
func (SkippedSequence) TableName() string {
	return "chain_skipped"
}

// chainView is the order state implied by the event log, folded in
// sequence order.
type chainView struct {
	placed    *event.OrderPlaced
	price     decimal.Decimal
	cancelled bool
	traded    decimal.Decimal
	lastSeq   uint64
}

// UpsertFromChain logs ev and re-projects its order. The projection folds the
// whole log for the order by sequence number, so arrival order and
// redelivery do not change the result.
func (s *Storage) UpsertFromChain(ctx context.Context, ev event.Event) (*domain.Order, domain.ApplyOutcome, error) {
	payload, err := event.Encode(ev)
	if err != nil {
		return nil, "", err
	}

	var (
		out     *domain.Order
		outcome domain.ApplyOutcome
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ChainEventRecord
		err := tx.First(&existing, "seq = ?", ev.GetSeq()).Error
		switch {
		case err == nil:
			if existing.Payload != string(payload) {
				s.logger.Warn("Conflicting payload for known sequence, keeping first",
					slog.Uint64("seq", ev.GetSeq()),
					slog.String("order", ev.ChainOrderID()))
			}
			outcome = domain.OutcomeDuplicate
			out, _ = findOrder(tx, "on_chain_order_id = ?", ev.ChainOrderID())
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		rec := ChainEventRecord{
			Seq:            ev.GetSeq(),
			OnChainOrderID: ev.ChainOrderID(),
			Type:           string(ev.GetType()),
			Payload:        string(payload),
			CreatedAt:      s.now(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("log chain event %d: %w", ev.GetSeq(), err)
		}

		out, outcome, err = s.project(tx, ev.ChainOrderID())
		return err
	})
	return out, outcome, err
}

func (s *Storage) fold(tx *gorm.DB, onChainOrderID string) (*chainView, error) {
	var recs []ChainEventRecord
	if err := tx.Where("on_chain_order_id = ?", onChainOrderID).Order("seq ASC").Find(&recs).Error; err != nil {
		return nil, err
	}

	view := &chainView{traded: decimal.Zero}
	for _, rec := range recs {
		ev, err := event.Decode([]byte(rec.Payload))
		if err != nil {
			// Only decodable events are ever logged
			return nil, fmt.Errorf("corrupt chain event %d: %w", rec.Seq, err)
		}
		switch e := ev.(type) {
		case *event.OrderPlaced:
			if view.placed == nil {
				view.placed = e
				view.price = e.Price
			}
		case *event.OrderUpdated:
			view.price = e.NewPrice
		case *event.OrderCancelled:
			view.cancelled = true
		case *event.OrderTraded:
			view.traded = view.traded.Add(e.TradedAmount)
		}
		view.lastSeq = rec.Seq
	}
	return view, nil
}

// project applies the folded chain view to the order row.
func (s *Storage) project(tx *gorm.DB, onChainOrderID string) (*domain.Order, domain.ApplyOutcome, error) {
	view, err := s.fold(tx, onChainOrderID)
	if err != nil {
		return nil, "", err
	}
	if view.placed == nil {
		return nil, domain.OutcomeParked, nil
	}

	o, err := findOrder(tx, "on_chain_order_id = ?", onChainOrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		o, err = s.insertMirrored(tx, onChainOrderID, view)
		return o, domain.OutcomeApplied, err
	}
	if err != nil {
		return nil, "", err
	}

	if o.ReservedAmount.IsPositive() {
		// A settlement is in flight; re-projected once it resolves
		if !o.SyncDeferred {
			if err := s.casUpdate(tx, o, map[string]any{"sync_deferred": true}); err != nil {
				return nil, "", err
			}
			o.SyncDeferred = true
		}
		return o, domain.OutcomeDeferred, nil
	}

	if !o.CollateralAmount.Equal(view.placed.CollateralAmount) {
		s.logger.Warn("Chain collateral differs from stored order, keeping stored amount",
			slog.String("order", o.ID),
			slog.String("stored", o.CollateralAmount.String()),
			slog.String("chain", view.placed.CollateralAmount.String()))
	}

	fields := map[string]any{
		"chain_seq":     view.lastSeq,
		"chain_filled":  quant.Canonical(view.traded).String(),
		"sync_deferred": false,
	}
	if o.IsOpen() {
		if !o.Price.Equal(view.price) {
			o.Price = view.price
			o.PriceKey = quant.PriceKey(view.price)
			fields["price"] = o.Price.String()
			fields["price_key"] = o.PriceKey
		}
		chainFilled := quant.Min(view.traded, o.CollateralAmount)
		if chainFilled.Cmp(o.FilledAmount) > 0 {
			o.FilledAmount = quant.Canonical(chainFilled)
			fields["filled_amount"] = o.FilledAmount.String()
		}
		switch {
		case o.FilledAmount.Equal(o.CollateralAmount):
			o.Status = domain.OrderStatusFilled
		case view.cancelled:
			o.Status = domain.OrderStatusCancelled
		}
		fields["status"] = o.Status
	}
	o.ChainSeq = view.lastSeq
	o.ChainFilled = quant.Canonical(view.traded)
	o.SyncDeferred = false

	if err := s.casUpdate(tx, o, fields); err != nil {
		return nil, "", err
	}
	return o, domain.OutcomeApplied, nil
}

func (s *Storage) insertMirrored(tx *gorm.DB, onChainOrderID string, view *chainView) (*domain.Order, error) {
	p := view.placed
	id := onChainOrderID
	created := s.now()
	if p.Ts > 0 {
		created = time.UnixMilli(p.Ts).UTC()
	}

	o := &domain.Order{
		ID:               uuid.NewString(),
		OnChainOrderID:   &id,
		Owner:            p.Owner,
		CollateralToken:  p.CollateralToken,
		DebtToken:        p.DebtToken,
		CollateralAmount: p.CollateralAmount,
		Price:            view.price,
		FilledAmount:     quant.Min(view.traded, p.CollateralAmount),
		ReservedAmount:   decimal.Zero,
		InterestRateMode: p.InterestRateMode,
		Origin:           domain.OriginChainMirrored,
		ChainSeq:         view.lastSeq,
		ChainFilled:      view.traded,
		CreatedAt:        created,
		UpdatedAt:        s.now(),
	}
	switch {
	case o.FilledAmount.Equal(o.CollateralAmount):
		o.Status = domain.OrderStatusFilled
	case view.cancelled:
		o.Status = domain.OrderStatusCancelled
	default:
		o.Status = domain.OrderStatusOpen
	}
	o.Normalize()
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("mirror chain order %s: %w", onChainOrderID, err)
	}
	if err := tx.Create(o).Error; err != nil {
		return nil, fmt.Errorf("mirror chain order %s: %w", onChainOrderID, err)
	}
	return o, nil
}

// ResyncDeferred re-projects orders whose chain updates waited on a
// settlement. A nil slice means every deferred order.
func (s *Storage) ResyncDeferred(ctx context.Context, onChainOrderIDs []string) (int, error) {
	ids := onChainOrderIDs
	if ids == nil {
		if err := s.db.WithContext(ctx).Model(&domain.Order{}).
			Where("sync_deferred = ? AND on_chain_order_id IS NOT NULL", true).
			Pluck("on_chain_order_id", &ids).Error; err != nil {
			return 0, err
		}
	}

	applied := 0
	for _, id := range ids {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, outcome, err := s.project(tx, id)
			if err == nil && outcome == domain.OutcomeApplied {
				applied++
			}
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("resync %s: %w", id, err)
		}
	}
	return applied, nil
}

// Replay re-projects every order present in the chain event log.
func (s *Storage) Replay(ctx context.Context) (int, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&ChainEventRecord{}).
		Distinct().Order("on_chain_order_id").
		Pluck("on_chain_order_id", &ids).Error; err != nil {
		return 0, err
	}
	return s.ResyncDeferred(ctx, ids)
}

// LastSequence returns the highest chain sequence number logged.
func (s *Storage) LastSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.WithContext(ctx).Model(&ChainEventRecord{}).
		Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error
	return seq, err
}

// ContiguousSequence returns the highest N such that every sequence 1..N is
// either logged or marked skipped. It is 0 until sequence 1 is seen.
func (s *Storage) ContiguousSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.WithContext(ctx).Raw(`
WITH seen AS (
	SELECT seq FROM chain_events
	UNION
	SELECT seq FROM chain_skipped
)
SELECT CASE
	WHEN NOT EXISTS (SELECT 1 FROM seen WHERE seq = 1) THEN 0
	ELSE (SELECT MIN(a.seq) FROM seen a
		WHERE NOT EXISTS (SELECT 1 FROM seen b WHERE b.seq = a.seq + 1))
END`).Scan(&seq).Error
	return seq, err
}

// MarkSkipped records seqs as permanently absent from the event log.
// Sequence 0 and already marked sequences are ignored.
func (s *Storage) MarkSkipped(ctx context.Context, reason string, seqs ...uint64) error {
	recs := make([]SkippedSequence, 0, len(seqs))
	for _, seq := range seqs {
		if seq == 0 {
			continue
		}
		recs = append(recs, SkippedSequence{Seq: seq, Reason: reason, CreatedAt: s.now()})
	}
	if len(recs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(recs, 500).Error
}
