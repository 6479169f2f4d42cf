package storage

import (
	"context"
	"fmt"

	"collswap/internal/domain"
	"collswap/pkg/quant"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reserve stages every leg of a match as pending. All legs succeed or none do.
func (s *Storage) Reserve(ctx context.Context, settlementID string, legs []domain.MatchLeg) error {
	if len(legs) == 0 {
		return domain.NewValidationError("legs", "nothing to reserve")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, leg := range legs {
			o, err := findOrder(tx, "id = ?", leg.OrderID)
			if err != nil {
				return err
			}
			if !o.IsOpen() {
				return fmt.Errorf("%w: order %s is %s", domain.ErrConcurrencyConflict, o.ID, o.Status)
			}
			if o.Version != leg.ExpectedVersion || !o.Price.Equal(leg.Price) {
				return fmt.Errorf("%w: order %s changed since quote (version %d, price %s)",
					domain.ErrConcurrencyConflict, o.ID, o.Version, o.Price)
			}
			if !o.FilledAmount.Equal(leg.ExpectedFilled) || !o.ReservedAmount.Equal(leg.ExpectedReserved) {
				return fmt.Errorf("%w: order %s moved to filled %s reserved %s",
					domain.ErrConcurrencyConflict, o.ID, o.FilledAmount, o.ReservedAmount)
			}
			if leg.FillOut.Cmp(o.Available()) > 0 {
				return fmt.Errorf("%w: order %s has %s available, need %s",
					domain.ErrConcurrencyConflict, o.ID, o.Available(), leg.FillOut)
			}

			o.ReservedAmount = quant.Canonical(o.ReservedAmount.Add(leg.FillOut))
			if err := s.casUpdate(tx, o, map[string]any{
				"reserved_amount": o.ReservedAmount.String(),
			}); err != nil {
				return err
			}

			r := domain.FillReservation{
				SettlementID: settlementID,
				OrderID:      o.ID,
				Amount:       quant.Canonical(leg.FillOut),
				Status:       domain.ReservationPending,
			}
			if err := tx.Create(&r).Error; err != nil {
				return fmt.Errorf("record reservation: %w", err)
			}
		}
		return nil
	})
}

func pendingReservations(tx *gorm.DB, settlementID string) ([]domain.FillReservation, error) {
	var rs []domain.FillReservation
	err := tx.Where("settlement_id = ? AND status = ?", settlementID, domain.ReservationPending).
		Order("id ASC").Find(&rs).Error
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("no pending reservation for settlement %s", settlementID)
	}
	return rs, nil
}

// CommitReservation turns pending reservations into fills. settled maps order
// id to the amount the chain actually filled; a nil map commits every leg as
// reserved. Amounts are capped at the reservation and the unused part goes
// back to the order.
func (s *Storage) CommitReservation(ctx context.Context, settlementID string, settled map[string]decimal.Decimal) ([]domain.Order, error) {
	var out []domain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rs, err := pendingReservations(tx, settlementID)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, r := range rs {
			o, err := findOrder(tx, "id = ?", r.OrderID)
			if err != nil {
				return err
			}

			commit := r.Amount
			if settled != nil {
				commit = quant.Min(settled[r.OrderID], r.Amount)
				if commit.IsNegative() {
					commit = decimal.Zero
				}
			}

			o.ReservedAmount = quant.Canonical(o.ReservedAmount.Sub(r.Amount))
			o.FilledAmount = quant.Canonical(o.FilledAmount.Add(commit))
			if o.FilledAmount.Equal(o.CollateralAmount) {
				o.Status = domain.OrderStatusFilled
			}
			if err := o.CheckInvariant(); err != nil {
				return err
			}
			if err := s.casUpdate(tx, o, map[string]any{
				"reserved_amount": o.ReservedAmount.String(),
				"filled_amount":   o.FilledAmount.String(),
				"status":          o.Status,
			}); err != nil {
				return err
			}
			if err := tx.Model(&r).Update("status", domain.ReservationCommitted).Error; err != nil {
				return err
			}
			out = append(out, *o)
		}
		return nil
	})
	return out, err
}

// ReleaseReservation rolls pending reservations back, returning capacity to
// the orders.
func (s *Storage) ReleaseReservation(ctx context.Context, settlementID string) ([]domain.Order, error) {
	var out []domain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rs, err := pendingReservations(tx, settlementID)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, r := range rs {
			o, err := findOrder(tx, "id = ?", r.OrderID)
			if err != nil {
				return err
			}
			o.ReservedAmount = quant.Canonical(o.ReservedAmount.Sub(r.Amount))
			if o.ReservedAmount.IsNegative() {
				return fmt.Errorf("order %s: release of %s leaves negative reservation", o.ID, r.Amount)
			}
			if err := s.casUpdate(tx, o, map[string]any{
				"reserved_amount": o.ReservedAmount.String(),
			}); err != nil {
				return err
			}
			if err := tx.Model(&r).Update("status", domain.ReservationReleased).Error; err != nil {
				return err
			}
			out = append(out, *o)
		}
		return nil
	})
	return out, err
}
