package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"collswap/internal/chainsync"
	"collswap/internal/domain"
	"collswap/internal/infra"
	"collswap/pkg/quant"

	"github.com/shopspring/decimal"
)

// ErrSettlementUnavailable is returned by Fill when no gateway is configured.
var ErrSettlementUnavailable = errors.New("settlement contract not configured")

// Quoter matches a request against resting liquidity without side effects.
type Quoter interface {
	Quote(ctx context.Context, req domain.MatchRequest) (*domain.MatchResult, error)
}

// Settler runs a match through two-phase settlement.
type Settler interface {
	Settle(ctx context.Context, match *domain.MatchResult) (*domain.SettlementReceipt, error)
}

// Syncer is the chain mirror control surface.
type Syncer interface {
	TriggerSync(ctx context.Context) (*chainsync.Report, error)
	Status() chainsync.Status
}

// CreateOrderRequest carries a maker's new order. Amounts are decimal
// integer strings in base units.
type CreateOrderRequest struct {
	Owner            string `json:"owner"`
	CollateralToken  string `json:"collateralToken"`
	DebtToken        string `json:"debtToken"`
	CollateralAmount string `json:"collateralAmount"`
	Price            string `json:"price"`
	InterestRateMode string `json:"interestRateMode"`
}

// FillRequest carries a taker's swap.
type FillRequest struct {
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
}

// FillResult is what a taker gets back from a settled fill.
type FillResult struct {
	SettlementID         string               `json:"settlementId"`
	TxHash               string               `json:"txHash"`
	TotalIn              decimal.Decimal      `json:"totalIn"`
	TotalOut             decimal.Decimal      `json:"totalOut"`
	MatchDetails         []domain.MatchLeg    `json:"matchDetails"`
	SwapNetAmountOut     decimal.Decimal      `json:"swapNetAmountOut"`
	SwapTotalInputAmount decimal.Decimal      `json:"swapTotalInputAmount"`
	Fills                []domain.SettledFill `json:"fills"`
	Discrepancies        int                  `json:"discrepancies"`
}

// SyncStatus is the sync state plus whether fills can settle at all.
type SyncStatus struct {
	chainsync.Status
	ContractConfigured bool `json:"contractConfigured"`
}

// OrderService is the facade the transport adapters call.
type OrderService struct {
	repo    domain.OrderRepository
	quoter  Quoter
	settler Settler
	syncer  Syncer
	metrics *infra.Metrics
	logger  *slog.Logger
}

// NewOrderService wires the facade. settler and syncer may be nil when the
// gateway or the backfill source is not configured.
func NewOrderService(repo domain.OrderRepository, quoter Quoter, settler Settler, syncer Syncer, metrics *infra.Metrics) *OrderService {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &OrderService{
		repo:    repo,
		quoter:  quoter,
		settler: settler,
		syncer:  syncer,
		metrics: metrics,
		logger:  slog.Default().With("module", "order_service"),
	}
}

// CreateOrder validates and stores a manual order: OPEN, nothing filled.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	amount, err := quant.ParsePositive(req.CollateralAmount)
	if err != nil {
		return nil, domain.NewValidationError("collateralAmount", "%v", err)
	}
	price, err := quant.ParsePositive(req.Price)
	if err != nil {
		return nil, domain.NewValidationError("price", "%v", err)
	}

	o := &domain.Order{
		Owner:            req.Owner,
		CollateralToken:  req.CollateralToken,
		DebtToken:        req.DebtToken,
		CollateralAmount: amount,
		Price:            price,
		FilledAmount:     decimal.Zero,
		ReservedAmount:   decimal.Zero,
		InterestRateMode: strings.TrimSpace(req.InterestRateMode),
		Status:           domain.OrderStatusOpen,
		Origin:           domain.OriginManual,
	}
	if _, err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}

	s.logger.Info("Order created",
		slog.String("id", o.ID),
		slog.String("owner", o.Owner),
		slog.String("pair", o.CollateralToken+"/"+o.DebtToken),
		slog.String("amount", o.CollateralAmount.String()),
		slog.String("price", o.Price.String()))
	return o, nil
}

// GetOrder returns one order by id.
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.repo.Get(ctx, id)
}

// ListOrders returns orders newest first.
func (s *OrderService) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	switch filter.Status {
	case "", domain.OrderStatusOpen, domain.OrderStatusFilled, domain.OrderStatusCancelled:
	default:
		return nil, domain.NewValidationError("status", "unknown status %q", filter.Status)
	}
	switch filter.Origin {
	case "", domain.OriginManual, domain.OriginChainMirrored:
	default:
		return nil, domain.NewValidationError("origin", "unknown origin %q", filter.Origin)
	}
	if filter.Limit < 0 {
		return nil, domain.NewValidationError("limit", "must not be negative")
	}

	orders, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

func parseFill(req FillRequest) (domain.MatchRequest, error) {
	if strings.TrimSpace(req.AmountIn) == "" {
		return domain.MatchRequest{}, domain.NewValidationError("amountIn", "required")
	}
	amountIn, err := quant.ParsePositive(req.AmountIn)
	if err != nil {
		return domain.MatchRequest{}, domain.NewValidationError("amountIn", "%v", err)
	}
	minOut := decimal.Zero
	if strings.TrimSpace(req.MinAmountOut) != "" {
		if minOut, err = quant.ParseAmount(req.MinAmountOut); err != nil {
			return domain.MatchRequest{}, domain.NewValidationError("minAmountOut", "%v", err)
		}
	}
	mr := domain.MatchRequest{
		TokenIn:      strings.TrimSpace(req.TokenIn),
		TokenOut:     strings.TrimSpace(req.TokenOut),
		AmountIn:     amountIn,
		MinAmountOut: minOut,
	}
	return mr, mr.Validate()
}

// Quote previews a fill. Nothing is reserved.
func (s *OrderService) Quote(ctx context.Context, req FillRequest) (*domain.MatchResult, error) {
	mr, err := parseFill(req)
	if err != nil {
		return nil, err
	}
	return s.quoter.Quote(ctx, mr)
}

// Fill matches req and settles the result on-chain. Unlike Quote it needs an
// explicit minAmountOut. A lost race surfaces
// as ErrConcurrencyConflict; the caller re-quotes.
func (s *OrderService) Fill(ctx context.Context, req FillRequest) (*FillResult, error) {
	s.metrics.RecordFillRequest()

	if strings.TrimSpace(req.MinAmountOut) == "" {
		return nil, domain.NewValidationError("minAmountOut", "required")
	}
	mr, err := parseFill(req)
	if err != nil {
		return nil, err
	}
	if s.settler == nil {
		return nil, ErrSettlementUnavailable
	}

	match, err := s.quoter.Quote(ctx, mr)
	if err != nil {
		return nil, err
	}
	if match.Empty() {
		return nil, &domain.LiquidityError{Partial: match}
	}

	receipt, err := s.settler.Settle(ctx, match)
	if err != nil {
		return nil, err
	}

	return &FillResult{
		SettlementID:         receipt.SettlementID,
		TxHash:               receipt.TxHash,
		TotalIn:              match.TotalIn,
		TotalOut:             match.TotalOut,
		MatchDetails:         match.Legs,
		SwapNetAmountOut:     receipt.SwapNetAmountOut,
		SwapTotalInputAmount: receipt.SwapTotalInputAmount,
		Fills:                receipt.Fills,
		Discrepancies:        receipt.Discrepancies,
	}, nil
}

// CancelOrder cancels an OPEN order.
func (s *OrderService) CancelOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.repo.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.metrics.RecordConflict()
		}
		return nil, err
	}
	s.logger.Info("Order cancelled", slog.String("id", id))
	return o, nil
}

// TriggerSync runs a manual chain sync.
func (s *OrderService) TriggerSync(ctx context.Context) (*chainsync.Report, error) {
	if s.syncer == nil {
		return nil, chainsync.ErrNoBackfill
	}
	return s.syncer.TriggerSync(ctx)
}

// SyncStatus reports the chain mirror state.
func (s *OrderService) SyncStatus() SyncStatus {
	var st chainsync.Status
	if s.syncer != nil {
		st = s.syncer.Status()
	} else {
		st.Feed = infra.FeedNone
	}
	return SyncStatus{Status: st, ContractConfigured: s.settler != nil}
}
