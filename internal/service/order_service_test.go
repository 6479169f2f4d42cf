package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"collswap/internal/chainsync"
	"collswap/internal/domain"
	"collswap/internal/engine"
	"collswap/internal/infra"
	"collswap/internal/infra/storage"
	"collswap/internal/settlement"

	"github.com/shopspring/decimal"
)

type echoGateway struct {
	err   error
	calls int
}

func (g *echoGateway) Swap(ctx context.Context, req domain.SettlementRequest) (*domain.SettlementResult, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	out := decimal.Zero
	for _, o := range req.Orders {
		out = out.Add(o.Amount)
	}
	return &domain.SettlementResult{
		TxHash:           "0xfeed",
		NetAmountOut:     out,
		TotalInputAmount: req.AmountIn,
		Fills:            req.Orders,
	}, nil
}

type stubSyncer struct {
	report *chainsync.Report
	err    error
	status chainsync.Status
}

func (s *stubSyncer) TriggerSync(ctx context.Context) (*chainsync.Report, error) {
	return s.report, s.err
}

func (s *stubSyncer) Status() chainsync.Status { return s.status }

func setupService(t *testing.T, gw domain.Settler) (*OrderService, *storage.Storage, *infra.Metrics) {
	t.Helper()
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := &infra.Metrics{}
	var settler Settler
	if gw != nil {
		settler = settlement.NewBridge(s, gw, time.Second, m)
	}
	return NewOrderService(s, engine.NewMatcher(s), settler, nil, m), s, m
}

// 2 WETH offered at 1800 USDC each.
func wethOrder() CreateOrderRequest {
	return CreateOrderRequest{
		Owner:            "0xmaker",
		CollateralToken:  "WETH",
		DebtToken:        "USDC",
		CollateralAmount: "2000000000000000000",
		Price:            "1800000000000000000000",
	}
}

func TestOrderService_CreateOrder(t *testing.T) {
	svc, _, _ := setupService(t, nil)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, wethOrder())
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if o.ID == "" {
		t.Error("Expected generated id")
	}
	if o.Status != domain.OrderStatusOpen || o.Origin != domain.OriginManual {
		t.Errorf("Expected OPEN/MANUAL, got %s/%s", o.Status, o.Origin)
	}
	if !o.FilledAmount.IsZero() {
		t.Errorf("Expected nothing filled, got %s", o.FilledAmount)
	}
	if o.InterestRateMode != domain.DefaultInterestRateMode {
		t.Errorf("Expected default interest rate mode, got %q", o.InterestRateMode)
	}

	got, err := svc.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if !got.CollateralAmount.Equal(o.CollateralAmount) {
		t.Errorf("Stored amount %s, want %s", got.CollateralAmount, o.CollateralAmount)
	}
}

func TestOrderService_CreateOrderRejectsBadInput(t *testing.T) {
	svc, _, _ := setupService(t, nil)

	tests := []struct {
		name  string
		mut   func(*CreateOrderRequest)
		field string
	}{
		{"zero amount", func(r *CreateOrderRequest) { r.CollateralAmount = "0" }, "collateralAmount"},
		{"fractional amount", func(r *CreateOrderRequest) { r.CollateralAmount = "1.5" }, "collateralAmount"},
		{"garbage price", func(r *CreateOrderRequest) { r.Price = "abc" }, "price"},
		{"missing owner", func(r *CreateOrderRequest) { r.Owner = " " }, "owner"},
		{"same tokens", func(r *CreateOrderRequest) { r.DebtToken = "WETH" }, "debtToken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := wethOrder()
			tt.mut(&req)
			_, err := svc.CreateOrder(context.Background(), req)

			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %s, want %s", ve.Field, tt.field)
			}
		})
	}
}

func TestOrderService_ListOrders(t *testing.T) {
	svc, _, _ := setupService(t, nil)
	ctx := context.Background()

	a, _ := svc.CreateOrder(ctx, wethOrder())
	other := wethOrder()
	other.Owner = "0xother"
	if _, err := svc.CreateOrder(ctx, other); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, err := svc.CancelOrder(ctx, a.ID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}

	all, err := svc.ListOrders(ctx, domain.OrderFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("Expected 2 orders, got %d (%v)", len(all), err)
	}

	open, _ := svc.ListOrders(ctx, domain.OrderFilter{Status: domain.OrderStatusOpen})
	if len(open) != 1 || open[0].Owner != "0xother" {
		t.Errorf("Expected only 0xother open, got %+v", open)
	}

	none, err := svc.ListOrders(ctx, domain.OrderFilter{Owner: "0xnobody"})
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("Expected empty non-nil list, got %v (%v)", none, err)
	}

	if _, err := svc.ListOrders(ctx, domain.OrderFilter{Status: "PENDING"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected validation error for unknown status, got %v", err)
	}
}

func TestOrderService_Fill(t *testing.T) {
	gw := &echoGateway{}
	svc, _, m := setupService(t, gw)
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, wethOrder())

	res, err := svc.Fill(ctx, FillRequest{
		TokenIn:      "USDC",
		TokenOut:     "WETH",
		AmountIn:     "1800000000000000000000",
		MinAmountOut: "1000000000000000000",
	})
	if err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if res.TotalOut.String() != "1000000000000000000" || res.TotalIn.String() != "1800000000000000000000" {
		t.Errorf("Unexpected totals in=%s out=%s", res.TotalIn, res.TotalOut)
	}
	if len(res.MatchDetails) != 1 || res.MatchDetails[0].OrderID != o.ID {
		t.Errorf("Unexpected match details %+v", res.MatchDetails)
	}
	if res.TxHash != "0xfeed" || !res.SwapNetAmountOut.Equal(res.TotalOut) {
		t.Errorf("Unexpected swap result %+v", res)
	}

	after, _ := svc.GetOrder(ctx, o.ID)
	if after.FilledAmount.String() != "1000000000000000000" || !after.ReservedAmount.IsZero() {
		t.Errorf("Order filled=%s reserved=%s after fill", after.FilledAmount, after.ReservedAmount)
	}

	snap := m.Snapshot()
	if snap.FillRequests != 1 || snap.SettlementsOK != 1 {
		t.Errorf("Metrics = %+v", snap)
	}
}

func TestOrderService_FillInsufficientLiquidity(t *testing.T) {
	gw := &echoGateway{}
	svc, _, _ := setupService(t, gw)
	ctx := context.Background()

	svc.CreateOrder(ctx, wethOrder())

	_, err := svc.Fill(ctx, FillRequest{
		TokenIn:      "USDC",
		TokenOut:     "WETH",
		AmountIn:     "9000000000000000000000",
		MinAmountOut: "3000000000000000000",
	})
	var le *domain.LiquidityError
	if !errors.As(err, &le) {
		t.Fatalf("Expected LiquidityError, got %v", err)
	}
	if le.Partial.TotalOut.String() != "2000000000000000000" {
		t.Errorf("Partial out = %s", le.Partial.TotalOut)
	}
	if gw.calls != 0 {
		t.Error("Gateway must not be called without enough liquidity")
	}

	// No resting orders at all on the reverse pair.
	_, err = svc.Fill(ctx, FillRequest{TokenIn: "WETH", TokenOut: "USDC", AmountIn: "1", MinAmountOut: "0"})
	if !errors.Is(err, domain.ErrInsufficientLiquidity) {
		t.Errorf("Expected insufficient liquidity for empty book, got %v", err)
	}
}

func TestOrderService_FillSettlementFailure(t *testing.T) {
	gw := &echoGateway{err: errors.New("execution reverted")}
	svc, _, _ := setupService(t, gw)
	ctx := context.Background()

	o, _ := svc.CreateOrder(ctx, wethOrder())

	_, err := svc.Fill(ctx, FillRequest{TokenIn: "USDC", TokenOut: "WETH", AmountIn: "1800000000000000000000", MinAmountOut: "0"})
	if !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("Expected settlement failure, got %v", err)
	}

	after, _ := svc.GetOrder(ctx, o.ID)
	if !after.FilledAmount.IsZero() || !after.ReservedAmount.IsZero() {
		t.Errorf("Failed settlement must leave order untouched, got filled=%s reserved=%s",
			after.FilledAmount, after.ReservedAmount)
	}
}

func TestOrderService_FillWithoutGateway(t *testing.T) {
	svc, _, _ := setupService(t, nil)

	_, err := svc.Fill(context.Background(), FillRequest{TokenIn: "USDC", TokenOut: "WETH", AmountIn: "1", MinAmountOut: "0"})
	if !errors.Is(err, ErrSettlementUnavailable) {
		t.Errorf("Expected ErrSettlementUnavailable, got %v", err)
	}
	if svc.SyncStatus().ContractConfigured {
		t.Error("ContractConfigured should be false without a gateway")
	}
}

func TestOrderService_FillRequiresMinAmountOut(t *testing.T) {
	gw := &echoGateway{}
	svc, _, _ := setupService(t, gw)
	ctx := context.Background()
	o, _ := svc.CreateOrder(ctx, wethOrder())

	for _, minOut := range []string{"", "  "} {
		_, err := svc.Fill(ctx, FillRequest{TokenIn: "USDC", TokenOut: "WETH", AmountIn: "100", MinAmountOut: minOut})

		var ve *domain.ValidationError
		if !errors.As(err, &ve) || ve.Field != "minAmountOut" {
			t.Errorf("minAmountOut %q: expected minAmountOut validation error, got %v", minOut, err)
		}
	}
	if gw.calls != 0 {
		t.Error("Gateway must not be called without a slippage floor")
	}
	after, _ := svc.GetOrder(ctx, o.ID)
	if !after.FilledAmount.IsZero() {
		t.Errorf("Order filled %s without a valid request", after.FilledAmount)
	}
}

func TestOrderService_Quote(t *testing.T) {
	svc, _, _ := setupService(t, nil)
	ctx := context.Background()
	o, _ := svc.CreateOrder(ctx, wethOrder())

	q, err := svc.Quote(ctx, FillRequest{TokenIn: "USDC", TokenOut: "WETH", AmountIn: "900000000000000000000"})
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.TotalOut.String() != "500000000000000000" {
		t.Errorf("Quote out = %s", q.TotalOut)
	}

	after, _ := svc.GetOrder(ctx, o.ID)
	if !after.ReservedAmount.IsZero() || after.Version != o.Version {
		t.Error("Quote must not touch the order")
	}

	if _, err := svc.Quote(ctx, FillRequest{TokenIn: "USDC", TokenOut: "WETH", AmountIn: "-5"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestOrderService_CancelOrder(t *testing.T) {
	svc, _, _ := setupService(t, nil)
	ctx := context.Background()
	o, _ := svc.CreateOrder(ctx, wethOrder())

	c, err := svc.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if c.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %s", c.Status)
	}

	if _, err := svc.CancelOrder(ctx, o.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Errorf("Expected invalid transition on second cancel, got %v", err)
	}
	if _, err := svc.CancelOrder(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestOrderService_Sync(t *testing.T) {
	svc, _, _ := setupService(t, &echoGateway{})
	ctx := context.Background()

	if _, err := svc.TriggerSync(ctx); !errors.Is(err, chainsync.ErrNoBackfill) {
		t.Errorf("Expected ErrNoBackfill without a syncer, got %v", err)
	}
	st := svc.SyncStatus()
	if st.Feed != infra.FeedNone || !st.ContractConfigured {
		t.Errorf("Unexpected status %+v", st)
	}

	stub := &stubSyncer{
		report: &chainsync.Report{FromSeq: 4, Fetched: 2, Applied: 2, LastSeq: 5},
		status: chainsync.Status{LastSequence: 5, Feed: "websocket"},
	}
	svc.syncer = stub

	rep, err := svc.TriggerSync(ctx)
	if err != nil || rep.LastSeq != 5 {
		t.Errorf("TriggerSync = %+v, %v", rep, err)
	}
	if st := svc.SyncStatus(); st.LastSequence != 5 || st.Feed != "websocket" {
		t.Errorf("Unexpected status %+v", st)
	}
}
