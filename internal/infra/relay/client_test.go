package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collswap/internal/domain"
	"collswap/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) *infra.Config {
	cfg := &infra.Config{}
	cfg.Settlement.GatewayURL = url
	cfg.Settlement.APIKey = "key"
	cfg.Settlement.APISecret = "secret"
	cfg.Settlement.TimeoutMS = 1000
	cfg.Settlement.RouterAddress = "0xrouter"
	cfg.Settlement.PivAddress = "0xpiv"
	return cfg
}

func sampleRequest() domain.SettlementRequest {
	return domain.SettlementRequest{
		ClientRef:    "settle-1",
		TokenIn:      "USDC",
		TokenOut:     "WETH",
		AmountIn:     decimal.RequireFromString("1500"),
		MinAmountOut: decimal.RequireFromString("800"),
		Orders: []domain.SettlementOrder{
			{Ref: "11", Amount: decimal.RequireFromString("833")},
			{Ref: "12", Amount: decimal.RequireFromString("5")},
		},
	}
}

func TestSwap_SendsSignedRequest(t *testing.T) {
	var got swapRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, swapPath, r.URL.Path)
		body, _ := io.ReadAll(r.Body)

		verifier := NewSigner("key", "secret")
		assert.True(t, verifier.Verify(r.Header.Get(HeaderTimestamp), r.Method, r.URL.Path, string(body), r.Header.Get(HeaderSign)))
		assert.Equal(t, "key", r.Header.Get(HeaderKey))
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Write([]byte(`{"code":"0","msg":"ok","data":{"txHash":"0xfeed","netAmountOut":"838","totalInputAmount":"1500",
			"fills":[{"orderId":"11","amount":"833"},{"orderId":"12","amount":"5"}]}}`))
	}))
	defer srv.Close()

	res, err := NewClient(testConfig(srv.URL)).Swap(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "0xfeed", res.TxHash)
	assert.Equal(t, "838", res.NetAmountOut.String())
	require.Len(t, res.Fills, 2)
	assert.Equal(t, "11", res.Fills[0].Ref)

	assert.Equal(t, "0xrouter", got.Router)
	assert.Equal(t, "1500", got.AmountIn)
	assert.Equal(t, "settle-1", got.ClientRef)
	require.Len(t, got.OrderDatas, 1)
	assert.Equal(t, "0xpiv", got.OrderDatas[0].PivAddress)
	assert.Equal(t, []string{"11", "12"}, got.OrderDatas[0].OrderIDs)
	assert.Equal(t, []string{"833", "5"}, got.OrderDatas[0].Amounts)
}

func TestSwap_Revert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"4001","msg":"execution reverted: price moved"}`))
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).Swap(context.Background(), sampleRequest())
	var revert *RevertError
	require.True(t, errors.As(err, &revert))
	assert.Equal(t, "4001", revert.Code)
}

func TestSwap_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).Swap(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=502")
}

func TestSwap_RespectsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(testConfig(srv.URL)).Swap(ctx, sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSwap_MalformedAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":{"txHash":"0x1","fills":[{"orderId":"11","amount":"1.5"}]}}`))
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).Swap(context.Background(), sampleRequest())
	assert.Error(t, err)
}
