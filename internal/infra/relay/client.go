// Package relay is the HTTP client for the chain relay that executes the
// router's swap on behalf of the order book.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"collswap/internal/domain"
	"collswap/internal/infra"
	"collswap/pkg/quant"

	"github.com/shopspring/decimal"
)

const (
	swapPath    = "/api/v1/swap"
	successCode = "0"
)

// RevertError is a swap the relay accepted but the chain reverted.
type RevertError struct {
	Code string
	Msg  string
}

func (e *RevertError) Error() string {
	return "swap reverted: code=" + e.Code + " msg=" + e.Msg
}

// Client is the settlement gateway (Boundary Layer)
type Client struct {
	baseURL    string
	router     string
	piv        string
	httpClient *http.Client
	signer     *Signer
	logger     *slog.Logger
}

var _ domain.Settler = (*Client)(nil)

// NewClient creates a relay client from the settlement section of cfg.
// The HTTP timeout is a backstop; callers bound each swap with their context.
func NewClient(cfg *infra.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.Settlement.GatewayURL, "/"),
		router:  cfg.Settlement.RouterAddress,
		piv:     cfg.Settlement.PivAddress,
		httpClient: &http.Client{
			Timeout: 2 * cfg.SettlementTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer: NewSigner(cfg.Settlement.APIKey, cfg.Settlement.APISecret),
		logger: slog.Default().With("module", "relay_client"),
	}
}

type orderData struct {
	PivAddress string   `json:"pivAddress"`
	OrderIDs   []string `json:"orderIds"`
	Amounts    []string `json:"amounts"`
}

type swapRequest struct {
	Router       string      `json:"router,omitempty"`
	TokenIn      string      `json:"tokenIn"`
	TokenOut     string      `json:"tokenOut"`
	AmountIn     string      `json:"amountIn"`
	MinAmountOut string      `json:"minAmountOut"`
	OrderDatas   []orderData `json:"orderDatas"`
	ClientRef    string      `json:"clientRef"`
}

type swapResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		TxHash           string `json:"txHash"`
		NetAmountOut     string `json:"netAmountOut"`
		TotalInputAmount string `json:"totalInputAmount"`
		Fills            []struct {
			OrderID string `json:"orderId"`
			Amount  string `json:"amount"`
		} `json:"fills"`
	} `json:"data"`
}

// Swap submits the matched orders and waits for the relay's verdict.
func (c *Client) Swap(ctx context.Context, req domain.SettlementRequest) (*domain.SettlementResult, error) {
	data := orderData{PivAddress: c.piv}
	for _, o := range req.Orders {
		data.OrderIDs = append(data.OrderIDs, o.Ref)
		data.Amounts = append(data.Amounts, o.Amount.String())
	}
	body := swapRequest{
		Router:       c.router,
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		AmountIn:     req.AmountIn.String(),
		MinAmountOut: req.MinAmountOut.String(),
		OrderDatas:   []orderData{data},
		ClientRef:    req.ClientRef,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, swapPath, body)
	if err != nil {
		return nil, fmt.Errorf("relay swap failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay api error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp swapResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Code != successCode {
		return nil, &RevertError{Code: apiResp.Code, Msg: apiResp.Msg}
	}
	if apiResp.Data == nil {
		return nil, fmt.Errorf("relay response without data")
	}

	res := &domain.SettlementResult{TxHash: apiResp.Data.TxHash}
	if res.NetAmountOut, err = parseOptional(apiResp.Data.NetAmountOut); err != nil {
		return nil, fmt.Errorf("netAmountOut: %w", err)
	}
	if res.TotalInputAmount, err = parseOptional(apiResp.Data.TotalInputAmount); err != nil {
		return nil, fmt.Errorf("totalInputAmount: %w", err)
	}
	for _, f := range apiResp.Data.Fills {
		amount, err := quant.ParseAmount(f.Amount)
		if err != nil {
			return nil, fmt.Errorf("fill for %s: %w", f.OrderID, err)
		}
		res.Fills = append(res.Fills, domain.SettlementOrder{Ref: f.OrderID, Amount: amount})
	}

	c.logger.Info("Swap confirmed", "client_ref", req.ClientRef, "tx_hash", res.TxHash, "orders", len(req.Orders))
	return res, nil
}

func parseOptional(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return quant.ParseAmount(s)
}

// doRequest handles Auth headers and serialization
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBytes)
		bodyStr = string(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.signer.GenerateHeaders(method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}
