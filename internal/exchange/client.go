// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) talks to the Polymarket CLOB API for order management:
//   - GetOrderBook:       GET  /book               — fetch L2 book for a token
//   - PostOrders:         POST /orders              — batch-place up to 15 signed orders
//   - CancelOrders:       DELETE /orders            — cancel specific orders by ID
//   - CancelAll:          DELETE /cancel-all         — emergency cancel everything
//   - CancelMarketOrders: DELETE /cancel-market-orders — cancel one market's orders
//   - DeriveAPIKey:       GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Client also carries the engine's narrower domain surface consumed by
// internal/cycle, internal/exit, and internal/reconcile: PlaceSellLimitGTC,
// Cancel, OpenOrders, Order, TokenBalance, CollateralBalance, and BestBid.
// These build on the primitives above rather than duplicating them.
//
// Order, cancel, book and order-status requests wait on per-category TokenBuckets;
// balance reads and DeriveAPIKey do not. Every request is retried on transport
// errors and 5xx responses. Requests carry L2 HMAC headers, except book reads
// (unauthenticated) and DeriveAPIKey (L1 headers).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/config"
	"shock-fade-engine/internal/reconcile"
	"shock-fade-engine/pkg/types"
)

// Client is the Polymarket CLOB REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client  // HTTP client with retry + base URL
	auth   *Auth          // L1/L2 auth provider for request signing
	rl     *RateLimiter   // per-endpoint-category rate limiting
	dryRun bool           // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata the REST API expects. It converts human-readable
// price/size to big.Int maker/taker amounts at the market's tick precision,
// sets the maker to the funder wallet (proxy), the signer to the EOA,
// and the taker to the zero address (open order, anyone can fill).
func (c *Client) buildOrderPayload(order types.UserOrder) types.OrderPayload {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	return types.OrderPayload{
		Order: types.SignedOrder{
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       order.TokenID,
			MakerAmount:   makerAmt,
			TakerAmount:   takerAmt,
			Side:          order.Side,
			Expiration:    fmt.Sprintf("%d", order.Expiration),
			Nonce:         "0",
			FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}
}

// PostOrders places up to 15 orders in a batch.
func (c *Client) PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post orders", "count", len(orders))
		results := make([]types.OrderResponse, len(orders))
		for i := range orders {
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", i), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		payloads[i] = c.buildOrderPayload(order)
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("post orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	return results, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel market orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// expirationNever is the GTC order expiration sentinel the CLOB API expects.
const expirationNever = 0

// PlaceSellLimitGTC places a single GTC sell order and reports whatever the
// exchange's synchronous response indicates about the fill. Satisfies
// cycle.ExchangeClient and exit.ExchangeClient.
func (c *Client) PlaceSellLimitGTC(ctx context.Context, tokenID string, shares, price decimal.Decimal, tierFlag bool) (types.PlaceResult, error) {
	sizeF, _ := shares.Float64()
	priceF, _ := price.Float64()

	order := types.UserOrder{
		TokenID:    tokenID,
		Side:       types.SELL,
		Price:      priceF,
		Size:       sizeF,
		OrderType:  types.OrderTypeGTC,
		TickSize:   types.Tick001,
		Expiration: expirationNever,
	}

	results, err := c.PostOrders(ctx, []types.UserOrder{order}, tierFlag)
	if err != nil {
		return types.PlaceResult{}, fmt.Errorf("place sell limit gtc: %w", err)
	}
	if len(results) == 0 {
		return types.PlaceResult{}, fmt.Errorf("place sell limit gtc: empty response")
	}
	r := results[0]
	if !r.Success {
		return types.PlaceResult{}, fmt.Errorf("place sell limit gtc: rejected: %s", r.ErrorMsg)
	}

	result := types.PlaceResult{OrderID: r.OrderID}
	switch r.Status {
	case "matched", "filled":
		result.FilledShares = shares
		result.FilledPrice = price
	default:
		result.Resting = true
	}
	return result, nil
}

// Cancel cancels a single order by id.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	_, err := c.CancelOrders(ctx, []string{orderID})
	return err
}

// openOrderResponse is the CLOB API's /orders list response shape.
type openOrderResponse struct {
	OrderID string `json:"orderId"`
	Price   string `json:"price"`
	Market  string `json:"market"`
	Status  string `json:"status"`
}

// OpenOrders fetches resting orders for a conditionId, satisfying
// reconcile.OpenOrdersQuerier directly.
func (c *Client) OpenOrders(ctx context.Context, conditionID string) ([]reconcile.OpenOrderSummary, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.auth.L2Headers("GET", "/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	var raw []openOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("market", conditionID).
		SetResult(&raw).
		Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]reconcile.OpenOrderSummary, 0, len(raw))
	for _, o := range raw {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			continue
		}
		out = append(out, reconcile.OpenOrderSummary{OrderID: o.OrderID, Price: price})
	}
	return out, nil
}

// Order fetches a single order's current status.
func (c *Client) Order(ctx context.Context, orderID string) (openOrderResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return openOrderResponse{}, err
	}
	headers, err := c.auth.L2Headers("GET", "/order", "")
	if err != nil {
		return openOrderResponse{}, fmt.Errorf("l2 headers: %w", err)
	}
	var result openOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("order_id", orderID).
		SetResult(&result).
		Get("/order")
	if err != nil {
		return openOrderResponse{}, fmt.Errorf("order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return openOrderResponse{}, fmt.Errorf("order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// TokenBalance returns the on-chain conditional token balance for tokenID.
func (c *Client) TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	return c.fetchBalance(ctx, "CONDITIONAL", tokenID)
}

// CollateralBalance returns the USDC collateral balance.
func (c *Client) CollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	return c.fetchBalance(ctx, "COLLATERAL", "")
}

func (c *Client) fetchBalance(ctx context.Context, assetType, tokenID string) (decimal.Decimal, error) {
	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("l2 headers: %w", err)
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", assetType)
	if tokenID != "" {
		req = req.SetQueryParam("token_id", tokenID)
	}
	var result balanceResponse
	resp, err := req.SetResult(&result).Get("/balance-allowance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.Balance)
}

// BestBid returns the current best bid for tokenID, satisfying
// exit.ExchangeClient.
func (c *Client) BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	if len(book.Bids) == 0 {
		return decimal.Zero, fmt.Errorf("best bid: empty book for %s", tokenID)
	}
	return decimal.NewFromString(book.Bids[0].Price)
}
