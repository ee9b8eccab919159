// Package broker implements the brokerage gateway REST and WebSocket
// clients.
//
// The REST client (Client) covers the capability set the daemon needs:
//   - SearchOpenPositions:  POST /api/position/searchOpen
//   - ClosePosition:        POST /api/position/closeContract
//   - ClosePositionPartial: POST /api/position/partialCloseContract
//   - SearchOpenOrders:     POST /api/order/searchOpen
//   - CancelOrder:          POST /api/order/cancel
//   - PlaceOrder:           POST /api/order/place
//   - GetContractByID:      GET  /api/contract/{id}
//
// Every request is rate-limited via per-category TokenBuckets and
// authenticated with a bearer token. Transient failures (5xx, network)
// retry with jittered backoff; 429 honors the Retry-After header; other
// 4xx responses fail fast. In dry-run mode mutating methods log the
// intended call and return success without touching the gateway.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"riskd/internal/config"
	"riskd/pkg/types"
)

// Client is the brokerage gateway REST client.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Broker.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(cfg.Executor.RetryAttempts).
		SetRetryWaitTime(cfg.Executor.RetryBase).
		SetRetryMaxWaitTime(cfg.Executor.RetryMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			// 429 carries the gateway's own wait in Retry-After seconds;
			// anything else falls back to resty's jittered backoff.
			if r != nil && r.StatusCode() == http.StatusTooManyRequests {
				if s := r.Header().Get("Retry-After"); s != "" {
					if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil
		}).
		SetAuthToken(cfg.Broker.Token).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "broker"),
	}
}

type accountRequest struct {
	AccountID types.AccountID `json:"accountId"`
}

type gatewayStatus struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

// SearchOpenPositions returns all open positions for an account.
func (c *Client) SearchOpenPositions(ctx context.Context, account types.AccountID) ([]types.Position, error) {
	if err := c.rl.Search.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		gatewayStatus
		Positions []types.Position `json:"positions"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(accountRequest{AccountID: account}).
		SetResult(&result).
		Post("/api/position/searchOpen")
	if err != nil {
		return nil, fmt.Errorf("search positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("search positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, fmt.Errorf("search positions: gateway: %s", result.ErrorMessage)
	}
	return result.Positions, nil
}

// SearchOpenOrders returns all working orders for an account.
func (c *Client) SearchOpenOrders(ctx context.Context, account types.AccountID) ([]types.Order, error) {
	if err := c.rl.Search.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		gatewayStatus
		Orders []types.Order `json:"orders"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(accountRequest{AccountID: account}).
		SetResult(&result).
		Post("/api/order/searchOpen")
	if err != nil {
		return nil, fmt.Errorf("search orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("search orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, fmt.Errorf("search orders: gateway: %s", result.ErrorMessage)
	}
	return result.Orders, nil
}

// ClosePosition flattens the full position on one contract.
func (c *Client) ClosePosition(ctx context.Context, account types.AccountID, contractID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close position", "account", account, "contract", contractID)
		return nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return err
	}

	var result gatewayStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(struct {
			AccountID  types.AccountID `json:"accountId"`
			ContractID string          `json:"contractId"`
		}{account, contractID}).
		SetResult(&result).
		Post("/api/position/closeContract")
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("close position: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return fmt.Errorf("close position: gateway: %s", result.ErrorMessage)
	}
	c.logger.Info("position closed", "account", account, "contract", contractID)
	return nil
}

// ClosePositionPartial reduces the position on one contract by qty
// contracts and returns the new size reported by the gateway.
func (c *Client) ClosePositionPartial(ctx context.Context, account types.AccountID, contractID string, qty int64) (int64, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would partially close position",
			"account", account, "contract", contractID, "qty", qty)
		return 0, nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		gatewayStatus
		NewSize int64 `json:"newSize"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(struct {
			AccountID  types.AccountID `json:"accountId"`
			ContractID string          `json:"contractId"`
			Qty        int64           `json:"qty"`
		}{account, contractID, qty}).
		SetResult(&result).
		Post("/api/position/partialCloseContract")
	if err != nil {
		return 0, fmt.Errorf("partial close: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("partial close: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return 0, fmt.Errorf("partial close: gateway: %s", result.ErrorMessage)
	}
	c.logger.Info("position reduced",
		"account", account, "contract", contractID, "qty", qty, "new_size", result.NewSize)
	return result.NewSize, nil
}

// CancelOrder cancels one working order.
func (c *Client) CancelOrder(ctx context.Context, account types.AccountID, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "account", account, "order", orderID)
		return nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return err
	}

	var result gatewayStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(struct {
			AccountID types.AccountID `json:"accountId"`
			OrderID   string          `json:"orderId"`
		}{account, orderID}).
		SetResult(&result).
		Post("/api/order/cancel")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return fmt.Errorf("cancel order: gateway: %s", result.ErrorMessage)
	}
	c.logger.Info("order cancelled", "account", account, "order", orderID)
	return nil
}

// PlaceOrder submits an order and returns its gateway id.
func (c *Client) PlaceOrder(ctx context.Context, account types.AccountID, req types.OrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"account", account, "contract", req.ContractID, "side", req.Side.String(), "size", req.Size)
		return fmt.Sprintf("dry-run-%d", time.Now().UnixNano()), nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return "", err
	}

	var result struct {
		gatewayStatus
		OrderID string `json:"orderId"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(struct {
			AccountID types.AccountID    `json:"accountId"`
			Order     types.OrderRequest `json:"order"`
		}{account, req}).
		SetResult(&result).
		Post("/api/order/place")
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return "", fmt.Errorf("place order: gateway: %s", result.ErrorMessage)
	}
	c.logger.Info("order placed", "account", account, "order", result.OrderID)
	return result.OrderID, nil
}

// GetContractByID fetches contract metadata for one instrument.
func (c *Client) GetContractByID(ctx context.Context, contractID string) (*types.Contract, error) {
	if err := c.rl.Metadata.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		gatewayStatus
		Contract types.Contract `json:"contract"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/contract/" + contractID)
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get contract: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, fmt.Errorf("get contract: gateway: %s", result.ErrorMessage)
	}
	return &result.Contract, nil
}
