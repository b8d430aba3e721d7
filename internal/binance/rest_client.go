package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"binance-signal-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"
	recvWindow     = "5000" // How long a request is valid in milliseconds

	OrderTypeMarket     = "MARKET"
	OrderTypeStopLoss   = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit = "TAKE_PROFIT_LIMIT"
	OrderSideBuy        = "BUY"
	OrderSideSell       = "SELL"
)

// Binance error codes the core cares about.
const (
	codeRejectedMbxKey = -2015 // invalid API key, IP, or permissions
	codeBadApiKeyFmt   = -2014
	codeUnknownOrder   = -2011 // cancel of an order already gone
)

// APIError is a Binance error payload. It survives doRequest so callers can
// classify auth failures and already-resolved cancels.
type APIError struct {
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: code=%d status=%d msg=%s", e.Code, e.StatusCode, e.Msg)
}

// IsAuthError reports whether the error is an authentication/authorization
// failure. Only these are eligible for the margin-to-spot fallback.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
		return true
	}
	return apiErr.Code == codeRejectedMbxKey || apiErr.Code == codeBadApiKeyFmt
}

// IsUnknownOrder reports whether a cancel failed because the exchange already
// resolved the order (filled or cancelled). Callers treat this as success.
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder
}

// Client defines the exchange surface the core consumes.
type Client interface {
	GetServerTime(ctx context.Context) (int64, error)
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error)
	GetOrderHistory(ctx context.Context, symbol string, fromID int64, limit int) ([]OrderResponse, error)
}

// PlaceOrderRequest describes a new order. ClientOrderID must be generated by
// the caller and is the idempotence key for retries after timeouts.
type PlaceOrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64 // limit/stop orders only
	StopPrice     float64 // stop orders only
	Margin        bool
	ClientOrderID string
}

// OrderResponse is the normalized order view returned by placement, single
// order reads, open-order listings and history pages.
type OrderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQuantity  string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	UpdateTime    int64  `json:"updateTime"`
}

// RestClient is a client for the Binance REST API.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

var _ Client = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().
		SetBaseURL(url).
		SetTimeout(time.Duration(cfg.TimeoutSecs) * time.Second)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedParams appends timestamp, recvWindow and the signature.
func (c *RestClient) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))
	return params
}

// parseAPIError extracts a Binance error payload from a failed response.
func parseAPIError(resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil {
		return fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
	}
	return apiErr
}

// doRequest handles the actual request execution with rate limiting and retry
// logic. Auth and other 4xx failures are returned immediately as APIError;
// only rate limits, 5xx and network errors are retried.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, parseAPIError(resp)
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, "GET", "/api/v3/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// orderPath returns the order endpoint for the requested mode. Margin orders
// go through the sapi margin endpoint, everything else through spot.
func orderPath(margin bool) string {
	if margin {
		return "/sapi/v1/margin/order"
	}
	return "/api/v3/order"
}

// PlaceOrder places a new order. The caller's ClientOrderID is passed as
// newClientOrderId so a retry after a timeout cannot double-place.
func (c *RestClient) PlaceOrder(ctx context.Context, order *PlaceOrderRequest) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", order.Side)
	params.Set("type", order.Type)
	params.Set("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))
	params.Set("newClientOrderId", order.ClientOrderID)
	if order.Price > 0 {
		params.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if order.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
	}

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedParams(params).Encode()).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, "POST", orderPath(order.Margin), req)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
			zap.String("client_order_id", order.ClientOrderID),
			zap.Bool("margin", order.Margin),
		)
		return nil, err
	}

	result := resp.Result().(*OrderResponse)
	c.logger.Info("Successfully placed order",
		zap.String("symbol", result.Symbol),
		zap.Int64("order_id", result.OrderID),
		zap.String("status", result.Status),
	)
	return result, nil
}

// CancelOrder cancels an open order.
func (c *RestClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedParams(params).Encode())

	if _, err := c.doRequest(ctx, "DELETE", "/api/v3/order", req); err != nil {
		return err
	}
	return nil
}

// GetOrder reads the current record of a single order.
func (c *RestClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signedParams(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, "GET", "/api/v3/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", orderID, err)
	}
	return resp.Result().(*OrderResponse), nil
}

// GetOpenOrders lists currently open orders for a symbol.
func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var orders []OrderResponse
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signedParams(params)).
		SetResult(&orders)

	resp, err := c.doRequest(ctx, "GET", "/api/v3/openOrders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders for %s: %w", symbol, err)
	}
	return *resp.Result().(*[]OrderResponse), nil
}

// GetOrderHistory fetches a page of order history for a symbol, oldest first,
// starting at fromID inclusive. Callers page until a short page comes back.
func (c *RestClient) GetOrderHistory(ctx context.Context, symbol string, fromID int64, limit int) ([]OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	if fromID > 0 {
		params.Set("orderId", strconv.FormatInt(fromID, 10))
	}

	var orders []OrderResponse
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signedParams(params)).
		SetResult(&orders)

	resp, err := c.doRequest(ctx, "GET", "/api/v3/allOrders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history for %s: %w", symbol, err)
	}
	return *resp.Result().(*[]OrderResponse), nil
}
