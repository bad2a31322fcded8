package coinbase

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
	"strconv"
	"time"

	"coinbase-cycle-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.coinbase.com"
	brokeragePath  = "/api/v3/brokerage"
)

// ErrEmptyResponse indicates a 2xx response whose body carried no usable
// data. It is transient: callers retry it like a network error.
var ErrEmptyResponse = errors.New("coinbase: empty or malformed response")

// RestClientInterface defines the interface for the Coinbase Advanced Trade
// REST API client. The engine and indicator packages consume narrower views
// of it; this is the full surface for mocking.
type RestClientInterface interface {
	GetProductStats(ctx context.Context, productID string) (*ProductStats, error)
	GetCurrentPrice(ctx context.Context, productID string) (float64, error)
	GetHistoricalCandles(ctx context.Context, productID string, granularity, count int) ([]Candle, error)
	GetBestBidAsk(ctx context.Context, productID string) (bid, ask float64, err error)
	PlaceLimitOrder(ctx context.Context, productID string, side Side, baseSize, limitPrice float64, postOnly bool) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrders(ctx context.Context, orderIDs []string) ([]CancelResult, error)
}

// RestClient is a client for the Coinbase Advanced Trade REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Coinbase REST API client.
func NewRestClient(cfg *config.Coinbase, logger *zap.Logger) *RestClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := resty.New().SetBaseURL(baseURL)

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

// sign creates the CB-ACCESS-SIGN signature over timestamp+method+path+body.
func (c *RestClient) sign(timestamp, method, path, body string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(h.Sum(nil))
}

// authHeaders builds the signed request headers. The path used in the
// signature excludes the query string.
func (c *RestClient) authHeaders(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		"CB-ACCESS-KEY":       c.apiKey,
		"CB-ACCESS-SIGN":      c.sign(timestamp, method, path, body),
		"CB-ACCESS-TIMESTAMP": timestamp,
		"Content-Type":        "application/json",
	}
}

// doRequest handles the actual request execution with rate limiting and retry logic.
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
			if statusCode == http.StatusTooManyRequests {
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
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
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

// GetProductStats fetches the trading rules and latest price for a product.
func (c *RestClient) GetProductStats(ctx context.Context, productID string) (*ProductStats, error) {
	path := fmt.Sprintf("%s/products/%s", brokeragePath, productID)

	var stats ProductStats
	req := c.client.R().
		SetHeaders(c.authHeaders("GET", path, "")).
		SetResult(&stats)

	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get product stats for %s: %w", productID, err)
	}

	if stats.BaseIncrement == "" || stats.QuoteIncrement == "" {
		c.logger.Error("Product stats response missing increments", zap.String("product_id", productID))
		return nil, ErrEmptyResponse
	}

	return &stats, nil
}

// GetCurrentPrice fetches the latest traded price for a product.
func (c *RestClient) GetCurrentPrice(ctx context.Context, productID string) (float64, error) {
	stats, err := c.GetProductStats(ctx, productID)
	if err != nil {
		return 0, err
	}

	price, err := strconv.ParseFloat(stats.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q for %s: %w", stats.Price, productID, err)
	}
	return price, nil
}

// GetHistoricalCandles fetches the most recent count candles of the given
// granularity (in seconds), ordered oldest first.
func (c *RestClient) GetHistoricalCandles(ctx context.Context, productID string, granularity, count int) ([]Candle, error) {
	path := fmt.Sprintf("%s/products/%s/candles", brokeragePath, productID)

	end := time.Now().Unix()
	start := end - int64(granularity)*int64(count)

	type candlesResponse struct {
		Candles []rawCandle `json:"candles"`
	}
	var result candlesResponse

	req := c.client.R().
		SetHeaders(c.authHeaders("GET", path, "")).
		SetQueryParams(map[string]string{
			"start":       strconv.FormatInt(start, 10),
			"end":         strconv.FormatInt(end, 10),
			"granularity": strconv.Itoa(granularity),
		}).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", productID, err)
	}

	if len(result.Candles) == 0 {
		return nil, ErrEmptyResponse
	}

	candles := make([]Candle, 0, len(result.Candles))
	for _, raw := range result.Candles {
		candle, err := raw.parse()
		if err != nil {
			// Skip malformed entries rather than discarding the batch.
			c.logger.Warn("Skipping malformed candle", zap.String("product_id", productID), zap.Error(err))
			continue
		}
		candles = append(candles, candle)
	}
	if len(candles) == 0 {
		return nil, ErrEmptyResponse
	}

	// The exchange returns newest first; the indicators expect oldest first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

// GetBestBidAsk fetches the top of book for a product.
func (c *RestClient) GetBestBidAsk(ctx context.Context, productID string) (float64, float64, error) {
	path := brokeragePath + "/best_bid_ask"

	type priceLevel struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	}
	type pricebook struct {
		ProductID string       `json:"product_id"`
		Bids      []priceLevel `json:"bids"`
		Asks      []priceLevel `json:"asks"`
	}
	type bookResponse struct {
		Pricebooks []pricebook `json:"pricebooks"`
	}
	var result bookResponse

	req := c.client.R().
		SetHeaders(c.authHeaders("GET", path, "")).
		SetQueryParam("product_ids", productID).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return 0, 0, fmt.Errorf("failed to get best bid/ask for %s: %w", productID, err)
	}

	if len(result.Pricebooks) == 0 {
		c.logger.Error("No pricebooks in best_bid_ask response", zap.String("product_id", productID))
		return 0, 0, ErrEmptyResponse
	}

	book := result.Pricebooks[0]
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		c.logger.Error("No bids or asks in best_bid_ask response", zap.String("product_id", productID))
		return 0, 0, ErrEmptyResponse
	}

	bid, err1 := strconv.ParseFloat(book.Bids[0].Price, 64)
	ask, err2 := strconv.ParseFloat(book.Asks[0].Price, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, ErrEmptyResponse
	}

	c.logger.Debug("Best bid/ask",
		zap.String("product_id", productID),
		zap.Float64("bid", bid),
		zap.Float64("ask", ask),
	)
	return bid, ask, nil
}

// limitOrderPayload is the order placement body for a GTC limit order.
type limitOrderPayload struct {
	Side               Side               `json:"side"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
	ProductID          string             `json:"product_id"`
	ClientOrderID      string             `json:"client_order_id"`
}

type orderConfiguration struct {
	LimitLimitGTC limitLimitGTC `json:"limit_limit_gtc"`
}

type limitLimitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only"`
}

type createOrderResponse struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"order_id"`
	FailureReason string `json:"failure_reason"`
}

// PlaceLimitOrder places a GTC limit order and returns the exchange order id.
// Sizes and prices are formatted with full precision; rounding to the
// product's increments is the caller's responsibility.
func (c *RestClient) PlaceLimitOrder(ctx context.Context, productID string, side Side, baseSize, limitPrice float64, postOnly bool) (string, error) {
	path := brokeragePath + "/orders"

	payload := limitOrderPayload{
		Side: side,
		OrderConfiguration: orderConfiguration{
			LimitLimitGTC: limitLimitGTC{
				BaseSize:   strconv.FormatFloat(baseSize, 'f', -1, 64),
				LimitPrice: strconv.FormatFloat(limitPrice, 'f', -1, 64),
				PostOnly:   postOnly,
			},
		},
		ProductID:     productID,
		ClientOrderID: uuid.NewString(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal order payload: %w", err)
	}

	var result createOrderResponse
	req := c.client.R().
		SetHeaders(c.authHeaders("POST", path, string(body))).
		SetBody(body).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "POST", path, req); err != nil {
		c.logger.Error("Failed to place limit order",
			zap.Error(err),
			zap.String("product_id", productID),
			zap.String("side", string(side)),
		)
		return "", fmt.Errorf("failed to place limit order: %w", err)
	}

	if !result.Success || result.OrderID == "" {
		c.logger.Error("Order placement rejected",
			zap.String("product_id", productID),
			zap.String("side", string(side)),
			zap.String("failure_reason", result.FailureReason),
		)
		return "", fmt.Errorf("order placement rejected: %s", result.FailureReason)
	}

	c.logger.Info("Limit order placed",
		zap.String("order_id", result.OrderID),
		zap.String("product_id", productID),
		zap.String("side", string(side)),
		zap.Float64("base_size", baseSize),
		zap.Float64("limit_price", limitPrice),
		zap.Bool("post_only", postOnly),
	)
	return result.OrderID, nil
}

// orderStatusResponse is the historical order lookup body.
type orderStatusResponse struct {
	Order struct {
		OrderID             string `json:"order_id"`
		Status              string `json:"status"`
		FilledSize          string `json:"filled_size"`
		FilledValue         string `json:"filled_value"`
		TotalFees           string `json:"total_fees"`
		TotalValueAfterFees string `json:"total_value_after_fees"`
	} `json:"order"`
}

// GetOrderStatus polls the exchange for the current state of an order.
func (c *RestClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	path := fmt.Sprintf("%s/orders/historical/%s", brokeragePath, orderID)

	var result orderStatusResponse
	req := c.client.R().
		SetHeaders(c.authHeaders("GET", path, "")).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get order status for %s: %w", orderID, err)
	}

	if result.Order.Status == "" {
		return nil, ErrEmptyResponse
	}

	status := &OrderStatus{
		OrderID: result.Order.OrderID,
		Status:  result.Order.Status,
	}
	// Fill fields are empty strings until the order has executions.
	status.FilledSize, _ = strconv.ParseFloat(result.Order.FilledSize, 64)
	status.FilledValue, _ = strconv.ParseFloat(result.Order.FilledValue, 64)
	status.TotalFees, _ = strconv.ParseFloat(result.Order.TotalFees, 64)
	status.TotalValueAfterFees, _ = strconv.ParseFloat(result.Order.TotalValueAfterFees, 64)

	return status, nil
}

// CancelOrders requests a batch cancel of the given order ids.
func (c *RestClient) CancelOrders(ctx context.Context, orderIDs []string) ([]CancelResult, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}

	path := brokeragePath + "/orders/batch_cancel"

	payload := map[string][]string{"order_ids": orderIDs}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cancel payload: %w", err)
	}

	type cancelResponse struct {
		Results []CancelResult `json:"results"`
	}
	var result cancelResponse

	req := c.client.R().
		SetHeaders(c.authHeaders("POST", path, string(body))).
		SetBody(body).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "POST", path, req); err != nil {
		return nil, fmt.Errorf("failed to cancel orders: %w", err)
	}

	for _, r := range result.Results {
		if r.Success {
			c.logger.Info("Order cancelled", zap.String("order_id", r.OrderID))
		} else {
			c.logger.Warn("Order cancel failed",
				zap.String("order_id", r.OrderID),
				zap.String("failure_reason", r.FailureReason),
			)
		}
	}
	return result.Results, nil
}
