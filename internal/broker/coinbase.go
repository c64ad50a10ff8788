package broker

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"crowemi-trades/internal/config"
	"crowemi-trades/internal/swing"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const coinbaseHost = "api.coinbase.com"

// Coinbase is the crypto gateway, backed by the Coinbase Advanced Trade API.
// Every request is signed with a short-lived ES256 JWT.
type Coinbase struct {
	transport
	client     *resty.Client
	apiKey     string
	signingKey *ecdsa.PrivateKey
	logger     *zap.Logger
}

var _ Gateway = (*Coinbase)(nil)

// NewCoinbase creates a new Coinbase gateway. The secret key must be a
// PEM-encoded EC private key; a malformed key is a startup failure.
func NewCoinbase(cfg *config.Coinbase, logger *zap.Logger) (*Coinbase, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse coinbase signing key: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Coinbase{
		transport:  transport{logger: logger, limiter: limiter},
		client:     resty.New().SetBaseURL(cfg.BaseURL).SetHeader("Content-Type", "application/json"),
		apiKey:     cfg.ApiKey,
		signingKey: key,
		logger:     logger,
	}, nil
}

// buildJWT signs a request-scoped token for the given method and path.
func (c *Coinbase) buildJWT(method, path string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate jwt nonce: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": c.apiKey,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, coinbaseHost, path),
	})
	token.Header["kid"] = c.apiKey
	token.Header["nonce"] = hex.EncodeToString(nonce)

	return token.SignedString(c.signingKey)
}

// signedRequest prepares a request with a fresh JWT for the method/path pair.
func (c *Coinbase) signedRequest(method, path string) (*resty.Request, error) {
	tok, err := c.buildJWT(method, path)
	if err != nil {
		return nil, err
	}
	return c.client.R().SetHeader("Authorization", "Bearer "+tok), nil
}

// GetClock reports an always-open market; crypto trades around the clock.
func (c *Coinbase) GetClock() (*Clock, error) {
	return &Clock{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		IsOpen:    true,
	}, nil
}

// GetLatestBar fetches the current product price as a close-only bar.
func (c *Coinbase) GetLatestBar(symbol string) (*swing.Bar, error) {
	type productResponse struct {
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
	}

	path := "/api/v3/brokerage/products/" + symbol
	req, err := c.signedRequest("GET", path)
	if err != nil {
		return nil, err
	}
	req.SetResult(&productResponse{})

	resp, err := c.doRequest(context.Background(), "GET", path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", symbol, err)
	}

	result := resp.Result().(*productResponse)
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable price %q for %s: %w", result.Price, symbol, err)
	}

	return &swing.Bar{Close: price, Timestamp: time.Now().UTC()}, nil
}

// cbCandle is a Coinbase candle; all fields arrive as strings.
type cbCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// GetHistoricalBars fetches daily candles, normalized to newest-first bars.
// The timeframe and limit arguments exist for interface symmetry; Coinbase
// daily candles are requested by time range.
func (c *Coinbase) GetHistoricalBars(symbol, timeframe string, limit int, start, end time.Time) ([]swing.Bar, error) {
	type candlesResponse struct {
		Candles []cbCandle `json:"candles"`
	}

	path := fmt.Sprintf("/api/v3/brokerage/products/%s/candles", symbol)
	req, err := c.signedRequest("GET", path)
	if err != nil {
		return nil, err
	}
	req.SetResult(&candlesResponse{}).
		SetQueryParams(map[string]string{
			"start":       strconv.FormatInt(start.Unix(), 10),
			"end":         strconv.FormatInt(end.Unix(), 10),
			"granularity": "ONE_DAY",
		})

	resp, err := c.doRequest(context.Background(), "GET", path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", symbol, err)
	}

	candles := resp.Result().(*candlesResponse).Candles
	bars := make([]swing.Bar, 0, len(candles))
	for _, cd := range candles {
		bar, err := cd.toBar()
		if err != nil {
			c.logger.Warn("Skipping unparseable candle", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.After(bars[j].Timestamp) })
	if limit > 0 && len(bars) > limit {
		bars = bars[:limit]
	}
	return bars, nil
}

func (cd cbCandle) toBar() (swing.Bar, error) {
	unix, err := strconv.ParseInt(cd.Start, 10, 64)
	if err != nil {
		return swing.Bar{}, fmt.Errorf("bad candle start %q: %w", cd.Start, err)
	}
	open, err1 := strconv.ParseFloat(cd.Open, 64)
	high, err2 := strconv.ParseFloat(cd.High, 64)
	low, err3 := strconv.ParseFloat(cd.Low, 64)
	clos, err4 := strconv.ParseFloat(cd.Close, 64)
	vol, _ := strconv.ParseFloat(cd.Volume, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return swing.Bar{}, fmt.Errorf("bad candle prices for start %s", cd.Start)
	}
	return swing.Bar{
		Open:      open,
		High:      high,
		Low:       low,
		Close:     clos,
		Volume:    vol,
		Timestamp: time.Unix(unix, 0).UTC(),
	}, nil
}

// cbOrder is the Coinbase order detail shape.
type cbOrder struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	FilledSize         string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
	CreatedTime        string `json:"created_time"`
	LastFillTime       string `json:"last_fill_time"`
}

// toOrder maps a Coinbase order onto the normalized Order shape.
func (o cbOrder) toOrder() Order {
	updated := o.LastFillTime
	if updated == "" {
		updated = o.CreatedTime
	}
	return Order{
		ID:             o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.ProductID,
		Side:           strings.ToLower(o.Side),
		Type:           OrderTypeMarket,
		Status:         mapCoinbaseStatus(o.Status),
		FilledQty:      o.FilledSize,
		FilledAvgPrice: o.AverageFilledPrice,
		CreatedAt:      o.CreatedTime,
		UpdatedAt:      updated,
	}
}

// mapCoinbaseStatus folds Coinbase order states onto the two states the
// decision logic recognizes, passing everything else through lowercased.
func mapCoinbaseStatus(status string) string {
	switch status {
	case "FILLED":
		return StatusFilled
	case "OPEN", "PENDING", "QUEUED":
		return StatusPending
	default:
		return strings.ToLower(status)
	}
}

// CreateOrder places a market IOC order: buys sized by quote currency,
// sells by base quantity.
func (c *Coinbase) CreateOrder(ordReq OrderRequest) (*Order, error) {
	type successResponse struct {
		OrderID string `json:"order_id"`
	}
	type createResponse struct {
		Success         bool            `json:"success"`
		SuccessResponse successResponse `json:"success_response"`
		FailureReason   string          `json:"failure_reason"`
	}

	marketIOC := map[string]string{}
	if ordReq.Side == OrderSideBuy {
		marketIOC["quote_size"] = fmt.Sprintf("%.2f", ordReq.Notional)
	} else {
		marketIOC["base_size"] = strconv.FormatFloat(ordReq.Qty, 'f', -1, 64)
	}

	body := map[string]any{
		"client_order_id": uuid.NewString(),
		"product_id":      ordReq.Symbol,
		"side":            strings.ToUpper(ordReq.Side),
		"order_configuration": map[string]any{
			"market_market_ioc": marketIOC,
		},
	}

	path := "/api/v3/brokerage/orders"
	req, err := c.signedRequest("POST", path)
	if err != nil {
		return nil, err
	}
	req.SetBody(body).SetResult(&createResponse{})

	resp, err := c.doRequest(context.Background(), "POST", path, req)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", ordReq.Symbol),
			zap.String("side", ordReq.Side),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*createResponse)
	if !result.Success {
		return nil, fmt.Errorf("order rejected for %s: %s", ordReq.Symbol, result.FailureReason)
	}

	// The create ack carries no fill detail; fetch it. Fall back to a pending
	// stub when the order hasn't landed in the historical feed yet.
	order, err := c.GetOrder(result.SuccessResponse.OrderID)
	if err != nil {
		c.logger.Warn("Order created but detail fetch failed", zap.String("order_id", result.SuccessResponse.OrderID), zap.Error(err))
		now := time.Now().UTC().Format(time.RFC3339)
		return &Order{
			ID:        result.SuccessResponse.OrderID,
			Symbol:    ordReq.Symbol,
			Side:      ordReq.Side,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	return order, nil
}

// GetOrder fetches a single order by its broker id.
func (c *Coinbase) GetOrder(orderID string) (*Order, error) {
	type orderResponse struct {
		Order cbOrder `json:"order"`
	}

	path := "/api/v3/brokerage/orders/historical/" + orderID
	req, err := c.signedRequest("GET", path)
	if err != nil {
		return nil, err
	}
	req.SetResult(&orderResponse{})

	resp, err := c.doRequest(context.Background(), "GET", path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}

	order := resp.Result().(*orderResponse).Order.toOrder()
	return &order, nil
}

// GetOrders lists historical orders for a product. The status filter is
// advisory; Coinbase returns all states and we filter client-side.
func (c *Coinbase) GetOrders(symbol, status string) ([]Order, error) {
	type batchResponse struct {
		Orders []cbOrder `json:"orders"`
	}

	path := "/api/v3/brokerage/orders/historical/batch"
	req, err := c.signedRequest("GET", path)
	if err != nil {
		return nil, err
	}
	req.SetResult(&batchResponse{})
	if symbol != "" {
		req.SetQueryParam("product_id", symbol)
	}

	resp, err := c.doRequest(context.Background(), "GET", path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for %s: %w", symbol, err)
	}

	var orders []Order
	for _, o := range resp.Result().(*batchResponse).Orders {
		mapped := o.toOrder()
		if status != "" && status != "all" && mapped.Status != status {
			continue
		}
		orders = append(orders, mapped)
	}
	return orders, nil
}

// ListPositions lists non-zero account balances as positions.
func (c *Coinbase) ListPositions() ([]Position, error) {
	type balance struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	}
	type account struct {
		UUID             string  `json:"uuid"`
		Currency         string  `json:"currency"`
		AvailableBalance balance `json:"available_balance"`
	}
	type accountsResponse struct {
		Accounts []account `json:"accounts"`
	}

	path := "/api/v3/brokerage/accounts"
	req, err := c.signedRequest("GET", path)
	if err != nil {
		return nil, err
	}
	req.SetResult(&accountsResponse{})

	resp, err := c.doRequest(context.Background(), "GET", path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var positions []Position
	for _, acct := range resp.Result().(*accountsResponse).Accounts {
		if v, err := strconv.ParseFloat(acct.AvailableBalance.Value, 64); err != nil || v == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol: acct.Currency,
			Qty:    acct.AvailableBalance.Value,
		})
	}
	return positions, nil
}
