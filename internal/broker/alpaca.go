package broker

import (
	"context"
	"fmt"
	"time"

	"crowemi-trades/internal/config"
	"crowemi-trades/internal/swing"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const alpacaDataFeed = "iex"

// Alpaca is the stock-market gateway, backed by the Alpaca trading and
// market-data APIs.
type Alpaca struct {
	transport
	trading *resty.Client
	data    *resty.Client
	logger  *zap.Logger
}

// ensure Alpaca implements the gateway capability set
var _ Gateway = (*Alpaca)(nil)

// NewAlpaca creates a new Alpaca gateway. The trading and data APIs live on
// separate hosts but share credentials and the rate limiter.
func NewAlpaca(cfg *config.Alpaca, logger *zap.Logger) *Alpaca {
	headers := map[string]string{
		"accept":              "application/json",
		"APCA-API-KEY-ID":     cfg.ApiKey,
		"APCA-API-SECRET-KEY": cfg.SecretKey,
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Alpaca{
		transport: transport{logger: logger, limiter: limiter},
		trading:   resty.New().SetBaseURL(cfg.BaseURL).SetHeaders(headers),
		data:      resty.New().SetBaseURL(cfg.DataBaseURL).SetHeaders(headers),
		logger:    logger,
	}
}

// GetClock fetches the current market clock.
func (a *Alpaca) GetClock() (*Clock, error) {
	req := a.trading.R().SetResult(&Clock{})

	resp, err := a.doRequest(context.Background(), "GET", "/v2/clock", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get market clock: %w", err)
	}

	return resp.Result().(*Clock), nil
}

// latestBarResponse wraps the per-symbol latest bar payload.
type latestBarResponse struct {
	Bars map[string]swing.Bar `json:"bars"`
}

// GetLatestBar fetches the most recent bar for a symbol.
func (a *Alpaca) GetLatestBar(symbol string) (*swing.Bar, error) {
	req := a.data.R().
		SetResult(&latestBarResponse{}).
		SetQueryParam("symbols", symbol).
		SetQueryParam("feed", alpacaDataFeed)

	resp, err := a.doRequest(context.Background(), "GET", "/v2/stocks/bars/latest", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest bar for %s: %w", symbol, err)
	}

	result := resp.Result().(*latestBarResponse)
	bar, ok := result.Bars[symbol]
	if !ok {
		return nil, fmt.Errorf("no latest bar returned for %s", symbol)
	}
	return &bar, nil
}

// historicalBarsResponse wraps the historical bars payload.
type historicalBarsResponse struct {
	Bars          []swing.Bar `json:"bars"`
	Symbol        string      `json:"symbol"`
	NextPageToken string      `json:"next_page_token"`
}

// GetHistoricalBars fetches daily bars for regular trading days, newest first.
func (a *Alpaca) GetHistoricalBars(symbol, timeframe string, limit int, start, end time.Time) ([]swing.Bar, error) {
	req := a.data.R().
		SetResult(&historicalBarsResponse{}).
		SetQueryParams(map[string]string{
			"timeframe":  timeframe,
			"start":      start.Format("2006-01-02"),
			"end":        end.Format("2006-01-02"),
			"limit":      fmt.Sprintf("%d", limit),
			"adjustment": "raw",
			"feed":       alpacaDataFeed,
			"sort":       "desc",
		})

	resp, err := a.doRequest(context.Background(), "GET", fmt.Sprintf("/v2/stocks/%s/bars", symbol), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get historical bars for %s: %w", symbol, err)
	}

	return resp.Result().(*historicalBarsResponse).Bars, nil
}

// CreateOrder places a new order.
func (a *Alpaca) CreateOrder(ordReq OrderRequest) (*Order, error) {
	body := map[string]any{
		"symbol":        ordReq.Symbol,
		"side":          ordReq.Side,
		"type":          ordReq.Type,
		"time_in_force": ordReq.TimeInForce,
	}
	if ordReq.Notional > 0 {
		body["notional"] = fmt.Sprintf("%.2f", ordReq.Notional)
	} else {
		body["qty"] = fmt.Sprintf("%v", ordReq.Qty)
	}
	if ordReq.ExtendedHours {
		body["extended_hours"] = true
	}

	req := a.trading.R().SetBody(body).SetResult(&Order{})

	resp, err := a.doRequest(context.Background(), "POST", "/v2/orders", req)
	if err != nil {
		a.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", ordReq.Symbol),
			zap.String("side", ordReq.Side),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*Order)
	a.logger.Info("Successfully created order", zap.Any("order", result))
	return result, nil
}

// GetOrder fetches a single order by its broker id.
func (a *Alpaca) GetOrder(orderID string) (*Order, error) {
	req := a.trading.R().SetResult(&Order{})

	resp, err := a.doRequest(context.Background(), "GET", "/v2/orders/"+orderID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}

	return resp.Result().(*Order), nil
}

// GetOrders lists orders for a symbol filtered by status ("open", "closed" or "all").
func (a *Alpaca) GetOrders(symbol, status string) ([]Order, error) {
	var orders []Order
	req := a.trading.R().
		SetResult(&orders).
		SetQueryParam("status", status)
	if symbol != "" {
		req.SetQueryParam("symbols", symbol)
	}

	resp, err := a.doRequest(context.Background(), "GET", "/v2/orders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for %s: %w", symbol, err)
	}

	return *resp.Result().(*[]Order), nil
}

// ListPositions lists all open positions.
func (a *Alpaca) ListPositions() ([]Position, error) {
	var positions []Position
	req := a.trading.R().SetResult(&positions)

	resp, err := a.doRequest(context.Background(), "GET", "/v2/positions", req)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}

	return *resp.Result().(*[]Position), nil
}
