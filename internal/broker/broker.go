package broker

import (
	"errors"
	"strconv"
	"time"

	"crowemi-trades/internal/swing"
)

const (
	AssetTypeStock  = "stock"
	AssetTypeCrypto = "crypto"

	OrderSideBuy    = "buy"
	OrderSideSell   = "sell"
	OrderTypeMarket = "market"
	TimeInForceDay  = "day"

	StatusFilled     = "filled"
	StatusPending    = "pending"
	StatusPendingNew = "pending_new"
)

// ErrInvalidAssetType is returned by the factory for a watchlist entry whose
// asset type has no gateway.
var ErrInvalidAssetType = errors.New("no broker gateway for asset type")

// Clock is the broker's view of the market calendar.
type Clock struct {
	Timestamp string `json:"timestamp"`
	IsOpen    bool   `json:"is_open"`
	NextOpen  string `json:"next_open"`
	NextClose string `json:"next_close"`
}

// Order is the normalized broker order detail. Numeric fields stay strings as
// the brokers send them; the ledger parses what it needs.
type Order struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	TimeInForce    string `json:"time_in_force"`
	Status         string `json:"status"`
	Notional       string `json:"notional"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// HasFill reports whether the order carries any filled quantity.
func (o Order) HasFill() bool {
	qty, err := strconv.ParseFloat(o.FilledQty, 64)
	return err == nil && qty > 0
}

// Position is a broker-side holding.
type Position struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

// OrderRequest describes a new order. Exactly one of Notional or Qty is set:
// buys are sized by notional amount, sells by quantity.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Notional      float64
	Qty           float64
	ExtendedHours bool
}

// Gateway is the capability set the trading runner needs from a brokerage,
// one implementation per asset class.
type Gateway interface {
	GetClock() (*Clock, error)
	GetLatestBar(symbol string) (*swing.Bar, error)
	GetHistoricalBars(symbol, timeframe string, limit int, start, end time.Time) ([]swing.Bar, error)
	CreateOrder(req OrderRequest) (*Order, error)
	GetOrder(orderID string) (*Order, error)
	GetOrders(symbol, status string) ([]Order, error)
	ListPositions() ([]Position, error)
}

// Resolver maps an asset type to a gateway.
type Resolver interface {
	Gateway(assetType string) (Gateway, error)
}

// Factory resolves asset types to their gateway implementation. Resolution
// happens at the runner boundary so the decision engine stays gateway-agnostic.
type Factory struct {
	gateways map[string]Gateway
}

// NewFactory builds a factory from the configured gateways. A nil gateway is
// allowed; its asset type simply resolves to ErrInvalidAssetType.
func NewFactory(stock, crypto Gateway) *Factory {
	gateways := make(map[string]Gateway)
	if stock != nil {
		gateways[AssetTypeStock] = stock
	}
	if crypto != nil {
		gateways[AssetTypeCrypto] = crypto
	}
	return &Factory{gateways: gateways}
}

// Gateway returns the gateway for the given asset type.
func (f *Factory) Gateway(assetType string) (Gateway, error) {
	gw, ok := f.gateways[assetType]
	if !ok {
		return nil, ErrInvalidAssetType
	}
	return gw, nil
}

// IsPending reports whether an order ack still needs a refresh before its fill
// details are usable.
func IsPending(status string) bool {
	return status == StatusPending || status == StatusPendingNew || status == "accepted" || status == "new"
}
