package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"crowemi-trades/internal/broker"
	"crowemi-trades/internal/swing"
)

var (
	// ErrMalformedBrokerOrder is returned when a broker order lacks the id,
	// timestamps or prices the ledger needs.
	ErrMalformedBrokerOrder = errors.New("malformed broker order")

	// ErrAlreadyClosed guards against applying the same sell fill twice.
	ErrAlreadyClosed = errors.New("order batch already closed")
)

// OrderBatch is one buy-to-sell trade unit, tracked from fill to fill. The
// sell-side fields and the fill details are pointers so that "not yet set"
// survives serialization and cannot be confused with a real zero.
type OrderBatch struct {
	Symbol   string   `bson:"symbol" gorm:"index"`
	Type     string   `bson:"type" gorm:"column:type"`
	Quantity *float64 `bson:"quantity,omitempty"`
	Notional float64  `bson:"notional"`
	Profit   *float64 `bson:"profit,omitempty"`

	BuyOrderID string    `bson:"buy_order_id" gorm:"primaryKey"`
	BuyStatus  string    `bson:"buy_status"`
	BuyPrice   *float64  `bson:"buy_price,omitempty"`
	BuyAtUTC   time.Time `bson:"buy_at_utc"`
	BuySession string    `bson:"buy_session"`

	SellOrderID *string    `bson:"sell_order_id,omitempty"`
	SellStatus  *string    `bson:"sell_status,omitempty"`
	SellPrice   *float64   `bson:"sell_price,omitempty"`
	SellAtUTC   *time.Time `bson:"sell_at_utc,omitempty"`
	SellSession *string    `bson:"sell_session,omitempty"`

	CreatedAt        time.Time `bson:"created_at" gorm:"autoCreateTime:false"`
	CreatedAtSession string    `bson:"created_at_session"`
	UpdatedAt        time.Time `bson:"updated_at" gorm:"autoUpdateTime:false"`
	UpdatedAtSession string    `bson:"updated_at_session"`
}

// IsClosed reports whether the sell side is fully populated.
func (b OrderBatch) IsClosed() bool {
	return b.SellOrderID != nil && b.SellStatus != nil && b.SellPrice != nil && b.SellAtUTC != nil
}

// IsOpen reports whether the batch still awaits its sell.
func (b OrderBatch) IsOpen() bool {
	return !b.IsClosed()
}

// BoughtOn reports whether the buy fill landed on the given UTC calendar date.
func (b OrderBatch) BoughtOn(day time.Time) bool {
	y1, m1, d1 := b.BuyAtUTC.UTC().Date()
	y2, m2, d2 := day.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Age returns how long the batch has been open.
func (b OrderBatch) Age(now time.Time) time.Duration {
	return now.Sub(b.BuyAtUTC)
}

// LastCreated returns the most recently created batch, ties broken by buy
// order id so the result is deterministic. Returns nil for an empty slice.
func LastCreated(batches []OrderBatch) *OrderBatch {
	var last *OrderBatch
	for i := range batches {
		b := &batches[i]
		if last == nil ||
			b.CreatedAt.After(last.CreatedAt) ||
			(b.CreatedAt.Equal(last.CreatedAt) && b.BuyOrderID > last.BuyOrderID) {
			last = b
		}
	}
	return last
}

// NewBatch builds an open OrderBatch from a broker buy order. The order must
// carry a non-empty id and a parseable creation timestamp. Fill quantity and
// price may be absent (pending fills) and stay unset.
func NewBatch(w Watchlist, ord broker.Order, sessionID string, now time.Time) (OrderBatch, error) {
	if ord.ID == "" {
		return OrderBatch{}, fmt.Errorf("%w: missing order id", ErrMalformedBrokerOrder)
	}
	createdAt, err := parseOrderTime(ord.CreatedAt)
	if err != nil {
		return OrderBatch{}, fmt.Errorf("%w: created_at %q", ErrMalformedBrokerOrder, ord.CreatedAt)
	}
	updatedAt, err := parseOrderTime(ord.UpdatedAt)
	if err != nil {
		updatedAt = createdAt
	}

	quantity, err := optionalFloat(ord.FilledQty)
	if err != nil {
		return OrderBatch{}, fmt.Errorf("%w: filled_qty %q", ErrMalformedBrokerOrder, ord.FilledQty)
	}
	buyPrice, err := optionalFloat(ord.FilledAvgPrice)
	if err != nil {
		return OrderBatch{}, fmt.Errorf("%w: filled_avg_price %q", ErrMalformedBrokerOrder, ord.FilledAvgPrice)
	}
	notional, err := optionalFloat(ord.Notional)
	if err != nil {
		return OrderBatch{}, fmt.Errorf("%w: notional %q", ErrMalformedBrokerOrder, ord.Notional)
	}

	batch := OrderBatch{
		Symbol:           w.Symbol,
		Type:             w.Type,
		Quantity:         quantity,
		BuyOrderID:       ord.ID,
		BuyStatus:        ord.Status,
		BuyPrice:         buyPrice,
		BuyAtUTC:         now,
		BuySession:       sessionID,
		CreatedAt:        createdAt,
		CreatedAtSession: sessionID,
		UpdatedAt:        updatedAt,
		UpdatedAtSession: sessionID,
	}
	if notional != nil {
		batch.Notional = *notional
	}
	return batch, nil
}

// ApplyBuy records a buy fill: a new open batch plus the watchlist with its
// buy counters advanced.
func ApplyBuy(w Watchlist, ord broker.Order, sessionID string, now time.Time) (OrderBatch, Watchlist, error) {
	batch, err := NewBatch(w, ord, sessionID, now)
	if err != nil {
		return OrderBatch{}, w, err
	}
	return batch, w.RecordBuy(sessionID, now), nil
}

// ApplySell closes the batch with the sell order's fill data and computes the
// realized profit. It fails with ErrAlreadyClosed when the batch has already
// been sold, so a duplicated fill event cannot be applied twice.
func ApplySell(b OrderBatch, ord broker.Order, sessionID string, now time.Time) (OrderBatch, error) {
	if b.IsClosed() {
		return b, fmt.Errorf("%w: batch %s", ErrAlreadyClosed, b.BuyOrderID)
	}
	if ord.ID == "" {
		return b, fmt.Errorf("%w: missing order id", ErrMalformedBrokerOrder)
	}
	sellPrice, err := strconv.ParseFloat(ord.FilledAvgPrice, 64)
	if err != nil {
		return b, fmt.Errorf("%w: filled_avg_price %q", ErrMalformedBrokerOrder, ord.FilledAvgPrice)
	}
	if b.BuyPrice == nil || b.Quantity == nil {
		return b, fmt.Errorf("%w: selling batch %s with no buy fill", ErrMalformedBrokerOrder, b.BuyOrderID)
	}

	status := ord.Status
	b.SellOrderID = &ord.ID
	b.SellStatus = &status
	b.SellPrice = &sellPrice
	b.SellAtUTC = &now
	b.SellSession = &sessionID

	profit := swing.Round2((sellPrice - *b.BuyPrice) * *b.Quantity)
	b.Profit = &profit

	b.UpdatedAt = now
	b.UpdatedAtSession = sessionID
	return b, nil
}

// parseOrderTime accepts the RFC3339 timestamps the brokers emit.
func parseOrderTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// optionalFloat parses a numeric string the broker may omit. Empty is a valid
// "not filled yet"; anything else must parse.
func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
