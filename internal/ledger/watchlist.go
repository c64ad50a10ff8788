package ledger

import "time"

// Watchlist is one symbol under active management: sizing and limit
// configuration plus running counters. It is a value type; mutation happens
// through the Record* methods which return the updated value, and the caller
// persists it.
type Watchlist struct {
	Symbol              string     `bson:"symbol" gorm:"primaryKey"`
	Type                string     `bson:"type" gorm:"column:type"`
	IsActive            bool       `bson:"is_active"`
	BatchSize           float64    `bson:"batch_size"`
	TotalAllowedBatches int        `bson:"total_allowed_batches"`
	ExtendedHours       bool       `bson:"extended_hours"`
	TotalBuy            int        `bson:"total_buy"`
	TotalSell           int        `bson:"total_sell"`
	TotalProfit         float64    `bson:"total_profit"`
	LastBuyAt           *time.Time `bson:"last_buy_at,omitempty"`
	LastBuySession      string     `bson:"last_buy_session,omitempty"`
	LastSellAt          *time.Time `bson:"last_sell_at,omitempty"`
	LastSellSession     string     `bson:"last_sell_session,omitempty"`
	CreatedAt           time.Time  `bson:"created_at" gorm:"autoCreateTime:false"`
	CreatedAtSession    string     `bson:"created_at_session"`
	UpdatedAt           time.Time  `bson:"updated_at" gorm:"autoUpdateTime:false"`
	UpdatedAtSession    string     `bson:"updated_at_session"`
}

// RecordBuy returns the watchlist with the buy counters advanced.
func (w Watchlist) RecordBuy(sessionID string, now time.Time) Watchlist {
	w.LastBuyAt = &now
	w.LastBuySession = sessionID
	w.TotalBuy++
	w.UpdatedAt = now
	w.UpdatedAtSession = sessionID
	return w
}

// RecordSell returns the watchlist with the sell counters advanced and the
// realized profit added to the running total. Profit may be negative.
func (w Watchlist) RecordSell(sessionID string, profit float64, now time.Time) Watchlist {
	w.LastSellAt = &now
	w.LastSellSession = sessionID
	w.TotalSell++
	w.TotalProfit += profit
	w.UpdatedAt = now
	w.UpdatedAtSession = sessionID
	return w
}
