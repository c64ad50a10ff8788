package store

import (
	"fmt"

	"crowemi-trades/internal/config"
	"crowemi-trades/internal/ledger"
	"go.uber.org/zap"
)

// Store is the persistence gateway for the trading ledger. Documents round-trip
// through the ledger types; no schema beyond that is enforced.
type Store interface {
	ActiveWatchlists() ([]ledger.Watchlist, error)
	UpsertWatchlist(w ledger.Watchlist) error

	BatchesBySymbol(symbol string) ([]ledger.OrderBatch, error)
	OpenBatches(symbol string) ([]ledger.OrderBatch, error)
	InsertBatch(b ledger.OrderBatch) error
	// InsertBatchIfAbsent inserts the batch unless a batch with the same buy
	// order id already exists. It reports whether an insert happened. This is
	// the atomic primitive reconciliation and retried runs rely on.
	InsertBatchIfAbsent(b ledger.OrderBatch) (bool, error)
	UpdateBatch(b ledger.OrderBatch) error

	// ClosedProfit sums realized profit across all closed batches.
	ClosedProfit() (float64, error)

	Ping() error
	Close() error
}

// New creates the store selected by the configured driver.
func New(cfg *config.Store, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "mongo":
		return NewMongo(cfg.URI, cfg.Database, logger)
	case "sqlite":
		return NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
