package store

import (
	"fmt"

	"crowemi-trades/internal/ledger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLite is a gorm-backed ledger store for local and dry-run operation, where
// a MongoDB deployment is more than the job needs.
type SQLite struct {
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at the given DSN and migrates the
// ledger schema.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&ledger.Watchlist{}, &ledger.OrderBatch{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// ActiveWatchlists returns all watchlist entries under active management.
func (s *SQLite) ActiveWatchlists() ([]ledger.Watchlist, error) {
	var watchlists []ledger.Watchlist
	if err := s.db.Where("is_active = ?", true).Find(&watchlists).Error; err != nil {
		return nil, fmt.Errorf("failed to read watchlist: %w", err)
	}
	return watchlists, nil
}

// UpsertWatchlist writes the watchlist entry keyed by symbol.
func (s *SQLite) UpsertWatchlist(w ledger.Watchlist) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(&w).Error
	if err != nil {
		return fmt.Errorf("failed to upsert watchlist %s: %w", w.Symbol, err)
	}
	return nil
}

// BatchesBySymbol returns every order batch for the symbol, open or closed.
func (s *SQLite) BatchesBySymbol(symbol string) ([]ledger.OrderBatch, error) {
	var batches []ledger.OrderBatch
	if err := s.db.Where("symbol = ?", symbol).Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to read order batches: %w", err)
	}
	return batches, nil
}

// OpenBatches returns the batches whose sell side is not yet populated.
func (s *SQLite) OpenBatches(symbol string) ([]ledger.OrderBatch, error) {
	var batches []ledger.OrderBatch
	if err := s.db.Where("symbol = ? AND sell_order_id IS NULL", symbol).Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to read open batches: %w", err)
	}
	return batches, nil
}

// InsertBatch writes a new order batch.
func (s *SQLite) InsertBatch(b ledger.OrderBatch) error {
	if err := s.db.Create(&b).Error; err != nil {
		return fmt.Errorf("failed to insert order batch %s: %w", b.BuyOrderID, err)
	}
	return nil
}

// InsertBatchIfAbsent inserts unless the buy order id is already present.
func (s *SQLite) InsertBatchIfAbsent(b ledger.OrderBatch) (bool, error) {
	tx := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "buy_order_id"}},
		DoNothing: true,
	}).Create(&b)
	if tx.Error != nil {
		return false, fmt.Errorf("failed to insert order batch %s: %w", b.BuyOrderID, tx.Error)
	}
	return tx.RowsAffected == 1, nil
}

// UpdateBatch replaces the batch row keyed by buy order id.
func (s *SQLite) UpdateBatch(b ledger.OrderBatch) error {
	if err := s.db.Save(&b).Error; err != nil {
		return fmt.Errorf("failed to update order batch %s: %w", b.BuyOrderID, err)
	}
	return nil
}

// ClosedProfit sums realized profit across closed batches.
func (s *SQLite) ClosedProfit() (float64, error) {
	var total float64
	err := s.db.Model(&ledger.OrderBatch{}).
		Where("sell_order_id IS NOT NULL").
		Select("COALESCE(SUM(profit), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum closed profit: %w", err)
	}
	return total, nil
}

// Ping verifies the database handle is usable.
func (s *SQLite) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
