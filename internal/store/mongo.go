package store

import (
	"context"
	"fmt"
	"time"

	"crowemi-trades/internal/ledger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	watchlistCollection = "watchlist"
	orderCollection     = "order"

	mongoOpTimeout = 10 * time.Second
)

// Mongo is the document-store backed ledger store.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ Store = (*Mongo)(nil)

// NewMongo connects to the given MongoDB deployment.
func NewMongo(uri, database string, logger *zap.Logger) (*Mongo, error) {
	ctx, cancel := opContext()
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	return &Mongo{
		client: client,
		db:     client.Database(database),
		logger: logger,
	}, nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), mongoOpTimeout)
}

// ActiveWatchlists returns all watchlist entries under active management.
func (m *Mongo) ActiveWatchlists() ([]ledger.Watchlist, error) {
	ctx, cancel := opContext()
	defer cancel()

	cur, err := m.db.Collection(watchlistCollection).Find(ctx, bson.M{"is_active": true})
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist: %w", err)
	}

	var watchlists []ledger.Watchlist
	if err := cur.All(ctx, &watchlists); err != nil {
		return nil, fmt.Errorf("failed to decode watchlist: %w", err)
	}
	return watchlists, nil
}

// UpsertWatchlist writes the watchlist entry keyed by symbol.
func (m *Mongo) UpsertWatchlist(w ledger.Watchlist) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := m.db.Collection(watchlistCollection).UpdateOne(ctx,
		bson.M{"symbol": w.Symbol},
		bson.M{"$set": w},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert watchlist %s: %w", w.Symbol, err)
	}
	return nil
}

// BatchesBySymbol returns every order batch for the symbol, open or closed.
func (m *Mongo) BatchesBySymbol(symbol string) ([]ledger.OrderBatch, error) {
	return m.findBatches(bson.M{"symbol": symbol})
}

// OpenBatches returns the batches whose sell side is not yet populated.
func (m *Mongo) OpenBatches(symbol string) ([]ledger.OrderBatch, error) {
	// nil matches both a missing and a null sell_order_id
	return m.findBatches(bson.M{"symbol": symbol, "sell_order_id": nil})
}

func (m *Mongo) findBatches(filter bson.M) ([]ledger.OrderBatch, error) {
	ctx, cancel := opContext()
	defer cancel()

	cur, err := m.db.Collection(orderCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read order batches: %w", err)
	}

	var batches []ledger.OrderBatch
	if err := cur.All(ctx, &batches); err != nil {
		return nil, fmt.Errorf("failed to decode order batches: %w", err)
	}
	return batches, nil
}

// InsertBatch writes a new order batch.
func (m *Mongo) InsertBatch(b ledger.OrderBatch) error {
	ctx, cancel := opContext()
	defer cancel()

	if _, err := m.db.Collection(orderCollection).InsertOne(ctx, b); err != nil {
		return fmt.Errorf("failed to insert order batch %s: %w", b.BuyOrderID, err)
	}
	return nil
}

// InsertBatchIfAbsent upserts on buy_order_id with $setOnInsert, so a batch
// that already exists is left untouched.
func (m *Mongo) InsertBatchIfAbsent(b ledger.OrderBatch) (bool, error) {
	ctx, cancel := opContext()
	defer cancel()

	res, err := m.db.Collection(orderCollection).UpdateOne(ctx,
		bson.M{"buy_order_id": b.BuyOrderID},
		bson.M{"$setOnInsert": b},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert order batch %s: %w", b.BuyOrderID, err)
	}
	return res.UpsertedCount == 1, nil
}

// UpdateBatch replaces the batch document keyed by buy order id.
func (m *Mongo) UpdateBatch(b ledger.OrderBatch) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := m.db.Collection(orderCollection).UpdateOne(ctx,
		bson.M{"buy_order_id": b.BuyOrderID},
		bson.M{"$set": b},
	)
	if err != nil {
		return fmt.Errorf("failed to update order batch %s: %w", b.BuyOrderID, err)
	}
	return nil
}

// ClosedProfit sums realized profit across closed batches.
func (m *Mongo) ClosedProfit() (float64, error) {
	batches, err := m.findBatches(bson.M{"sell_order_id": bson.M{"$ne": nil}})
	if err != nil {
		return 0, err
	}

	var total float64
	for _, b := range batches {
		if b.Profit != nil {
			total += *b.Profit
		}
	}
	return total, nil
}

// Ping verifies the deployment is reachable.
func (m *Mongo) Ping() error {
	ctx, cancel := opContext()
	defer cancel()
	return m.client.Ping(ctx, nil)
}

// Close disconnects from the deployment.
func (m *Mongo) Close() error {
	ctx, cancel := opContext()
	defer cancel()
	return m.client.Disconnect(ctx)
}
