package trader

import (
	"errors"
	"testing"
	"time"

	"crowemi-trades/internal/broker"
	"crowemi-trades/internal/config"
	"crowemi-trades/internal/ledger"
	"crowemi-trades/internal/swing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockGateway is a mock implementation of broker.Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) GetClock() (*broker.Clock, error) {
	args := m.Called()
	return args.Get(0).(*broker.Clock), args.Error(1)
}

func (m *MockGateway) GetLatestBar(symbol string) (*swing.Bar, error) {
	args := m.Called(symbol)
	return args.Get(0).(*swing.Bar), args.Error(1)
}

func (m *MockGateway) GetHistoricalBars(symbol, timeframe string, limit int, start, end time.Time) ([]swing.Bar, error) {
	args := m.Called(symbol, timeframe, limit, start, end)
	return args.Get(0).([]swing.Bar), args.Error(1)
}

func (m *MockGateway) CreateOrder(req broker.OrderRequest) (*broker.Order, error) {
	args := m.Called(req)
	return args.Get(0).(*broker.Order), args.Error(1)
}

func (m *MockGateway) GetOrder(orderID string) (*broker.Order, error) {
	args := m.Called(orderID)
	return args.Get(0).(*broker.Order), args.Error(1)
}

func (m *MockGateway) GetOrders(symbol, status string) ([]broker.Order, error) {
	args := m.Called(symbol, status)
	return args.Get(0).([]broker.Order), args.Error(1)
}

func (m *MockGateway) ListPositions() ([]broker.Position, error) {
	args := m.Called()
	return args.Get(0).([]broker.Position), args.Error(1)
}

// MockStore is a mock implementation of store.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) ActiveWatchlists() ([]ledger.Watchlist, error) {
	args := m.Called()
	return args.Get(0).([]ledger.Watchlist), args.Error(1)
}

func (m *MockStore) UpsertWatchlist(w ledger.Watchlist) error {
	return m.Called(w).Error(0)
}

func (m *MockStore) BatchesBySymbol(symbol string) ([]ledger.OrderBatch, error) {
	args := m.Called(symbol)
	return args.Get(0).([]ledger.OrderBatch), args.Error(1)
}

func (m *MockStore) OpenBatches(symbol string) ([]ledger.OrderBatch, error) {
	args := m.Called(symbol)
	return args.Get(0).([]ledger.OrderBatch), args.Error(1)
}

func (m *MockStore) InsertBatch(b ledger.OrderBatch) error {
	return m.Called(b).Error(0)
}

func (m *MockStore) InsertBatchIfAbsent(b ledger.OrderBatch) (bool, error) {
	args := m.Called(b)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) UpdateBatch(b ledger.OrderBatch) error {
	return m.Called(b).Error(0)
}

func (m *MockStore) ClosedProfit() (float64, error) {
	args := m.Called()
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockStore) Ping() error  { return m.Called().Error(0) }
func (m *MockStore) Close() error { return m.Called().Error(0) }

// MockNotifier is a mock implementation of notify.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Alert(message string) {
	m.Called(message)
}

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.Trading{
			StrictPDT:     true,
			OverrideEntry: true,
			RebuyDrop:     0.025,
			SwingWindow:   2,
			HistoryDays:   60,
		},
	}
}

// setupRunner wires a runner against mocks with one stock gateway.
func setupRunner(cfg *config.Config) (*Runner, *MockGateway, *MockStore, *MockNotifier) {
	gw := new(MockGateway)
	st := new(MockStore)
	notifier := new(MockNotifier)
	runner := NewRunner(zap.NewNop(), cfg, st, broker.NewFactory(gw, nil), notifier)
	return runner, gw, st, notifier
}

// testBars returns enough daily bars for a window of 2.
func testBars() []swing.Bar {
	return []swing.Bar{
		{Open: 101, High: 102, Low: 99, Close: 100, Timestamp: time.Date(2024, 11, 25, 5, 0, 0, 0, time.UTC)},
		{Open: 100, High: 101, Low: 98, Close: 99, Timestamp: time.Date(2024, 11, 24, 5, 0, 0, 0, time.UTC)},
	}
}

func filledOrder(id string, side, price, qty string) *broker.Order {
	return &broker.Order{
		ID:             id,
		Symbol:         "AAPL",
		Side:           side,
		Status:         broker.StatusFilled,
		FilledQty:      qty,
		FilledAvgPrice: price,
		CreatedAt:      "2024-11-25T14:30:00Z",
	}
}

func TestRunner_Reconcile_BackfillsMissingBuys(t *testing.T) {
	runner, gw, st, _ := setupRunner(testConfig())
	w := testWatchlist()
	now := time.Date(2024, 11, 25, 15, 0, 0, 0, time.UTC)

	known := *filledOrder("buy-1", broker.OrderSideBuy, "234.56", "0.085")
	missing := *filledOrder("buy-2", broker.OrderSideBuy, "230.00", "0.087")
	sell := *filledOrder("sell-1", broker.OrderSideSell, "236.10", "0.085")

	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{known, missing, sell}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{{BuyOrderID: "buy-1", Symbol: "AAPL"}}, nil)
	st.On("InsertBatchIfAbsent", mock.MatchedBy(func(b ledger.OrderBatch) bool {
		return b.BuyOrderID == "buy-2"
	})).Return(true, nil).Once()

	err := runner.reconcile(gw, w, "sess-1", now, zap.NewNop())
	assert.NoError(t, err)

	// only the missing buy order is written; the known buy and the sell are not
	st.AssertNumberOfCalls(t, "InsertBatchIfAbsent", 1)
}

func TestRunner_Reconcile_Idempotent(t *testing.T) {
	runner, gw, st, _ := setupRunner(testConfig())
	w := testWatchlist()
	now := time.Date(2024, 11, 25, 15, 0, 0, 0, time.UTC)

	missing := *filledOrder("buy-2", broker.OrderSideBuy, "230.00", "0.087")
	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{missing}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{}, nil)
	// second pass: the row already exists, the store reports no insert
	st.On("InsertBatchIfAbsent", mock.Anything).Return(true, nil).Once()
	st.On("InsertBatchIfAbsent", mock.Anything).Return(false, nil).Once()

	assert.NoError(t, runner.reconcile(gw, w, "sess-1", now, zap.NewNop()))
	assert.NoError(t, runner.reconcile(gw, w, "sess-1", now, zap.NewNop()))
	st.AssertNumberOfCalls(t, "InsertBatchIfAbsent", 2)
}

func TestRunner_Reconcile_SkipsTerminalUnfilledBuys(t *testing.T) {
	runner, gw, st, _ := setupRunner(testConfig())
	w := testWatchlist()
	now := time.Date(2024, 11, 25, 15, 0, 0, 0, time.UTC)

	canceled := *filledOrder("buy-1", broker.OrderSideBuy, "", "")
	canceled.Status = "canceled"
	expired := *filledOrder("buy-2", broker.OrderSideBuy, "", "0")
	expired.Status = "expired"
	// a canceled order that partially filled still owns shares
	partial := *filledOrder("buy-3", broker.OrderSideBuy, "234.56", "0.042")
	partial.Status = "canceled"
	pending := *filledOrder("buy-4", broker.OrderSideBuy, "", "")
	pending.Status = broker.StatusPendingNew

	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{canceled, expired, partial, pending}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{}, nil)
	st.On("InsertBatchIfAbsent", mock.MatchedBy(func(b ledger.OrderBatch) bool {
		return b.BuyOrderID == "buy-3" || b.BuyOrderID == "buy-4"
	})).Return(true, nil).Twice()

	err := runner.reconcile(gw, w, "sess-1", now, zap.NewNop())
	assert.NoError(t, err)

	// the never-filled terminal orders are not written
	st.AssertNumberOfCalls(t, "InsertBatchIfAbsent", 2)
}

func TestRunner_Run_CanceledBuyDoesNotBlockEntry(t *testing.T) {
	runner, gw, st, notifier := setupRunner(testConfig())

	canceled := *filledOrder("buy-1", broker.OrderSideBuy, "", "")
	canceled.Status = "canceled"

	st.On("ActiveWatchlists").Return([]ledger.Watchlist{testWatchlist()}, nil)
	gw.On("GetClock").Return(&broker.Clock{IsOpen: true}, nil)
	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{canceled}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{}, nil)
	// the canceled order never entered the ledger, so the symbol has no
	// open batches and entry is still possible
	st.On("OpenBatches", "AAPL").Return([]ledger.OrderBatch{}, nil)
	gw.On("GetLatestBar", "AAPL").Return(&swing.Bar{Close: 234.56}, nil)
	gw.On("GetHistoricalBars", "AAPL", "1D", 1000, mock.Anything, mock.Anything).Return(testBars(), nil)

	gw.On("CreateOrder", mock.MatchedBy(func(req broker.OrderRequest) bool {
		return req.Side == broker.OrderSideBuy
	})).Return(filledOrder("buy-2", broker.OrderSideBuy, "234.56", "0.085"), nil)
	st.On("InsertBatchIfAbsent", mock.MatchedBy(func(b ledger.OrderBatch) bool {
		return b.BuyOrderID == "buy-2"
	})).Return(true, nil)
	st.On("UpsertWatchlist", mock.Anything).Return(nil)
	notifier.On("Alert", mock.Anything).Return()

	_, err := runner.Run()
	assert.NoError(t, err)

	gw.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestRunner_Run_MarketClosedSkipsSymbol(t *testing.T) {
	runner, gw, st, notifier := setupRunner(testConfig())

	st.On("ActiveWatchlists").Return([]ledger.Watchlist{testWatchlist()}, nil)
	gw.On("GetClock").Return(&broker.Clock{IsOpen: false, NextOpen: "2024-11-26T14:30:00Z"}, nil)

	_, err := runner.Run()
	assert.NoError(t, err)

	gw.AssertNotCalled(t, "GetOrders", mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "Alert", mock.Anything)
}

func TestRunner_Run_BuyEntryFlow(t *testing.T) {
	runner, gw, st, notifier := setupRunner(testConfig())
	w := testWatchlist()

	st.On("ActiveWatchlists").Return([]ledger.Watchlist{w}, nil)
	gw.On("GetClock").Return(&broker.Clock{IsOpen: true}, nil)
	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{}, nil)
	st.On("OpenBatches", "AAPL").Return([]ledger.OrderBatch{}, nil)
	gw.On("GetLatestBar", "AAPL").Return(&swing.Bar{Close: 234.56}, nil)
	gw.On("GetHistoricalBars", "AAPL", "1D", 1000, mock.Anything, mock.Anything).Return(testBars(), nil)

	gw.On("CreateOrder", mock.MatchedBy(func(req broker.OrderRequest) bool {
		return req.Side == broker.OrderSideBuy && req.Notional == 20.0 && req.Symbol == "AAPL"
	})).Return(filledOrder("buy-1", broker.OrderSideBuy, "234.56", "0.085"), nil)

	st.On("InsertBatchIfAbsent", mock.MatchedBy(func(b ledger.OrderBatch) bool {
		return b.BuyOrderID == "buy-1" && b.IsOpen()
	})).Return(true, nil)
	st.On("UpsertWatchlist", mock.MatchedBy(func(got ledger.Watchlist) bool {
		return got.TotalBuy == 1
	})).Return(nil)
	notifier.On("Alert", mock.Anything).Return()

	_, err := runner.Run()
	assert.NoError(t, err)

	gw.AssertExpectations(t)
	st.AssertExpectations(t)
	notifier.AssertCalled(t, "Alert", "buying AAPL@20.00")
}

func TestRunner_Run_SellFlow(t *testing.T) {
	runner, gw, st, notifier := setupRunner(testConfig())
	w := testWatchlist()
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	batch := openBatch("buy-1", 100, yesterday)

	st.On("ActiveWatchlists").Return([]ledger.Watchlist{w}, nil)
	gw.On("GetClock").Return(&broker.Clock{IsOpen: true}, nil)
	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{batch}, nil)
	st.On("OpenBatches", "AAPL").Return([]ledger.OrderBatch{batch}, nil)
	// window avg swing is 3, so the sell target is 100.75
	gw.On("GetLatestBar", "AAPL").Return(&swing.Bar{Close: 102}, nil)
	gw.On("GetHistoricalBars", "AAPL", "1D", 1000, mock.Anything, mock.Anything).Return(testBars(), nil)

	gw.On("CreateOrder", mock.MatchedBy(func(req broker.OrderRequest) bool {
		return req.Side == broker.OrderSideSell && req.Qty == 0.085
	})).Return(filledOrder("sell-1", broker.OrderSideSell, "102.00", "0.085"), nil)

	st.On("UpdateBatch", mock.MatchedBy(func(b ledger.OrderBatch) bool {
		return b.IsClosed() && b.Profit != nil && *b.Profit == 0.17
	})).Return(nil)
	st.On("UpsertWatchlist", mock.MatchedBy(func(got ledger.Watchlist) bool {
		return got.TotalSell == 1 && got.TotalProfit == 0.17
	})).Return(nil)
	notifier.On("Alert", mock.Anything).Return()

	_, err := runner.Run()
	assert.NoError(t, err)

	gw.AssertExpectations(t)
	st.AssertExpectations(t)
	notifier.AssertCalled(t, "Alert", "selling AAPL; profit 0.17")
}

func TestRunner_Run_DryRunPlacesNoOrders(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.DryRun = true
	runner, gw, st, _ := setupRunner(cfg)

	st.On("ActiveWatchlists").Return([]ledger.Watchlist{testWatchlist()}, nil)
	gw.On("GetClock").Return(&broker.Clock{IsOpen: true}, nil)
	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{}, nil)
	st.On("OpenBatches", "AAPL").Return([]ledger.OrderBatch{}, nil)
	gw.On("GetLatestBar", "AAPL").Return(&swing.Bar{Close: 234.56}, nil)
	gw.On("GetHistoricalBars", "AAPL", "1D", 1000, mock.Anything, mock.Anything).Return(testBars(), nil)

	_, err := runner.Run()
	assert.NoError(t, err)

	gw.AssertNotCalled(t, "CreateOrder", mock.Anything)
	st.AssertNotCalled(t, "InsertBatchIfAbsent", mock.Anything)
}

func TestRunner_Run_SymbolFailureIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.DryRun = true
	runner, gw, st, notifier := setupRunner(cfg)

	bad := testWatchlist()
	bad.Symbol = "TSLA"
	good := testWatchlist()

	st.On("ActiveWatchlists").Return([]ledger.Watchlist{bad, good}, nil)
	gw.On("GetClock").Return(&broker.Clock{IsOpen: true}, nil)

	// the first symbol fails at the ledger read
	gw.On("GetOrders", "TSLA", "all").Return([]broker.Order{}, nil)
	st.On("BatchesBySymbol", "TSLA").Return([]ledger.OrderBatch{}, errors.New("connection reset"))
	notifier.On("Alert", mock.Anything).Return()

	// the second still gets a full pass
	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{}, nil)
	st.On("OpenBatches", "AAPL").Return([]ledger.OrderBatch{}, nil)
	gw.On("GetLatestBar", "AAPL").Return(&swing.Bar{Close: 234.56}, nil)
	gw.On("GetHistoricalBars", "AAPL", "1D", 1000, mock.Anything, mock.Anything).Return(testBars(), nil)

	_, err := runner.Run()
	assert.NoError(t, err)

	st.AssertCalled(t, "OpenBatches", "AAPL")
	notifier.AssertNumberOfCalls(t, "Alert", 1)
}

func TestRunner_Run_PendingOrderRefreshed(t *testing.T) {
	runner, gw, st, notifier := setupRunner(testConfig())

	st.On("ActiveWatchlists").Return([]ledger.Watchlist{testWatchlist()}, nil)
	gw.On("GetClock").Return(&broker.Clock{IsOpen: true}, nil)
	gw.On("GetOrders", "AAPL", "all").Return([]broker.Order{}, nil)
	st.On("BatchesBySymbol", "AAPL").Return([]ledger.OrderBatch{}, nil)
	st.On("OpenBatches", "AAPL").Return([]ledger.OrderBatch{}, nil)
	gw.On("GetLatestBar", "AAPL").Return(&swing.Bar{Close: 234.56}, nil)
	gw.On("GetHistoricalBars", "AAPL", "1D", 1000, mock.Anything, mock.Anything).Return(testBars(), nil)

	pending := &broker.Order{ID: "buy-1", Symbol: "AAPL", Side: broker.OrderSideBuy, Status: broker.StatusPendingNew, CreatedAt: "2024-11-25T14:30:00Z"}
	gw.On("CreateOrder", mock.Anything).Return(pending, nil)
	gw.On("GetOrder", "buy-1").Return(filledOrder("buy-1", broker.OrderSideBuy, "234.56", "0.085"), nil)

	st.On("InsertBatchIfAbsent", mock.MatchedBy(func(b ledger.OrderBatch) bool {
		return b.BuyStatus == broker.StatusFilled && b.BuyPrice != nil
	})).Return(true, nil)
	st.On("UpsertWatchlist", mock.Anything).Return(nil)
	notifier.On("Alert", mock.Anything).Return()

	_, err := runner.Run()
	assert.NoError(t, err)
	gw.AssertCalled(t, "GetOrder", "buy-1")
}
