package trader

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crowemi-trades/internal/broker"
	"crowemi-trades/internal/config"
	"crowemi-trades/internal/ledger"
	"crowemi-trades/internal/notify"
	"crowemi-trades/internal/store"
	"crowemi-trades/internal/swing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner orchestrates one full pass over the active watchlist: per symbol it
// reconciles the ledger with the broker, asks the decision engine for actions,
// executes them and persists the results. Failures are isolated per symbol.
type Runner struct {
	logger   *zap.Logger
	cfg      *config.Config
	store    store.Store
	brokers  broker.Resolver
	notifier notify.Notifier
	engine   *DecisionEngine
}

// NewRunner creates a new trading runner.
func NewRunner(logger *zap.Logger, cfg *config.Config, st store.Store, brokers broker.Resolver, notifier notify.Notifier) *Runner {
	var entry EntryPolicy = WindowHighEntry{Tolerance: cfg.Trading.EntryTolerance}
	if cfg.Trading.OverrideEntry {
		entry = AlwaysEnter{}
	}

	return &Runner{
		logger:   logger,
		cfg:      cfg,
		store:    st,
		brokers:  brokers,
		notifier: notifier,
		engine:   NewDecisionEngine(logger, cfg.Trading.StrictPDT, cfg.Trading.RebuyDrop, entry),
	}
}

// newSessionID generates the per-run session identifier threaded through every
// ledger mutation for the audit trail.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Run executes one pass and returns its session id. Only startup-level
// failures (an unreadable watchlist) produce an error; per-symbol failures are
// logged, alerted and skipped.
func (r *Runner) Run() (string, error) {
	sessionID := newSessionID()
	l := r.logger.With(zap.String("session", sessionID))
	l.Info("Run start")

	watchlists, err := r.store.ActiveWatchlists()
	if err != nil {
		return sessionID, fmt.Errorf("could not read active watchlists: %w", err)
	}

	// One clock fetch per asset class, not per symbol.
	clocks := make(map[string]*broker.Clock)

	failed := 0
	for _, w := range watchlists {
		wl := l.With(zap.String("symbol", w.Symbol))
		if err := r.processSymbol(w, sessionID, clocks, wl); err != nil {
			wl.Error("Symbol processing failed", zap.Error(err))
			r.notifier.Alert(fmt.Sprintf("crowemi-trades: error processing %s: %v", w.Symbol, err))
			failed++
		}
	}

	l.Info("Run end", zap.Int("symbols", len(watchlists)), zap.Int("failed", failed))
	return sessionID, nil
}

// processSymbol runs the full decision sequence for one watchlist entry.
func (r *Runner) processSymbol(w ledger.Watchlist, sessionID string, clocks map[string]*broker.Clock, l *zap.Logger) error {
	gw, err := r.brokers.Gateway(w.Type)
	if err != nil {
		return fmt.Errorf("unroutable watchlist entry (type %q): %w", w.Type, err)
	}

	clock, ok := clocks[w.Type]
	if !ok {
		clock, err = gw.GetClock()
		if err != nil {
			return fmt.Errorf("could not get market clock: %w", err)
		}
		clocks[w.Type] = clock
	}
	if !clock.IsOpen {
		l.Warn("Market is closed; skipping symbol", zap.String("next_open", clock.NextOpen))
		return nil
	}

	now := time.Now().UTC()

	// Bring the ledger up to date with broker-side orders before deciding.
	if err := r.reconcile(gw, w, sessionID, now, l); err != nil {
		return err
	}

	open, err := r.store.OpenBatches(w.Symbol)
	if err != nil {
		return fmt.Errorf("could not read open batches: %w", err)
	}

	bar, err := gw.GetLatestBar(w.Symbol)
	if err != nil {
		return fmt.Errorf("could not get latest bar: %w", err)
	}

	stats := r.swingStats(gw, w.Symbol, now, l)

	actions := r.engine.Evaluate(w, open, bar.Close, stats, now)

	// Execute in order; the engine emits sells before any rebuy.
	cur := w
	for _, action := range actions {
		switch action.Type {
		case ActionBuy:
			cur, err = r.executeBuy(gw, cur, action, sessionID, l)
		case ActionSell:
			cur, err = r.executeSell(gw, cur, *action.Batch, sessionID, l)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// swingStats computes the exit-target statistics from a daily-bar history
// window. Not enough history is a per-cycle condition, not an error: the
// engine simply cannot evaluate sells or window-high entries this run.
func (r *Runner) swingStats(gw broker.Gateway, symbol string, now time.Time, l *zap.Logger) *swing.Stats {
	start := now.AddDate(0, 0, -r.cfg.Trading.HistoryDays)
	bars, err := gw.GetHistoricalBars(symbol, "1D", 1000, start, now)
	if err != nil {
		l.Warn("Could not get historical bars", zap.Error(err))
		return nil
	}

	stats, err := swing.Analyze(bars, r.cfg.Trading.SwingWindow)
	if err != nil {
		l.Warn("Swing analysis unavailable",
			zap.Int("bars", len(bars)),
			zap.Int("window", r.cfg.Trading.SwingWindow),
			zap.Error(err))
		return nil
	}

	l.Info("Swing statistics",
		zap.Float64("avg_daily_swing", stats.AvgDailySwing),
		zap.Float64("swing_25", stats.Swing25))
	return &stats
}

// reconcile creates ledger rows for broker-side buy orders the ledger has
// never seen, e.g. after a crashed or double-fired run. Running it twice in a
// row is a no-op thanks to the store's insert-if-absent primitive.
func (r *Runner) reconcile(gw broker.Gateway, w ledger.Watchlist, sessionID string, now time.Time, l *zap.Logger) error {
	orders, err := gw.GetOrders(w.Symbol, "all")
	if err != nil {
		return fmt.Errorf("could not list broker orders: %w", err)
	}

	existing, err := r.store.BatchesBySymbol(w.Symbol)
	if err != nil {
		return fmt.Errorf("could not read ledger batches: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, b := range existing {
		known[b.BuyOrderID] = struct{}{}
	}

	missing := 0
	for _, ord := range orders {
		if ord.Side != broker.OrderSideBuy {
			continue
		}
		// A terminal buy that never filled (canceled, expired, rejected) must
		// not become an open batch: it would count against the cap and block
		// entry without ever being sellable. A partial fill still counts.
		if ord.Status != broker.StatusFilled && !broker.IsPending(ord.Status) && !ord.HasFill() {
			continue
		}
		if _, ok := known[ord.ID]; ok {
			continue
		}

		batch, err := ledger.NewBatch(w, ord, sessionID, now)
		if err != nil {
			l.Error("Skipping malformed broker order", zap.String("order_id", ord.ID), zap.Error(err))
			continue
		}

		inserted, err := r.store.InsertBatchIfAbsent(batch)
		if err != nil {
			return fmt.Errorf("could not backfill order %s: %w", ord.ID, err)
		}
		if inserted {
			missing++
		}
	}

	if missing > 0 {
		l.Warn("Missing orders backfilled into ledger", zap.Int("count", missing))
	}
	return nil
}

// executeBuy places a notional market buy and records the resulting batch.
func (r *Runner) executeBuy(gw broker.Gateway, w ledger.Watchlist, action Action, sessionID string, l *zap.Logger) (ledger.Watchlist, error) {
	l.Info("Buying", zap.Float64("notional", action.Notional), zap.String("reason", action.Reason))

	if r.cfg.Trading.DryRun {
		l.Warn("Dry run enabled; no buy order placed")
		return w, nil
	}

	ord, err := gw.CreateOrder(broker.OrderRequest{
		Symbol:        w.Symbol,
		Side:          broker.OrderSideBuy,
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TimeInForceDay,
		Notional:      action.Notional,
		ExtendedHours: w.ExtendedHours,
	})
	if err != nil {
		return w, fmt.Errorf("buy order failed: %w", err)
	}

	ord = r.refreshIfPending(gw, ord, l)

	batch, updated, err := ledger.ApplyBuy(w, *ord, sessionID, time.Now().UTC())
	if err != nil {
		return w, fmt.Errorf("could not record buy %s: %w", ord.ID, err)
	}

	inserted, err := r.store.InsertBatchIfAbsent(batch)
	if err != nil {
		return w, fmt.Errorf("could not persist batch %s: %w", batch.BuyOrderID, err)
	}
	if !inserted {
		// A retried run already recorded this fill; don't double-count it.
		l.Warn("Buy order already recorded; skipping ledger update", zap.String("order_id", ord.ID))
		return w, nil
	}

	if err := r.store.UpsertWatchlist(updated); err != nil {
		return w, fmt.Errorf("could not persist watchlist: %w", err)
	}

	r.notifier.Alert(fmt.Sprintf("buying %s@%.2f", w.Symbol, action.Notional))
	return updated, nil
}

// executeSell sells the whole batch quantity and closes the batch.
func (r *Runner) executeSell(gw broker.Gateway, w ledger.Watchlist, batch ledger.OrderBatch, sessionID string, l *zap.Logger) (ledger.Watchlist, error) {
	l.Info("Selling", zap.String("buy_order_id", batch.BuyOrderID))

	if r.cfg.Trading.DryRun {
		l.Warn("Dry run enabled; no sell order placed")
		return w, nil
	}
	if batch.Quantity == nil {
		return w, fmt.Errorf("batch %s has no fill quantity: %w", batch.BuyOrderID, ledger.ErrMalformedBrokerOrder)
	}

	ord, err := gw.CreateOrder(broker.OrderRequest{
		Symbol:        w.Symbol,
		Side:          broker.OrderSideSell,
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TimeInForceDay,
		Qty:           *batch.Quantity,
		ExtendedHours: w.ExtendedHours,
	})
	if err != nil {
		return w, fmt.Errorf("sell order failed: %w", err)
	}

	ord = r.refreshIfPending(gw, ord, l)

	closed, err := ledger.ApplySell(batch, *ord, sessionID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyClosed) || errors.Is(err, ledger.ErrMalformedBrokerOrder) {
			// Data error on this batch; skip it, keep the symbol going.
			l.Error("Could not close batch", zap.String("buy_order_id", batch.BuyOrderID), zap.Error(err))
			return w, nil
		}
		return w, err
	}

	if err := r.store.UpdateBatch(closed); err != nil {
		return w, fmt.Errorf("could not persist batch %s: %w", closed.BuyOrderID, err)
	}

	updated := w.RecordSell(sessionID, *closed.Profit, time.Now().UTC())
	if err := r.store.UpsertWatchlist(updated); err != nil {
		return w, fmt.Errorf("could not persist watchlist: %w", err)
	}

	r.notifier.Alert(fmt.Sprintf("selling %s; profit %.2f", w.Symbol, *closed.Profit))
	return updated, nil
}

// refreshIfPending refetches an order whose ack didn't carry fill details yet.
// Sometimes the order doesn't process immediately; one refresh is enough, a
// still-pending order is recorded as pending and reconciled on a later run.
func (r *Runner) refreshIfPending(gw broker.Gateway, ord *broker.Order, l *zap.Logger) *broker.Order {
	if !broker.IsPending(ord.Status) {
		return ord
	}
	refreshed, err := gw.GetOrder(ord.ID)
	if err != nil {
		l.Warn("Could not refresh pending order", zap.String("order_id", ord.ID), zap.Error(err))
		return ord
	}
	return refreshed
}
