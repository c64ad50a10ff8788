package trader

import (
	"fmt"
	"time"

	"crowemi-trades/internal/ledger"
	"crowemi-trades/internal/swing"
	"go.uber.org/zap"
)

// ActionType is the kind of order the engine wants placed.
type ActionType string

const (
	ActionBuy  ActionType = "buy"
	ActionSell ActionType = "sell"
)

// Action is a single order the runner should execute for a symbol.
type Action struct {
	Type     ActionType
	Notional float64            // buy sizing
	Batch    *ledger.OrderBatch // the batch a sell closes
	Reason   string
}

// EntryPolicy decides whether to open a first position in a symbol that has
// no open batches. Stats may be nil when swing analysis was not possible.
type EntryPolicy interface {
	Name() string
	ShouldEnter(latestClose float64, stats *swing.Stats) bool
}

// AlwaysEnter opens a position whenever there is none.
type AlwaysEnter struct{}

func (AlwaysEnter) Name() string { return "always" }

func (AlwaysEnter) ShouldEnter(float64, *swing.Stats) bool { return true }

// WindowHighEntry enters when the latest close sits within Tolerance percent
// below the window high, i.e. the symbol is trading near recent strength.
type WindowHighEntry struct {
	Tolerance float64 // percent, e.g. 1.0 allows a 1% pullback from the high
}

func (WindowHighEntry) Name() string { return "window-high" }

func (p WindowHighEntry) ShouldEnter(latestClose float64, stats *swing.Stats) bool {
	if stats == nil {
		return false
	}
	// PercentChange is negative below the window high.
	return stats.PercentChange >= -p.Tolerance
}

// DecisionEngine turns ledger state and market data into buy/sell actions for
// one symbol. It is pure: no gateway access, no clock reads beyond `now`.
type DecisionEngine struct {
	logger    *zap.Logger
	strictPDT bool
	rebuyDrop float64 // fraction of the last buy price, e.g. 0.025
	entry     EntryPolicy
}

// NewDecisionEngine creates a new decision engine.
func NewDecisionEngine(logger *zap.Logger, strictPDT bool, rebuyDrop float64, entry EntryPolicy) *DecisionEngine {
	return &DecisionEngine{
		logger:    logger,
		strictPDT: strictPDT,
		rebuyDrop: rebuyDrop,
		entry:     entry,
	}
}

// Evaluate produces the actions for one symbol this run. `open` is the set of
// open batches at the start of the run; `stats` is nil when there was not
// enough bar history, which disables sell and entry evaluation but not rebuy.
//
// Sells are always evaluated before the rebuy so that closing a position is
// never skipped in favor of buying more.
func (e *DecisionEngine) Evaluate(w ledger.Watchlist, open []ledger.OrderBatch, latestClose float64, stats *swing.Stats, now time.Time) []Action {
	l := e.logger.With(zap.String("symbol", w.Symbol))

	if len(open) == 0 {
		if e.entry.ShouldEnter(latestClose, stats) {
			l.Info("No open batches; entering position",
				zap.String("entry_policy", e.entry.Name()),
				zap.Float64("notional", w.BatchSize))
			return []Action{{Type: ActionBuy, Notional: w.BatchSize, Reason: "entry"}}
		}
		l.Info("No entry point found", zap.String("entry_policy", e.entry.Name()))
		return nil
	}

	var actions []Action

	switch {
	case e.strictPDT && boughtToday(open, now):
		// Selling a same-day buy is a pattern day trade; skip all sells this
		// run. Rebuy below is unaffected.
		l.Info("Batch purchased today; skipping sell", zap.Time("today", now.UTC()))
	case stats == nil:
		l.Warn("No swing statistics; cannot evaluate sell this cycle")
	default:
		for i := range open {
			b := &open[i]
			if b.BuyPrice == nil || b.Quantity == nil {
				l.Info("Batch has no fill data yet; skipping sell", zap.String("buy_order_id", b.BuyOrderID))
				continue
			}
			target := swing.Round2(*b.BuyPrice + stats.Swing25)
			l.Info("Evaluating sell",
				zap.String("buy_order_id", b.BuyOrderID),
				zap.Float64("target_price", target),
				zap.Float64("latest_close", latestClose))
			if latestClose >= target {
				actions = append(actions, Action{
					Type:   ActionSell,
					Batch:  b,
					Reason: fmt.Sprintf("target %.2f reached", target),
				})
			}
		}
	}

	// The rebuy is judged against the batch set as it stood at the start of
	// the run, regardless of how many sells were just emitted.
	if a := e.rebuy(w, open, latestClose, l); a != nil {
		actions = append(actions, *a)
	}
	return actions
}

// rebuy emits an additional buy when the most recent open batch has dropped by
// the configured fraction and the batch cap leaves room. The cap check is
// strict: with the cap already reached, no rebuy regardless of price.
func (e *DecisionEngine) rebuy(w ledger.Watchlist, open []ledger.OrderBatch, latestClose float64, l *zap.Logger) *Action {
	if len(open) >= w.TotalAllowedBatches {
		l.Info("Batch cap reached; no rebuy",
			zap.Int("open_batches", len(open)),
			zap.Int("total_allowed_batches", w.TotalAllowedBatches))
		return nil
	}

	last := ledger.LastCreated(open)
	if last == nil || last.BuyPrice == nil {
		return nil
	}

	rebuyPrice := *last.BuyPrice - *last.BuyPrice*e.rebuyDrop
	l.Info("Evaluating rebuy",
		zap.Float64("rebuy_price", rebuyPrice),
		zap.Float64("last_buy_price", *last.BuyPrice),
		zap.Float64("latest_close", latestClose))

	if latestClose <= rebuyPrice {
		return &Action{
			Type:     ActionBuy,
			Notional: w.BatchSize,
			Reason:   fmt.Sprintf("drop below %.2f", rebuyPrice),
		}
	}
	return nil
}

// boughtToday reports whether any open batch was bought on the current UTC
// calendar date.
func boughtToday(open []ledger.OrderBatch, now time.Time) bool {
	for _, b := range open {
		if b.BoughtOn(now) {
			return true
		}
	}
	return false
}
