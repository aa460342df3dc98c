// Package listener holds the WebSocket event consumers that react to
// broker state changes: the position listener (mirror alignment and
// trade classification), the leader listener (copy-trade deltas) and
// the max-loss listener (per-account daily-loss circuit breaker).
//
// Each listener's OnEvent is non-blocking by contract — it only posts
// to a buffered channel; the work happens on the listener's own Run
// goroutine where database and broker I/O is allowed.
package listener

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/instrument"
	"futures-bridge/internal/position"
	"futures-bridge/internal/store"
	"futures-bridge/internal/wsmanager"
	"futures-bridge/pkg/types"
)

// PositionListener applies one account's position, fill and order
// events to the mirror and trade ledger. The broker is truth: a
// position event overwrites whatever the mirror believed.
type PositionListener struct {
	store  *store.Store
	mirror *position.Mirror
	clock  types.Clock
	logger *slog.Logger

	accountID    uint
	brokerAcctID string

	events chan wsmanager.Event
	dedup  *eventDedup

	// Resting TP/SL prices per symbol root, maintained from order
	// events, used to classify fills as tp/sl within tick tolerance.
	mu       sync.Mutex
	tpPrices map[string]map[string]decimal.Decimal // root → orderID → price
	slPrices map[string]map[string]decimal.Decimal
}

// NewPositionListener creates the listener for one account.
func NewPositionListener(st *store.Store, mirror *position.Mirror,
	accountID uint, brokerAcctID string,
	clock types.Clock, logger *slog.Logger) *PositionListener {
	return &PositionListener{
		store:        st,
		mirror:       mirror,
		clock:        clock,
		logger:       logger.With("component", "position-listener", "account", accountID),
		accountID:    accountID,
		brokerAcctID: brokerAcctID,
		events:       make(chan wsmanager.Event, 256),
		dedup:        newEventDedup(clock),
		tpPrices:     make(map[string]map[string]decimal.Decimal),
		slPrices:     make(map[string]map[string]decimal.Decimal),
	}
}

// OnEvent enqueues one event; it never blocks the WS read loop.
func (l *PositionListener) OnEvent(evt wsmanager.Event) {
	if evt.AccountID != "" && evt.AccountID != l.brokerAcctID {
		return
	}
	select {
	case l.events <- evt:
	default:
		l.logger.Warn("event channel full, dropping", "type", evt.Type)
	}
}

// Run consumes events until ctx is cancelled.
func (l *PositionListener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-l.events:
			if l.dedup.Seen(evt) {
				continue
			}
			switch evt.Type {
			case wsmanager.EventPosition:
				l.handlePosition(evt)
			case wsmanager.EventFill:
				l.handleFill(evt)
			case wsmanager.EventOrder:
				l.handleOrder(evt)
			}
		}
	}
}

// handlePosition aligns the mirror with broker truth for every strategy
// trading this root on the account.
func (l *PositionListener) handlePosition(evt wsmanager.Event) {
	p := evt.Position
	root, err := instrument.RootOf(p.Symbol)
	if err != nil {
		return
	}

	side := types.Long
	if p.NetQty < 0 {
		side = types.Short
	}
	qty := p.NetQty
	if qty < 0 {
		qty = -qty
	}

	for _, strategyID := range l.strategiesWithOpenRow(root) {
		if err := l.mirror.AlignBrokerTruth(strategyID, root, side, qty, p.AvgPrice); err != nil {
			l.logger.Error("mirror alignment failed", "strategy", strategyID, "root", root, "error", err)
		}
	}
}

// handleFill classifies the fill against known TP/SL levels and trims
// or closes the matching position; entry-side fills only refresh the
// excursion price.
func (l *PositionListener) handleFill(evt wsmanager.Event) {
	f := evt.Fill
	root, err := instrument.RootOf(f.Symbol)
	if err != nil {
		return
	}

	for _, strategyID := range l.strategiesWithOpenRow(root) {
		pos, ok := l.mirror.Get(strategyID, root)
		if !ok {
			continue
		}
		if err := l.mirror.ApplyPrice(strategyID, root, f.Price); err != nil {
			l.logger.Error("price apply failed", "strategy", strategyID, "root", root, "error", err)
		}

		exiting := (pos.Side == types.Long && f.Side == "Sell") ||
			(pos.Side == types.Short && f.Side == "Buy")
		if !exiting {
			continue
		}

		reason := l.classifyExit(root, f.Price)
		if err := l.mirror.Reduce(strategyID, root, f.Qty, f.Price, reason); err != nil {
			l.logger.Error("mirror reduce failed", "strategy", strategyID, "root", root, "error", err)
		}
	}
}

// handleOrder maintains the resting TP/SL price sets.
func (l *PositionListener) handleOrder(evt wsmanager.Event) {
	o := evt.Order
	root, err := instrument.RootOf(o.Symbol)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	resting := o.Status == "Working" || o.Status == "Accepted"
	switch o.Kind {
	case "Limit":
		l.trackLevel(l.tpPrices, root, o.OrderID, o.Price, resting)
	case "Stop", "TrailingStop":
		l.trackLevel(l.slPrices, root, o.OrderID, o.Price, resting)
	}
}

func (l *PositionListener) trackLevel(set map[string]map[string]decimal.Decimal, root, orderID string, price decimal.Decimal, resting bool) {
	if resting {
		if set[root] == nil {
			set[root] = make(map[string]decimal.Decimal)
		}
		set[root][orderID] = price
		return
	}
	delete(set[root], orderID)
	if len(set[root]) == 0 {
		delete(set, root)
	}
}

// classifyExit maps a fill price to tp/sl when it lands within one tick
// of a tracked level; anything else is a plain signal exit.
func (l *PositionListener) classifyExit(root string, price decimal.Decimal) string {
	tick, err := instrument.TickSize(root)
	if err != nil {
		return "signal"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, lvl := range l.tpPrices[root] {
		if price.Sub(lvl).Abs().LessThanOrEqual(tick) {
			return "tp"
		}
	}
	for _, lvl := range l.slPrices[root] {
		if price.Sub(lvl).Abs().LessThanOrEqual(tick) {
			return "sl"
		}
	}
	return "signal"
}

// strategiesWithOpenRow lists the strategies on this account holding an
// open mirror row for root.
func (l *PositionListener) strategiesWithOpenRow(root string) []uint {
	traders, err := l.store.TradersForAccount(l.accountID)
	if err != nil {
		l.logger.Error("trader lookup failed", "error", err)
		return nil
	}
	var out []uint
	for _, t := range traders {
		if _, ok := l.mirror.Get(t.StrategyID, root); ok {
			out = append(out, t.StrategyID)
		}
	}
	return out
}
