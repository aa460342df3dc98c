// Package position keeps the in-memory mirror of open positions and
// their ledger trades on top of the persistent store.
//
// The mirror is the only cross-component mutable state in the bridge.
// Rows are indexed by (strategy id, symbol root) for O(1) lookup from
// WebSocket price and fill events, and guarded by per-row locks so a
// DCA aggregation never races a price update. Reads hand out copies.
//
// Persistence is write-through for structural changes (open, add, close)
// and coalesced for excursion tracking: a price tick only reaches the
// database when it moves the worst or best unrealized P&L watermark.
package position

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/instrument"
	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

type key struct {
	StrategyID uint
	Root       string
}

// row wraps one open position and its own lock.
type row struct {
	mu  sync.Mutex
	pos store.Position
}

// Mirror indexes open positions for the listeners and the executor.
type Mirror struct {
	store  *store.Store
	clock  types.Clock
	logger *slog.Logger

	mu   sync.RWMutex
	open map[key]*row
}

// NewMirror creates an empty mirror.
func NewMirror(st *store.Store, clock types.Clock, logger *slog.Logger) *Mirror {
	return &Mirror{
		store:  st,
		clock:  clock,
		logger: logger.With("component", "mirror"),
		open:   make(map[key]*row),
	}
}

// Rebuild scans open rows from the store into the index. Called once on
// startup before any listener starts.
func (m *Mirror) Rebuild() error {
	positions, err := m.store.OpenPositions()
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = make(map[key]*row, len(positions))
	for _, p := range positions {
		m.open[key{p.StrategyID, p.SymbolRoot}] = &row{pos: p}
	}
	m.logger.Info("mirror rebuilt", "open_positions", len(positions))
	return nil
}

// Get returns a copy of the open position for a strategy/root pair.
func (m *Mirror) Get(strategyID uint, root string) (store.Position, bool) {
	m.mu.RLock()
	r, ok := m.open[key{strategyID, root}]
	m.mu.RUnlock()
	if !ok {
		return store.Position{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos, true
}

// Open creates a fresh position with its first entry and ledger trade.
// Fails if an open position already exists for the pair: a strategy has
// at most one open position per symbol.
func (m *Mirror) Open(strategyID uint, symbol, root string, side types.Side, qty int, price decimal.Decimal) (store.Position, store.Trade, error) {
	now := m.clock.Now()

	pos := store.Position{
		StrategyID:   strategyID,
		Symbol:       symbol,
		SymbolRoot:   root,
		Side:         side,
		TotalQty:     qty,
		AvgEntry:     price,
		Entries:      []store.Entry{{Price: price, Qty: qty, At: now}},
		CurrentPrice: price,
		Status:       "open",
		OpenedAt:     now,
	}

	m.mu.Lock()
	k := key{strategyID, root}
	if _, exists := m.open[k]; exists {
		m.mu.Unlock()
		return store.Position{}, store.Trade{}, fmt.Errorf("open position already exists for strategy %d %s", strategyID, root)
	}
	if err := m.store.SavePosition(&pos); err != nil {
		m.mu.Unlock()
		return store.Position{}, store.Trade{}, err
	}
	m.open[k] = &row{pos: pos}
	m.mu.Unlock()

	trade := store.Trade{
		StrategyID: strategyID,
		PositionID: pos.ID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: price,
		EntryAt:    now,
		Status:     "open",
	}
	if err := m.store.SaveTrade(&trade); err != nil {
		return pos, store.Trade{}, err
	}
	return pos, trade, nil
}

// AddEntry aggregates a DCA fill into the open position: appends the
// entry, bumps the total quantity, recomputes the weighted average and
// opens a new ledger trade for the add.
func (m *Mirror) AddEntry(strategyID uint, root string, qty int, price decimal.Decimal) (store.Position, store.Trade, error) {
	r, ok := m.row(strategyID, root)
	if !ok {
		return store.Position{}, store.Trade{}, fmt.Errorf("no open position for strategy %d %s", strategyID, root)
	}

	now := m.clock.Now()

	r.mu.Lock()
	r.pos.Entries = append(r.pos.Entries, store.Entry{Price: price, Qty: qty, At: now})
	r.pos.TotalQty += qty
	r.pos.AvgEntry = weightedAvg(r.pos.Entries)
	r.pos.UpdatedAt = now
	pos := r.pos
	err := m.store.SavePosition(&r.pos)
	r.mu.Unlock()
	if err != nil {
		return store.Position{}, store.Trade{}, err
	}

	trade := store.Trade{
		StrategyID: strategyID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Qty:        qty,
		EntryPrice: price,
		EntryAt:    now,
		Status:     "open",
	}
	if err := m.store.SaveTrade(&trade); err != nil {
		return pos, store.Trade{}, err
	}
	return pos, trade, nil
}

// Close realizes the position at exitPrice, closes every open ledger
// trade with the given reason, drops the index entry, and returns the
// realized P&L.
func (m *Mirror) Close(strategyID uint, root string, exitPrice decimal.Decimal, reason string) (decimal.Decimal, error) {
	r, ok := m.row(strategyID, root)
	if !ok {
		return decimal.Zero, fmt.Errorf("no open position for strategy %d %s", strategyID, root)
	}

	now := m.clock.Now()

	r.mu.Lock()
	realized := unrealizedAt(r.pos, exitPrice)
	r.pos.Status = "closed"
	r.pos.ExitPrice = &exitPrice
	r.pos.RealizedPnL = &realized
	r.pos.ClosedAt = &now
	r.pos.UpdatedAt = now
	posID := r.pos.ID
	err := m.store.SavePosition(&r.pos)
	r.mu.Unlock()
	if err != nil {
		return decimal.Zero, err
	}

	if err := m.store.CloseTradesForPosition(posID, exitPrice, reason, now); err != nil {
		return realized, err
	}
	if err := m.store.DeleteOrderRefsForPosition(posID); err != nil {
		m.logger.Warn("failed to drop order refs", "position", posID, "error", err)
	}

	m.drop(strategyID, root)
	return realized, nil
}

// Reduce trims qty contracts from the open position after a partial
// take-profit fill, closing the oldest open ledger trades and consuming
// the oldest entries to cover it. The total quantity always equals the
// sum of the remaining entry quantities. When the position reaches zero
// it is closed outright.
func (m *Mirror) Reduce(strategyID uint, root string, qty int, fillPrice decimal.Decimal, reason string) error {
	r, ok := m.row(strategyID, root)
	if !ok {
		return fmt.Errorf("no open position for strategy %d %s", strategyID, root)
	}

	r.mu.Lock()
	remaining := r.pos.TotalQty - qty
	posID := r.pos.ID
	r.mu.Unlock()

	if remaining <= 0 {
		_, err := m.Close(strategyID, root, fillPrice, reason)
		return err
	}

	now := m.clock.Now()

	trades, err := m.store.OpenTradesForPosition(posID)
	if err != nil {
		return err
	}
	toCover := qty
	for i := range trades {
		if toCover <= 0 {
			break
		}
		t := &trades[i]
		if t.Qty > toCover {
			// Split: close the covered part, keep the rest open.
			t.Qty -= toCover
			if err := m.store.SaveTrade(t); err != nil {
				return err
			}
			closed := store.Trade{
				StrategyID: t.StrategyID,
				PositionID: t.PositionID,
				Symbol:     t.Symbol,
				Side:       t.Side,
				Qty:        toCover,
				EntryPrice: t.EntryPrice,
				EntryAt:    t.EntryAt,
				ExitPrice:  &fillPrice,
				ExitAt:     &now,
				Status:     "closed",
				ExitReason: reason,
			}
			if err := m.store.SaveTrade(&closed); err != nil {
				return err
			}
			toCover = 0
		} else {
			toCover -= t.Qty
			t.Status = "closed"
			t.ExitPrice = &fillPrice
			t.ExitAt = &now
			t.ExitReason = reason
			if err := m.store.SaveTrade(t); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.pos.Entries = consumeEntries(r.pos.Entries, qty)
	r.pos.TotalQty = remaining
	r.pos.AvgEntry = weightedAvg(r.pos.Entries)
	r.pos.UpdatedAt = now
	err = m.store.SavePosition(&r.pos)
	r.mu.Unlock()
	return err
}

// consumeEntries removes qty contracts from the oldest entries,
// splitting the boundary entry when it is only partially covered.
func consumeEntries(entries []store.Entry, qty int) []store.Entry {
	i := 0
	for i < len(entries) && qty >= entries[i].Qty {
		qty -= entries[i].Qty
		i++
	}
	out := append([]store.Entry(nil), entries[i:]...)
	if qty > 0 && len(out) > 0 {
		out[0].Qty -= qty
	}
	return out
}

// AlignBrokerTruth overwrites the mirror with what the broker reports.
// A zero broker quantity closes the row (close-by-broker); a differing
// quantity or average entry is copied over verbatim — the broker wins.
func (m *Mirror) AlignBrokerTruth(strategyID uint, root string, side types.Side, brokerQty int, brokerAvg decimal.Decimal) error {
	r, ok := m.row(strategyID, root)
	if !ok {
		return nil // nothing mirrored; entry paths create rows, not alignment
	}

	if brokerQty == 0 {
		_, err := m.Close(strategyID, root, r.snapshotPrice(), "manual")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	if r.pos.TotalQty != brokerQty {
		r.pos.TotalQty = brokerQty
		changed = true
	}
	if !r.pos.AvgEntry.Equal(brokerAvg) && !brokerAvg.IsZero() {
		r.pos.AvgEntry = brokerAvg
		changed = true
	}
	if r.pos.Side != side && side != "" {
		r.pos.Side = side
		changed = true
	}
	if !changed {
		return nil
	}
	r.pos.UpdatedAt = m.clock.Now()
	return m.store.SavePosition(&r.pos)
}

// ApplyPrice updates unrealized P&L and its excursion watermarks for an
// open position. The store write is skipped unless a watermark moved.
func (m *Mirror) ApplyPrice(strategyID uint, root string, price decimal.Decimal) error {
	r, ok := m.row(strategyID, root)
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unreal := unrealizedAt(r.pos, price)
	r.pos.CurrentPrice = price
	r.pos.UnrealizedPnL = unreal

	moved := false
	if unreal.LessThan(r.pos.WorstUnrealized) {
		r.pos.WorstUnrealized = unreal
		moved = true
	}
	if unreal.GreaterThan(r.pos.BestUnrealized) {
		r.pos.BestUnrealized = unreal
		moved = true
	}
	if !moved {
		return nil
	}
	r.pos.UpdatedAt = m.clock.Now()
	return m.store.SavePosition(&r.pos)
}

// Snapshot lists copies of all open positions (reconciler, UI).
func (m *Mirror) Snapshot() []store.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Position, 0, len(m.open))
	for _, r := range m.open {
		r.mu.Lock()
		out = append(out, r.pos)
		r.mu.Unlock()
	}
	return out
}

func (m *Mirror) row(strategyID uint, root string) (*row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.open[key{strategyID, root}]
	return r, ok
}

func (m *Mirror) drop(strategyID uint, root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, key{strategyID, root})
}

func (r *row) snapshotPrice() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos.CurrentPrice.IsZero() {
		return r.pos.AvgEntry
	}
	return r.pos.CurrentPrice
}

func weightedAvg(entries []store.Entry) decimal.Decimal {
	var notional decimal.Decimal
	var qty int64
	for _, e := range entries {
		notional = notional.Add(e.Price.Mul(decimal.NewFromInt(int64(e.Qty))))
		qty += int64(e.Qty)
	}
	if qty == 0 {
		return decimal.Zero
	}
	return notional.Div(decimal.NewFromInt(qty))
}

// unrealizedAt converts the price excursion into dollars:
// (price − avg) · tickValue/tickSize · qty for longs, negated for shorts.
func unrealizedAt(pos store.Position, price decimal.Decimal) decimal.Decimal {
	tickSize, err := instrument.TickSize(pos.SymbolRoot)
	if err != nil || tickSize.IsZero() {
		return decimal.Zero
	}
	tickValue, err := instrument.TickValue(pos.SymbolRoot)
	if err != nil {
		return decimal.Zero
	}

	move := price.Sub(pos.AvgEntry)
	if pos.Side == types.Short {
		move = pos.AvgEntry.Sub(price)
	}
	perContract := move.Div(tickSize).Mul(tickValue)
	return perContract.Mul(decimal.NewFromInt(int64(pos.TotalQty)))
}
