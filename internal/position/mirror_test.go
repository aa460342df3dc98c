package position

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestMirror(t *testing.T) (*Mirror, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMirror(st, clock, logger), st, clock
}

func TestOpenAndGet(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	pos, trade, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 2, dec("21500"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.ID == 0 || trade.ID == 0 {
		t.Error("position and trade must be persisted with ids")
	}
	if pos.TotalQty != 2 || !pos.AvgEntry.Equal(dec("21500")) {
		t.Errorf("pos = qty %d avg %s", pos.TotalQty, pos.AvgEntry)
	}

	got, ok := m.Get(1, "MNQ")
	if !ok || got.ID != pos.ID {
		t.Errorf("Get = (%+v, %v), want the opened position", got, ok)
	}

	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 1, dec("21501")); err == nil {
		t.Error("second Open for the same pair must fail")
	}
}

func TestAddEntryWeightedAverage(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 2, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	pos, trade, err := m.AddEntry(1, "MNQ", 1, dec("21512"))
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if pos.TotalQty != 3 {
		t.Errorf("qty = %d, want 3", pos.TotalQty)
	}
	if !pos.AvgEntry.Equal(dec("21504")) {
		t.Errorf("avg = %s, want 21504 ((2*21500 + 1*21512) / 3)", pos.AvgEntry)
	}
	if len(pos.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(pos.Entries))
	}
	if trade.Qty != 1 || !trade.EntryPrice.Equal(dec("21512")) {
		t.Errorf("add trade = %+v", trade)
	}
}

func TestAddEntryWithoutPosition(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	if _, _, err := m.AddEntry(1, "MNQ", 1, dec("21500")); err == nil {
		t.Error("AddEntry on a flat pair must fail")
	}
}

func TestCloseRealizesPnL(t *testing.T) {
	t.Parallel()

	m, st, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 2, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// MNQ: $0.50 per 0.25 tick. 10 points x 2 contracts = $40.
	realized, err := m.Close(1, "MNQ", dec("21510"), "signal")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !realized.Equal(dec("40")) {
		t.Errorf("realized = %s, want 40", realized)
	}
	if _, ok := m.Get(1, "MNQ"); ok {
		t.Error("closed position must leave the index")
	}

	var rows []store.Position
	if err := st.DB().Find(&rows).Error; err != nil {
		t.Fatalf("load positions: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != "closed" {
		t.Fatalf("rows = %+v, want one closed row", rows)
	}
	if rows[0].RealizedPnL == nil || !rows[0].RealizedPnL.Equal(dec("40")) {
		t.Errorf("stored realized = %v, want 40", rows[0].RealizedPnL)
	}

	var trades []store.Trade
	if err := st.DB().Find(&trades).Error; err != nil {
		t.Fatalf("load trades: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != "closed" || trades[0].ExitReason != "signal" {
		t.Errorf("trades = %+v, want one closed signal exit", trades)
	}
}

func TestCloseShortSide(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Short, 2, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	realized, err := m.Close(1, "MNQ", dec("21510"), "sl")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !realized.Equal(dec("-40")) {
		t.Errorf("realized = %s, want -40 (short lost 10 points)", realized)
	}
}

func TestReduceSplitsTrades(t *testing.T) {
	t.Parallel()

	m, st, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 3, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.Reduce(1, "MNQ", 1, dec("21510"), "tp"); err != nil {
		t.Fatalf("Reduce: %v", err)
	}

	pos, ok := m.Get(1, "MNQ")
	if !ok || pos.TotalQty != 2 {
		t.Fatalf("pos = (%+v, %v), want open qty 2", pos, ok)
	}

	open, err := st.OpenTradesForPosition(pos.ID)
	if err != nil {
		t.Fatalf("open trades: %v", err)
	}
	if len(open) != 1 || open[0].Qty != 2 {
		t.Errorf("open trades = %+v, want one 2-lot", open)
	}

	var closed []store.Trade
	if err := st.DB().Where("status = ?", "closed").Find(&closed).Error; err != nil {
		t.Fatalf("closed trades: %v", err)
	}
	if len(closed) != 1 || closed[0].Qty != 1 || closed[0].ExitReason != "tp" {
		t.Errorf("closed trades = %+v, want one 1-lot tp", closed)
	}
}

func TestReduceConsumesEntries(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 4, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.Reduce(1, "MNQ", 2, dec("21510"), "tp"); err != nil {
		t.Fatalf("Reduce: %v", err)
	}

	pos, ok := m.Get(1, "MNQ")
	if !ok || pos.TotalQty != 2 {
		t.Fatalf("pos = (%+v, %v), want open qty 2", pos, ok)
	}
	sum := 0
	for _, e := range pos.Entries {
		sum += e.Qty
	}
	if sum != pos.TotalQty {
		t.Errorf("entry quantities sum to %d, want %d", sum, pos.TotalQty)
	}

	// DCA entries are consumed oldest-first, so the average tracks the
	// remaining entries.
	if _, _, err := m.AddEntry(1, "MNQ", 2, dec("21510")); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := m.Reduce(1, "MNQ", 3, dec("21520"), "tp"); err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	pos, _ = m.Get(1, "MNQ")
	if pos.TotalQty != 1 || len(pos.Entries) != 1 || pos.Entries[0].Qty != 1 {
		t.Fatalf("pos = %+v, want a single 1-lot entry", pos)
	}
	if !pos.AvgEntry.Equal(dec("21510")) {
		t.Errorf("avg entry = %s, want 21510 (only the add remains)", pos.AvgEntry)
	}
}

func TestReduceToZeroCloses(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 2, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.Reduce(1, "MNQ", 2, dec("21510"), "tp"); err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if _, ok := m.Get(1, "MNQ"); ok {
		t.Error("full reduce must close the position")
	}
}

func TestAlignBrokerTruth(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 2, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Quantity and average drift: broker wins.
	if err := m.AlignBrokerTruth(1, "MNQ", types.Long, 3, dec("21503")); err != nil {
		t.Fatalf("AlignBrokerTruth: %v", err)
	}
	pos, _ := m.Get(1, "MNQ")
	if pos.TotalQty != 3 || !pos.AvgEntry.Equal(dec("21503")) {
		t.Errorf("pos = qty %d avg %s, want 3 @ 21503", pos.TotalQty, pos.AvgEntry)
	}

	// Broker flat: close-by-broker.
	if err := m.AlignBrokerTruth(1, "MNQ", types.Long, 0, decimal.Zero); err != nil {
		t.Fatalf("AlignBrokerTruth flat: %v", err)
	}
	if _, ok := m.Get(1, "MNQ"); ok {
		t.Error("zero broker quantity must close the row")
	}

	// Nothing mirrored: alignment is a no-op, not an error.
	if err := m.AlignBrokerTruth(9, "MNQ", types.Long, 2, dec("21500")); err != nil {
		t.Errorf("align without a row: %v", err)
	}
}

func TestApplyPriceWatermarks(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 1, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.ApplyPrice(1, "MNQ", dec("21510")); err != nil {
		t.Fatalf("ApplyPrice: %v", err)
	}
	pos, _ := m.Get(1, "MNQ")
	if !pos.UnrealizedPnL.Equal(dec("20")) {
		t.Errorf("unrealized = %s, want 20", pos.UnrealizedPnL)
	}
	if !pos.BestUnrealized.Equal(dec("20")) {
		t.Errorf("best = %s, want 20", pos.BestUnrealized)
	}

	if err := m.ApplyPrice(1, "MNQ", dec("21490")); err != nil {
		t.Fatalf("ApplyPrice: %v", err)
	}
	pos, _ = m.Get(1, "MNQ")
	if !pos.WorstUnrealized.Equal(dec("-20")) {
		t.Errorf("worst = %s, want -20", pos.WorstUnrealized)
	}
	if !pos.BestUnrealized.Equal(dec("20")) {
		t.Errorf("best must not regress, got %s", pos.BestUnrealized)
	}
}

func TestRebuild(t *testing.T) {
	t.Parallel()

	m, st, clock := newTestMirror(t)
	if _, _, err := m.Open(1, "MNQZ5", "MNQ", types.Long, 2, dec("21500")); err != nil {
		t.Fatalf("Open: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fresh := NewMirror(st, clock, logger)
	if err := fresh.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	pos, ok := fresh.Get(1, "MNQ")
	if !ok || pos.TotalQty != 2 {
		t.Errorf("rebuilt pos = (%+v, %v), want the open row", pos, ok)
	}
}

func TestWeightedAvgEmpty(t *testing.T) {
	t.Parallel()

	if got := weightedAvg(nil); !got.IsZero() {
		t.Errorf("weightedAvg(nil) = %s, want 0", got)
	}
}
