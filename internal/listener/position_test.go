package listener

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/position"
	"futures-bridge/internal/store"
	"futures-bridge/internal/wsmanager"
	"futures-bridge/pkg/types"
)

func newTestPositionListener(t *testing.T) (*PositionListener, *store.Store, *position.Mirror, uint) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	s := &store.Strategy{Name: "mnq", WebhookToken: "tok", SymbolRoot: "MNQ"}
	if err := st.SaveStrategy(s); err != nil {
		t.Fatalf("save strategy: %v", err)
	}
	if err := st.SaveTrader(&store.Trader{
		StrategyID: s.ID, AccountID: 1, Multiplier: decimal.NewFromInt(1), Enabled: true,
	}); err != nil {
		t.Fatalf("save trader: %v", err)
	}

	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mirror := position.NewMirror(st, clock, logger)
	l := NewPositionListener(st, mirror, 1, "9999", clock, logger)
	return l, st, mirror, s.ID
}

func orderEvent(id int64, orderID, kind, status, price string) wsmanager.Event {
	return wsmanager.Event{
		Type: wsmanager.EventOrder,
		ID:   id,
		Order: &wsmanager.OrderEvent{
			OrderID: orderID,
			Symbol:  "MNQZ5",
			Side:    "Sell",
			Qty:     1,
			Price:   decimal.RequireFromString(price),
			Kind:    kind,
			Status:  status,
		},
	}
}

func TestClassifyExit(t *testing.T) {
	t.Parallel()

	l, _, _, _ := newTestPositionListener(t)
	l.handleOrder(orderEvent(1, "50", "Limit", "Working", "21510"))
	l.handleOrder(orderEvent(2, "51", "Stop", "Working", "21490"))

	tests := []struct {
		price string
		want  string
	}{
		{"21510", "tp"},
		{"21510.25", "tp"}, // within one tick
		{"21490", "sl"},
		{"21489.75", "sl"},
		{"21500", "signal"},
	}
	for _, tt := range tests {
		if got := l.classifyExit("MNQ", decimal.RequireFromString(tt.price)); got != tt.want {
			t.Errorf("classifyExit(%s) = %q, want %q", tt.price, got, tt.want)
		}
	}

	// A filled TP leaves the set; the level no longer classifies.
	l.handleOrder(orderEvent(3, "50", "Limit", "Filled", "21510"))
	if got := l.classifyExit("MNQ", decimal.RequireFromString("21510")); got != "signal" {
		t.Errorf("after fill: classifyExit = %q, want signal", got)
	}
}

func TestHandleFillReducesAndClassifies(t *testing.T) {
	t.Parallel()

	l, st, mirror, strategyID := newTestPositionListener(t)
	if _, _, err := mirror.Open(strategyID, "MNQZ5", "MNQ", types.Long, 2, decimal.RequireFromString("21500")); err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	l.handleOrder(orderEvent(1, "50", "Limit", "Working", "21510"))

	l.handleFill(wsmanager.Event{
		Type: wsmanager.EventFill,
		ID:   2,
		Fill: &wsmanager.FillEvent{
			Symbol: "MNQZ5", Side: "Sell", Qty: 1,
			Price: decimal.RequireFromString("21510"),
		},
	})

	pos, ok := mirror.Get(strategyID, "MNQ")
	if !ok {
		t.Fatal("position must stay open after a partial trim")
	}
	if pos.TotalQty != 1 {
		t.Errorf("qty = %d, want 1", pos.TotalQty)
	}

	var closed []store.Trade
	if err := st.DB().Where("status = ?", "closed").Find(&closed).Error; err != nil {
		t.Fatalf("load trades: %v", err)
	}
	if len(closed) != 1 || closed[0].ExitReason != "tp" {
		t.Errorf("closed trades = %+v, want one tp exit", closed)
	}
}

func TestHandleFillEntrySideDoesNotReduce(t *testing.T) {
	t.Parallel()

	l, _, mirror, strategyID := newTestPositionListener(t)
	if _, _, err := mirror.Open(strategyID, "MNQZ5", "MNQ", types.Long, 2, decimal.RequireFromString("21500")); err != nil {
		t.Fatalf("open mirror: %v", err)
	}

	l.handleFill(wsmanager.Event{
		Type: wsmanager.EventFill,
		ID:   1,
		Fill: &wsmanager.FillEvent{
			Symbol: "MNQZ5", Side: "Buy", Qty: 1,
			Price: decimal.RequireFromString("21505"),
		},
	})

	pos, _ := mirror.Get(strategyID, "MNQ")
	if pos.TotalQty != 2 {
		t.Errorf("qty = %d, want 2 (entry-side fill only refreshes price)", pos.TotalQty)
	}
}

func TestHandlePositionAlignsMirror(t *testing.T) {
	t.Parallel()

	l, _, mirror, strategyID := newTestPositionListener(t)
	if _, _, err := mirror.Open(strategyID, "MNQZ5", "MNQ", types.Long, 2, decimal.RequireFromString("21500")); err != nil {
		t.Fatalf("open mirror: %v", err)
	}

	l.handlePosition(wsmanager.Event{
		Type: wsmanager.EventPosition,
		ID:   1,
		Position: &wsmanager.PositionEvent{
			Symbol: "MNQZ5", NetQty: 3,
			AvgPrice: decimal.RequireFromString("21503"),
		},
	})

	pos, ok := mirror.Get(strategyID, "MNQ")
	if !ok {
		t.Fatal("position must stay open")
	}
	if pos.TotalQty != 3 || !pos.AvgEntry.Equal(decimal.RequireFromString("21503")) {
		t.Errorf("pos = qty %d avg %s, want 3 @ 21503", pos.TotalQty, pos.AvgEntry)
	}
}

func TestHandlePositionZeroClosesRow(t *testing.T) {
	t.Parallel()

	l, _, mirror, strategyID := newTestPositionListener(t)
	if _, _, err := mirror.Open(strategyID, "MNQZ5", "MNQ", types.Long, 2, decimal.RequireFromString("21500")); err != nil {
		t.Fatalf("open mirror: %v", err)
	}

	l.handlePosition(wsmanager.Event{
		Type: wsmanager.EventPosition,
		ID:   1,
		Position: &wsmanager.PositionEvent{
			Symbol: "MNQZ5", NetQty: 0,
			AvgPrice: decimal.Zero,
		},
	})

	if _, ok := mirror.Get(strategyID, "MNQ"); ok {
		t.Error("broker flat must close the mirror row")
	}
}
