package listener

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/copytrade"
	"futures-bridge/internal/store"
	"futures-bridge/internal/wsmanager"
	"futures-bridge/pkg/types"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []types.ExecutionTask
}

func (q *fakeQueue) TryEnqueue(_ context.Context, task types.ExecutionTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func TestClassifyDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prev     int
		net      int
		wantKind types.CopyKind
		wantSide types.Side
		wantQty  int
		wantOK   bool
	}{
		{"long entry", 0, 2, types.CopyEntry, types.Long, 2, true},
		{"short entry", 0, -3, types.CopyEntry, types.Short, 3, true},
		{"long close", 2, 0, types.CopyClose, types.Long, 2, true},
		{"short close", -3, 0, types.CopyClose, types.Short, 3, true},
		{"reversal long to short", 2, -1, types.CopyReversal, types.Short, 1, true},
		{"reversal short to long", -1, 2, types.CopyReversal, types.Long, 2, true},
		{"long add", 2, 5, types.CopyAdd, types.Long, 3, true},
		{"short add", -2, -4, types.CopyAdd, types.Short, 2, true},
		{"long trim", 5, 2, types.CopyTrim, types.Long, 3, true},
		{"short trim", -4, -1, types.CopyTrim, types.Short, 3, true},
		{"no change", 2, 2, "", "", 0, false},
	}

	for _, tt := range tests {
		d, ok := classifyDelta(tt.prev, tt.net)
		if ok != tt.wantOK {
			t.Errorf("%s: ok = %v, want %v", tt.name, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if d.Kind != tt.wantKind || d.Side != tt.wantSide || d.Qty != tt.wantQty {
			t.Errorf("%s: got (%s, %s, %d), want (%s, %s, %d)",
				tt.name, d.Kind, d.Side, d.Qty, tt.wantKind, tt.wantSide, tt.wantQty)
		}
	}
}

func newTestLeader(t *testing.T) (*LeaderListener, *fakeQueue, *fakeClock, *copytrade.EchoRegistry) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	// One follower of account 1, unity multiplier, on its own strategy.
	s := &store.Strategy{Name: "copy", WebhookToken: "copy", SymbolRoot: "MNQ"}
	if err := st.SaveStrategy(s); err != nil {
		t.Fatalf("save strategy: %v", err)
	}
	leader := uint(1)
	if err := st.SaveTrader(&store.Trader{
		StrategyID: s.ID, AccountID: 20, Multiplier: decimal.NewFromInt(1),
		Enabled: true, FollowerOf: &leader,
	}); err != nil {
		t.Fatalf("save trader: %v", err)
	}

	q := &fakeQueue{}
	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	echo := copytrade.NewEchoRegistry(clock)
	prop := copytrade.NewPropagator(st, q, clock, logger)
	return NewLeaderListener(prop, echo, 1, "9999", clock, logger), q, clock, echo
}

func positionEvent(id int64, symbol string, net int, avg string) wsmanager.Event {
	return wsmanager.Event{
		Type: wsmanager.EventPosition,
		ID:   id,
		Position: &wsmanager.PositionEvent{
			Symbol:   symbol,
			NetQty:   net,
			AvgPrice: decimal.RequireFromString(avg),
		},
	}
}

func TestLeaderEntryPropagates(t *testing.T) {
	t.Parallel()

	l, q, _, _ := newTestLeader(t)
	l.handlePosition(context.Background(), positionEvent(1, "MNQZ5", 2, "21500"))

	if q.count() != 1 {
		t.Fatalf("enqueued %d tasks, want 1", q.count())
	}
	task := q.tasks[0]
	if task.Action != types.ActionBuy || task.CopyKind != types.CopyEntry || !task.CopyFollower {
		t.Errorf("task = %+v, want copy-entry buy", task)
	}
	if task.WebhookQty == nil || *task.WebhookQty != 2 {
		t.Errorf("qty = %v, want 2", task.WebhookQty)
	}
}

func TestLeaderWarmupAbsorbsSyncReplay(t *testing.T) {
	t.Parallel()

	l, q, clock, _ := newTestLeader(t)
	l.warmupUntil = clock.now.Add(leaderWarmup)

	// The sync dump replays an existing position. It must update the
	// baseline without propagating.
	l.handlePosition(context.Background(), positionEvent(1, "MNQZ5", 2, "21500"))
	if q.count() != 0 {
		t.Fatalf("warmup propagated %d tasks, want 0", q.count())
	}

	// After warmup the close of that baseline position propagates.
	clock.now = clock.now.Add(leaderWarmup + time.Second)
	l.handlePosition(context.Background(), positionEvent(2, "MNQZ5", 0, "0"))
	if q.count() != 1 {
		t.Fatalf("enqueued %d tasks, want 1", q.count())
	}
	if q.tasks[0].Action != types.ActionClose {
		t.Errorf("action = %s, want close", q.tasks[0].Action)
	}
}

func TestLeaderEchoRegistrySuppression(t *testing.T) {
	t.Parallel()

	l, q, _, echo := newTestLeader(t)
	echo.Record(1, "MNQ", types.Long, 2)

	l.handlePosition(context.Background(), positionEvent(1, "MNQZ5", 2, "21500"))
	if q.count() != 0 {
		t.Errorf("enqueued %d tasks, want 0 (own copy order echoing)", q.count())
	}
}

func TestLeaderCopyFillSuppression(t *testing.T) {
	t.Parallel()

	l, q, _, _ := newTestLeader(t)
	l.prev["MNQ"] = 2

	l.handleFill(wsmanager.Event{
		Type: wsmanager.EventFill,
		ID:   5,
		Fill: &wsmanager.FillEvent{ClOrdID: "CPY_abc", Symbol: "MNQZ5", Side: "Buy", Qty: 1},
	})
	l.handlePosition(context.Background(), positionEvent(6, "MNQZ5", 3, "21505"))

	if q.count() != 0 {
		t.Errorf("enqueued %d tasks, want 0 (tagged copy fill)", q.count())
	}
}

func TestLeaderIgnoresUnchangedNet(t *testing.T) {
	t.Parallel()

	l, q, _, _ := newTestLeader(t)
	l.prev["MNQ"] = 2

	l.handlePosition(context.Background(), positionEvent(1, "MNQZ5", 2, "21500"))
	if q.count() != 0 {
		t.Errorf("enqueued %d tasks, want 0", q.count())
	}
}

func TestLeaderOnEventFiltersAccount(t *testing.T) {
	t.Parallel()

	l, _, _, _ := newTestLeader(t)

	evt := positionEvent(1, "MNQZ5", 2, "21500")
	evt.AccountID = "other"
	l.OnEvent(evt)
	if len(l.events) != 0 {
		t.Error("event for another account must be dropped")
	}

	evt.AccountID = "9999"
	l.OnEvent(evt)
	if len(l.events) != 1 {
		t.Error("event for our account must be enqueued")
	}
}
