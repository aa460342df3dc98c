package copytrade

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

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

func TestActionFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    Delta
		want types.Action
	}{
		{"close", Delta{Kind: types.CopyClose, Side: types.Long}, types.ActionClose},
		{"trim long exits sell", Delta{Kind: types.CopyTrim, Side: types.Long}, types.ActionSell},
		{"trim short exits buy", Delta{Kind: types.CopyTrim, Side: types.Short}, types.ActionBuy},
		{"entry long", Delta{Kind: types.CopyEntry, Side: types.Long}, types.ActionBuy},
		{"entry short", Delta{Kind: types.CopyEntry, Side: types.Short}, types.ActionSell},
		{"add long", Delta{Kind: types.CopyAdd, Side: types.Long}, types.ActionBuy},
		{"reversal short", Delta{Kind: types.CopyReversal, Side: types.Short}, types.ActionSell},
	}
	for _, tt := range tests {
		if got := actionFor(tt.d); got != tt.want {
			t.Errorf("%s: actionFor = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		qty        int
		multiplier string
		want       int
	}{
		{"unity", 3, "1", 3},
		{"doubles", 3, "2", 6},
		{"rounds", 3, "0.5", 2},
		{"never below one", 1, "0.1", 1},
		{"zero multiplier passes through", 4, "0", 4},
	}
	for _, tt := range tests {
		if got := scale(tt.qty, decimal.RequireFromString(tt.multiplier)); got != tt.want {
			t.Errorf("%s: scale(%d, %s) = %d, want %d", tt.name, tt.qty, tt.multiplier, got, tt.want)
		}
	}
}

func TestEchoRegistry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	r := NewEchoRegistry(clock)

	r.Record(7, "MNQ", types.Long, 2)

	if !r.Match(7, "MNQ", types.Long, 2) {
		t.Error("exact match inside the window must hit")
	}
	if r.Match(7, "MNQ", types.Long, 3) {
		t.Error("different qty must miss")
	}
	if r.Match(7, "MNQ", types.Short, 2) {
		t.Error("different side must miss")
	}
	if r.Match(8, "MNQ", types.Long, 2) {
		t.Error("different account must miss")
	}

	clock.now = clock.now.Add(11 * time.Second)
	if r.Match(7, "MNQ", types.Long, 2) {
		t.Error("entry past the window must be pruned")
	}
}

func newTestPropagator(t *testing.T) (*Propagator, *store.Store, *fakeQueue, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q := &fakeQueue{}
	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPropagator(st, q, clock, logger), st, q, clock
}

func seedFollower(t *testing.T, st *store.Store, leaderAccountID, accountID uint, multiplier string) *store.Trader {
	t.Helper()
	s := &store.Strategy{Name: "copy", WebhookToken: fmt.Sprintf("copy-%d", accountID), SymbolRoot: "MNQ"}
	if err := st.SaveStrategy(s); err != nil {
		t.Fatalf("save strategy: %v", err)
	}
	tr := &store.Trader{
		StrategyID: s.ID,
		AccountID:  accountID,
		Multiplier: decimal.RequireFromString(multiplier),
		Enabled:    true,
		FollowerOf: &leaderAccountID,
	}
	if err := st.SaveTrader(tr); err != nil {
		t.Fatalf("save trader: %v", err)
	}
	return tr
}

func TestPropagateScalesPerFollower(t *testing.T) {
	t.Parallel()

	p, st, q, _ := newTestPropagator(t)
	seedFollower(t, st, 1, 20, "2")
	seedFollower(t, st, 1, 21, "0.5")

	p.Propagate(context.Background(), 1, Delta{
		Kind:   types.CopyAdd,
		Symbol: "MNQZ5",
		Root:   "MNQ",
		Side:   types.Long,
		Qty:    3,
		Price:  decimal.RequireFromString("21500"),
	})

	if len(q.tasks) != 2 {
		t.Fatalf("enqueued %d tasks, want 2", len(q.tasks))
	}
	byAccount := map[uint]types.ExecutionTask{}
	for _, task := range q.tasks {
		byAccount[task.AccountID] = task
	}
	if task := byAccount[20]; task.WebhookQty == nil || *task.WebhookQty != 6 {
		t.Errorf("account 20 qty = %v, want 6 (3 x 2)", task.WebhookQty)
	}
	if task := byAccount[21]; task.WebhookQty == nil || *task.WebhookQty != 2 {
		t.Errorf("account 21 qty = %v, want 2 (3 x 0.5 rounded)", task.WebhookQty)
	}
	for _, task := range q.tasks {
		if !task.CopyFollower || task.CopyKind != types.CopyAdd || task.Action != types.ActionBuy {
			t.Errorf("task = %+v, want copy-follower buy add", task)
		}
	}
}

func TestPropagateSkipsActiveWebhookTrader(t *testing.T) {
	t.Parallel()

	p, st, q, _ := newTestPropagator(t)
	seedFollower(t, st, 1, 20, "1")

	// The same account also trades MNQ from webhooks; the copy path must
	// yield to it.
	s := &store.Strategy{Name: "direct", WebhookToken: "direct", SymbolRoot: "MNQ"}
	if err := st.SaveStrategy(s); err != nil {
		t.Fatalf("save strategy: %v", err)
	}
	if err := st.SaveTrader(&store.Trader{
		StrategyID: s.ID, AccountID: 20, Multiplier: decimal.NewFromInt(1), Enabled: true,
	}); err != nil {
		t.Fatalf("save trader: %v", err)
	}

	p.Propagate(context.Background(), 1, Delta{
		Kind: types.CopyEntry, Symbol: "MNQZ5", Root: "MNQ", Side: types.Long, Qty: 2,
	})

	if len(q.tasks) != 0 {
		t.Errorf("enqueued %d tasks, want 0 (webhook path wins)", len(q.tasks))
	}
}

func TestPropagateCloseMapsToCloseAction(t *testing.T) {
	t.Parallel()

	p, st, q, _ := newTestPropagator(t)
	seedFollower(t, st, 1, 20, "2")

	p.Propagate(context.Background(), 1, Delta{
		Kind: types.CopyClose, Symbol: "MNQZ5", Root: "MNQ", Side: types.Long, Qty: 2,
	})

	if len(q.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(q.tasks))
	}
	if q.tasks[0].Action != types.ActionClose {
		t.Errorf("action = %s, want close", q.tasks[0].Action)
	}
}

func TestPropagateNoFollowers(t *testing.T) {
	t.Parallel()

	p, _, q, _ := newTestPropagator(t)
	p.Propagate(context.Background(), 1, Delta{Kind: types.CopyEntry, Root: "MNQ", Side: types.Long, Qty: 1})
	if len(q.tasks) != 0 {
		t.Errorf("enqueued %d tasks, want 0", len(q.tasks))
	}
}
