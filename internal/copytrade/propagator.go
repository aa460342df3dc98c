// Package copytrade mirrors a leader account's position deltas onto its
// follower accounts.
//
// The leader listener classifies each observed position change into a
// Delta (entry, add, trim, reversal, close) and hands it here. The
// propagator resolves the followers at event time — never cached,
// follower sets change underfoot — scales the delta by each follower's
// multiplier and fans the execution tasks out in parallel: one slow
// follower must not serialize the rest, and one failing follower never
// cancels its siblings.
//
// Loop prevention is two-layered because accounts may legitimately
// follow each other (A↔B is allowed): outgoing copy orders are tagged
// with a clOrdId prefix, and every placement is recorded in the
// EchoRegistry so a leader delta that is really our own copy order
// echoing back gets suppressed.
package copytrade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-bridge/internal/metrics"
	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

// Delta is one classified leader position change.
type Delta struct {
	Kind   types.CopyKind
	Symbol string
	Root   string
	Side   types.Side // side of the resulting position (entry/add/reversal) or of the prior one (trim/close)
	Qty    int        // unscaled leader delta, contracts
	Price  decimal.Decimal
}

// Queue is the executor's enqueue surface.
type Queue interface {
	TryEnqueue(ctx context.Context, task types.ExecutionTask) error
}

// Propagator fans leader deltas out to follower accounts.
type Propagator struct {
	store  *store.Store
	queue  Queue
	clock  types.Clock
	logger *slog.Logger
}

// NewPropagator creates the propagator.
func NewPropagator(st *store.Store, queue Queue, clock types.Clock, logger *slog.Logger) *Propagator {
	return &Propagator{
		store:  st,
		queue:  queue,
		clock:  clock,
		logger: logger.With("component", "copytrade"),
	}
}

// Propagate resolves the followers of leaderAccountID and enqueues one
// scaled task per eligible follower. Per-follower failures are logged
// and counted; they never stop the other followers.
func (p *Propagator) Propagate(ctx context.Context, leaderAccountID uint, d Delta) {
	followers, err := p.store.FollowersOf(leaderAccountID)
	if err != nil {
		p.logger.Error("follower lookup failed", "leader_account", leaderAccountID, "error", err)
		return
	}
	if len(followers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := range followers {
		f := followers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.propagateOne(ctx, f, d); err != nil {
				metrics.CopyTasks.WithLabelValues(string(d.Kind), "error").Inc()
				p.logger.Error("copy propagation failed",
					"leader_account", leaderAccountID, "follower_account", f.AccountID,
					"kind", d.Kind, "symbol", d.Symbol, "error", err)
				return
			}
			metrics.CopyTasks.WithLabelValues(string(d.Kind), "ok").Inc()
		}()
	}
	wg.Wait()
}

func (p *Propagator) propagateOne(ctx context.Context, follower store.Trader, d Delta) error {
	// A follower that also trades this symbol from webhooks would see the
	// same fill twice — once from each path. The webhook path wins.
	active, err := p.activeAsWebhookTrader(follower.AccountID, d.Root)
	if err != nil {
		return err
	}
	if active {
		p.logger.Info("follower active as webhook trader, skipping",
			"follower_account", follower.AccountID, "root", d.Root)
		return nil
	}

	st, err := p.store.StrategyByID(follower.StrategyID)
	if err != nil {
		return fmt.Errorf("load follower strategy: %w", err)
	}

	qty := scale(d.Qty, follower.Multiplier)
	task := types.ExecutionTask{
		ID:           uuid.NewString(),
		StrategyID:   follower.StrategyID,
		TraderID:     follower.ID,
		AccountID:    follower.AccountID,
		Action:       actionFor(d),
		Symbol:       d.Symbol,
		SymbolRoot:   d.Root,
		RefPrice:     d.Price,
		WebhookQty:   &qty,
		Settings:     store.EffectiveSettings(st, &follower),
		CopyFollower: true,
		CopyKind:     d.Kind,
		EnqueuedAt:   p.clock.Now(),
	}

	return p.queue.TryEnqueue(ctx, task)
}

// activeAsWebhookTrader reports whether the account has an enabled
// non-follower trader whose strategy trades this root.
func (p *Propagator) activeAsWebhookTrader(accountID uint, root string) (bool, error) {
	traders, err := p.store.TradersForAccount(accountID)
	if err != nil {
		return false, err
	}
	for _, t := range traders {
		if t.FollowerOf != nil {
			continue
		}
		st, err := p.store.StrategyByID(t.StrategyID)
		if err != nil {
			continue
		}
		if st.SymbolRoot == root {
			return true, nil
		}
	}
	return false, nil
}

func actionFor(d Delta) types.Action {
	switch d.Kind {
	case types.CopyClose:
		return types.ActionClose
	case types.CopyTrim:
		// Trim executes on the exit side of the existing position.
		if d.Side == types.Long {
			return types.ActionSell
		}
		return types.ActionBuy
	}
	if d.Side == types.Short {
		return types.ActionSell
	}
	return types.ActionBuy
}

func scale(qty int, multiplier decimal.Decimal) int {
	if multiplier.IsZero() {
		return qty
	}
	q := int(decimal.NewFromInt(int64(qty)).Mul(multiplier).Round(0).IntPart())
	if q < 1 {
		q = 1
	}
	return q
}
