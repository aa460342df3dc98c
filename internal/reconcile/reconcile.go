// Package reconcile is the safety net under the WebSocket listeners: a
// periodic per-account sweep that re-aligns the position mirror with
// broker truth and repairs protective orders the live path missed.
//
// The sweep is deliberately slow (300 s default). WS is the primary
// channel; reconciliation only has to catch what fell through. The one
// repair that must defer to the live path is missing-TP placement: when
// the position WS is connected for an account's token, the listener is
// authoritative and the reconciler placing TPs would race it into
// duplicates.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/config"
	"futures-bridge/internal/executor"
	"futures-bridge/internal/instrument"
	"futures-bridge/internal/metrics"
	"futures-bridge/internal/position"
	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

// ConnStatus reports whether the shared WS connection for a token key
// is currently up.
type ConnStatus interface {
	IsConnected(tokenKey string, live bool) bool
}

// Reconciler runs the periodic sweep.
type Reconciler struct {
	cfg    config.ReconcileConfig
	store  *store.Store
	mirror *position.Mirror
	client broker.Client
	ws     ConnStatus
	clock  types.Clock
	logger *slog.Logger
}

// New creates the reconciler.
func New(cfg config.ReconcileConfig, st *store.Store, mirror *position.Mirror,
	client broker.Client, ws ConnStatus, clock types.Clock, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		store:  st,
		mirror: mirror,
		client: client,
		ws:     ws,
		clock:  clock,
		logger: logger.With("component", "reconcile"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reconciles every account once. Exported so tests and the
// engine's startup pass can run it directly.
func (r *Reconciler) Sweep(ctx context.Context) {
	accounts, err := r.store.Accounts()
	if err != nil {
		r.logger.Error("account listing failed", "error", err)
		return
	}
	for i := range accounts {
		if ctx.Err() != nil {
			return
		}
		if accounts[i].NeedsReauth {
			continue
		}
		r.reconcileAccount(ctx, &accounts[i])
	}
	metrics.OpenPositions.Set(float64(len(r.mirror.Snapshot())))
}

func (r *Reconciler) reconcileAccount(ctx context.Context, acctRow *store.Account) {
	acct := broker.Account{
		ID:           acctRow.ID,
		BrokerAcctID: acctRow.BrokerAcctID,
		TokenKey:     acctRow.TokenKey,
		Live:         acctRow.Live,
	}

	positions, err := r.client.ListPositions(ctx, acct)
	if err != nil {
		r.logger.Error("position listing failed", "account", acct.ID, "error", err)
		return
	}
	byRoot := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		root, rerr := instrument.RootOf(p.Symbol)
		if rerr != nil {
			continue
		}
		byRoot[root] = p
	}

	traders, err := r.store.TradersForAccount(acctRow.ID)
	if err != nil {
		r.logger.Error("trader lookup failed", "account", acct.ID, "error", err)
		return
	}

	autoFlat := r.autoFlatDue()
	wsUp := r.ws.IsConnected(acct.TokenKey, acct.Live)

	for i := range traders {
		tr := &traders[i]
		st, serr := r.store.StrategyByID(tr.StrategyID)
		if serr != nil {
			continue
		}
		row, open := r.mirror.Get(tr.StrategyID, st.SymbolRoot)
		bp, held := byRoot[st.SymbolRoot]

		switch {
		case open && !held:
			// Broker is flat but the mirror believes otherwise.
			if err := r.mirror.AlignBrokerTruth(tr.StrategyID, st.SymbolRoot, row.Side, 0, decimal.Zero); err != nil {
				r.logger.Error("close-by-broker failed", "strategy", tr.StrategyID, "error", err)
				continue
			}
			metrics.ReconcileRepairs.WithLabelValues("close_by_broker").Inc()

		case open && held:
			side := types.Long
			if bp.NetQty < 0 {
				side = types.Short
			}
			qty := bp.NetQty
			if qty < 0 {
				qty = -qty
			}
			if row.TotalQty != qty || !row.AvgEntry.Equal(bp.AvgPrice) || row.Side != side {
				if err := r.mirror.AlignBrokerTruth(tr.StrategyID, st.SymbolRoot, side, qty, bp.AvgPrice); err != nil {
					r.logger.Error("alignment failed", "strategy", tr.StrategyID, "error", err)
					continue
				}
				metrics.ReconcileRepairs.WithLabelValues("align").Inc()
			}

			if autoFlat {
				r.flattenPosition(ctx, acct, tr.StrategyID, st.SymbolRoot, bp)
				continue
			}
			if !wsUp {
				r.repairTPs(ctx, acct, st, tr, bp)
			} else {
				r.repairDuplicateTPs(ctx, acct, st.SymbolRoot, bp)
			}
		}
	}
}

// autoFlatDue reports whether the configured cutoff has passed today.
func (r *Reconciler) autoFlatDue() bool {
	if r.cfg.AutoFlatTime == "" {
		return false
	}
	cutoff, err := time.Parse("15:04", r.cfg.AutoFlatTime)
	if err != nil {
		return false
	}
	now := r.clock.Now()
	mark := time.Date(now.Year(), now.Month(), now.Day(), cutoff.Hour(), cutoff.Minute(), 0, 0, now.Location())
	return now.After(mark)
}

// flattenPosition enforces the auto-flat cutoff: cancel resting orders
// on the root, market-close, close the mirror row.
func (r *Reconciler) flattenPosition(ctx context.Context, acct broker.Account, strategyID uint, root string, bp broker.Position) {
	orders, err := r.client.ListOrders(ctx, acct, broker.OrderFilter{SymbolRoot: root, RestingOnly: true})
	if err != nil {
		r.logger.Error("auto-flat: list orders failed", "account", acct.ID, "error", err)
		return
	}
	for _, o := range orders {
		if err := r.client.Cancel(ctx, acct, o.ID); err != nil {
			r.logger.Error("auto-flat: cancel failed", "order", o.ID, "error", err)
		}
	}

	side := broker.Sell
	qty := bp.NetQty
	if qty < 0 {
		side = broker.Buy
		qty = -qty
	}
	if _, err := r.client.PlaceMarket(ctx, acct, side, qty, bp.Symbol, ""); err != nil {
		r.logger.Error("auto-flat: market close failed", "symbol", bp.Symbol, "error", err)
		return
	}
	if _, err := r.mirror.Close(strategyID, root, bp.AvgPrice, "flatten"); err != nil {
		r.logger.Warn("auto-flat: mirror close failed", "strategy", strategyID, "error", err)
	}
	metrics.ReconcileRepairs.WithLabelValues("auto_flat").Inc()
	r.logger.Info("auto-flat enforced", "account", acct.ID, "symbol", bp.Symbol, "qty", qty)
}

// repairTPs re-places the TP set when the broker shows a position with
// zero working take-profits, and heals duplicates otherwise. Only runs
// while the position WS is down; the listener owns the live path.
func (r *Reconciler) repairTPs(ctx context.Context, acct broker.Account, st *store.Strategy, tr *store.Trader, bp broker.Position) {
	side := types.Long
	if bp.NetQty < 0 {
		side = types.Short
	}
	exit := broker.Sell
	if side == types.Short {
		exit = broker.Buy
	}

	working, err := r.listWorkingTPs(ctx, acct, st.SymbolRoot, exit)
	if err != nil {
		r.logger.Error("tp repair: list orders failed", "account", acct.ID, "error", err)
		return
	}
	if len(working) > 0 {
		r.cancelDuplicates(ctx, acct, working)
		return
	}

	settings := store.EffectiveSettings(st, tr)
	qty := bp.NetQty
	if qty < 0 {
		qty = -qty
	}
	legs, err := executor.BuildTPLegs(bp.AvgPrice, side, qty, settings.Risk, settings.Multiplier, st.SymbolRoot)
	if err != nil {
		r.logger.Error("tp repair: leg build failed", "strategy", st.ID, "error", err)
		return
	}
	for _, leg := range legs {
		if _, err := r.client.PlaceLimit(ctx, acct, exit, leg.Qty, bp.Symbol, leg.Price, ""); err != nil {
			r.logger.Error("tp repair: place failed", "symbol", bp.Symbol, "error", err)
			return
		}
	}
	if len(legs) > 0 {
		metrics.ReconcileRepairs.WithLabelValues("missing_tp").Inc()
		r.logger.Info("missing TPs replaced", "account", acct.ID, "symbol", bp.Symbol, "legs", len(legs))
	}
}

// repairDuplicateTPs heals duplicated TP levels even while the WS is
// up: cancelling extras cannot race the listener into missing TPs.
func (r *Reconciler) repairDuplicateTPs(ctx context.Context, acct broker.Account, root string, bp broker.Position) {
	exit := broker.Sell
	if bp.NetQty < 0 {
		exit = broker.Buy
	}
	working, err := r.listWorkingTPs(ctx, acct, root, exit)
	if err != nil {
		r.logger.Error("duplicate repair: list orders failed", "account", acct.ID, "error", err)
		return
	}
	r.cancelDuplicates(ctx, acct, working)
}

// cancelDuplicates cancels all-but-first of any repeated TP price.
func (r *Reconciler) cancelDuplicates(ctx context.Context, acct broker.Account, working []broker.Order) {
	seen := make(map[string]bool, len(working))
	for _, o := range working {
		key := o.Price.String()
		if !seen[key] {
			seen[key] = true
			continue
		}
		if err := r.client.Cancel(ctx, acct, o.ID); err != nil {
			r.logger.Error("duplicate repair: cancel failed", "order", o.ID, "error", err)
			continue
		}
		metrics.ReconcileRepairs.WithLabelValues("duplicate_tp").Inc()
		r.logger.Info("duplicate TP canceled", "account", acct.ID, "order", o.ID, "price", o.Price)
	}
}

func (r *Reconciler) listWorkingTPs(ctx context.Context, acct broker.Account, root string, exit broker.OrderSide) ([]broker.Order, error) {
	orders, err := r.client.ListOrders(ctx, acct, broker.OrderFilter{
		SymbolRoot: root, Side: exit, RestingOnly: true,
	})
	if err != nil {
		return nil, err
	}
	limits := orders[:0]
	for _, o := range orders {
		if o.Kind == "Limit" {
			limits = append(limits, o)
		}
	}
	return limits, nil
}
