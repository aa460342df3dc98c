package listener

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/store"
	"futures-bridge/internal/wsmanager"
	"futures-bridge/pkg/types"
)

// MaxLossListener is the per-account daily-loss circuit breaker. It
// tracks the cash balance from WS account events against a baseline
// taken at the first observation of each session day; on breach it
// cancels everything resting, flattens the account and disables the
// account's traders. Other accounts on the same strategy keep running.
type MaxLossListener struct {
	store  *store.Store
	client broker.Client
	clock  types.Clock
	logger *slog.Logger

	acct         broker.Account
	maxDailyLoss decimal.Decimal

	events chan wsmanager.Event

	day         time.Time
	baseline    decimal.Decimal
	baselineSet bool
	breached    bool
}

// NewMaxLossListener creates the breaker for one account. A zero
// maxDailyLoss disables it (the listener still consumes events so the
// threshold can be made live-configurable later without rewiring).
func NewMaxLossListener(st *store.Store, client broker.Client, acctRow *store.Account,
	clock types.Clock, logger *slog.Logger) *MaxLossListener {
	return &MaxLossListener{
		store:  st,
		client: client,
		clock:  clock,
		logger: logger.With("component", "maxloss-listener", "account", acctRow.ID),
		acct: broker.Account{
			ID:           acctRow.ID,
			BrokerAcctID: acctRow.BrokerAcctID,
			TokenKey:     acctRow.TokenKey,
			Live:         acctRow.Live,
		},
		maxDailyLoss: acctRow.MaxDailyLoss,
		events:       make(chan wsmanager.Event, 64),
	}
}

// OnEvent enqueues one event; it never blocks the WS read loop.
func (l *MaxLossListener) OnEvent(evt wsmanager.Event) {
	if evt.Type != wsmanager.EventCash {
		return
	}
	if evt.AccountID != "" && evt.AccountID != l.acct.BrokerAcctID {
		return
	}
	select {
	case l.events <- evt:
	default:
	}
}

// Run consumes cash events until ctx is cancelled.
func (l *MaxLossListener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-l.events:
			l.handleCash(ctx, evt.Cash.CashBalance)
		}
	}
}

func (l *MaxLossListener) handleCash(ctx context.Context, cash decimal.Decimal) {
	now := l.clock.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !day.Equal(l.day) {
		l.day = day
		l.baseline = cash
		l.baselineSet = true
		l.breached = false
		return
	}
	if !l.baselineSet {
		l.baseline = cash
		l.baselineSet = true
		return
	}
	if l.breached || !l.maxDailyLoss.IsPositive() {
		return
	}

	change := cash.Sub(l.baseline)
	if change.Neg().LessThan(l.maxDailyLoss) {
		return
	}

	l.breached = true
	l.logger.Error("max daily loss breached, flattening account",
		"cash", cash, "baseline", l.baseline, "loss", change.Neg(), "limit", l.maxDailyLoss)
	l.breach(ctx)
}

// breach cancels everything resting, flattens the account's positions
// and disables its traders for the rest of the session. Best effort on
// every step: a failing cancel must not prevent the market-close.
func (l *MaxLossListener) breach(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	orders, err := l.client.ListOrders(ctx, l.acct, broker.OrderFilter{RestingOnly: true})
	if err != nil {
		l.logger.Error("breach: list orders failed", "error", err)
	}
	for _, o := range orders {
		if err := l.client.Cancel(ctx, l.acct, o.ID); err != nil {
			l.logger.Error("breach: cancel failed", "order", o.ID, "error", err)
		}
	}

	positions, err := l.client.ListPositions(ctx, l.acct)
	if err != nil {
		l.logger.Error("breach: list positions failed", "error", err)
	}
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		side := broker.Sell
		qty := p.NetQty
		if p.NetQty < 0 {
			side = broker.Buy
			qty = -qty
		}
		if _, err := l.client.PlaceMarket(ctx, l.acct, side, qty, p.Symbol, ""); err != nil {
			l.logger.Error("breach: market close failed", "symbol", p.Symbol, "error", err)
		}
	}

	if err := l.store.DisableTradersForAccount(l.acct.ID); err != nil {
		l.logger.Error("breach: disabling traders failed", "error", err)
	}
}
