package listener

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"futures-bridge/internal/copytrade"
	"futures-bridge/internal/instrument"
	"futures-bridge/internal/wsmanager"
	"futures-bridge/pkg/types"
)

// leaderWarmup suppresses propagation right after connect: the sync
// dump replays existing positions, and replaying them as fresh entries
// would double every follower.
const leaderWarmup = 15 * time.Second

// copyFillWindow bounds the clOrdId-based echo suppression.
const copyFillWindow = 10 * time.Second

// LeaderListener watches one leader account's position stream and turns
// observed deltas into copy-trade propagations.
type LeaderListener struct {
	prop   *copytrade.Propagator
	echo   *copytrade.EchoRegistry
	clock  types.Clock
	logger *slog.Logger

	accountID    uint
	brokerAcctID string

	events chan wsmanager.Event
	dedup  *eventDedup

	// prev holds the last observed signed net per root; deltas are
	// classified against it. Single-goroutine access from Run.
	prev        map[string]int
	warmupUntil time.Time

	// copyFills are recent fills that carried our copy clOrdId prefix;
	// position deltas matching one of them are our own orders echoing.
	copyFills []copyFill
}

type copyFill struct {
	root string
	qty  int
	at   time.Time
}

// NewLeaderListener creates the listener for one leader account.
func NewLeaderListener(prop *copytrade.Propagator, echo *copytrade.EchoRegistry,
	accountID uint, brokerAcctID string,
	clock types.Clock, logger *slog.Logger) *LeaderListener {
	return &LeaderListener{
		prop:         prop,
		echo:         echo,
		clock:        clock,
		logger:       logger.With("component", "leader-listener", "account", accountID),
		accountID:    accountID,
		brokerAcctID: brokerAcctID,
		events:       make(chan wsmanager.Event, 256),
		dedup:        newEventDedup(clock),
		prev:         make(map[string]int),
	}
}

// OnEvent enqueues one event; it never blocks the WS read loop.
func (l *LeaderListener) OnEvent(evt wsmanager.Event) {
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
func (l *LeaderListener) Run(ctx context.Context) {
	l.warmupUntil = l.clock.Now().Add(leaderWarmup)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-l.events:
			if l.dedup.Seen(evt) {
				continue
			}
			switch evt.Type {
			case wsmanager.EventFill:
				l.handleFill(evt)
			case wsmanager.EventPosition:
				l.handlePosition(ctx, evt)
			}
		}
	}
}

// handleFill notes fills that carry our copy tag. The broker does not
// surface clOrdId on every path, so this is the lucky case; the echo
// registry covers the rest.
func (l *LeaderListener) handleFill(evt wsmanager.Event) {
	f := evt.Fill
	if !strings.HasPrefix(f.ClOrdID, "CPY_") {
		return
	}
	root, err := instrument.RootOf(f.Symbol)
	if err != nil {
		return
	}
	l.copyFills = append(l.copyFills, copyFill{root: root, qty: f.Qty, at: l.clock.Now()})
}

// handlePosition classifies the delta against the previous net and
// propagates it unless it is one of our own copy orders echoing back.
func (l *LeaderListener) handlePosition(ctx context.Context, evt wsmanager.Event) {
	p := evt.Position
	root, err := instrument.RootOf(p.Symbol)
	if err != nil {
		return
	}

	prev := l.prev[root]
	l.prev[root] = p.NetQty

	now := l.clock.Now()
	if now.Before(l.warmupUntil) {
		return
	}
	if p.NetQty == prev {
		return
	}

	d, ok := classifyDelta(prev, p.NetQty)
	if !ok {
		return
	}
	d.Symbol = p.Symbol
	d.Root = root
	d.Price = p.AvgPrice

	if l.isCopyEcho(root, d, now) {
		l.logger.Info("suppressing copy echo", "root", root, "kind", d.Kind, "qty", d.Qty)
		return
	}

	l.logger.Info("leader delta", "root", root, "kind", d.Kind, "side", d.Side,
		"qty", d.Qty, "prev", prev, "net", p.NetQty)
	l.prop.Propagate(ctx, l.accountID, d)
}

func (l *LeaderListener) isCopyEcho(root string, d copytrade.Delta, now time.Time) bool {
	if l.echo.Match(l.accountID, root, d.Side, d.Qty) {
		return true
	}
	cutoff := now.Add(-copyFillWindow)
	kept := l.copyFills[:0]
	matched := false
	for _, cf := range l.copyFills {
		if cf.at.Before(cutoff) {
			continue
		}
		kept = append(kept, cf)
		if cf.root == root && cf.qty == d.Qty {
			matched = true
		}
	}
	l.copyFills = kept
	return matched
}

// classifyDelta maps a (prev, new) signed net pair onto a copy kind.
func classifyDelta(prev, net int) (copytrade.Delta, bool) {
	side := func(n int) types.Side {
		if n < 0 {
			return types.Short
		}
		return types.Long
	}
	abs := func(n int) int {
		if n < 0 {
			return -n
		}
		return n
	}

	switch {
	case prev == 0 && net != 0:
		return copytrade.Delta{Kind: types.CopyEntry, Side: side(net), Qty: abs(net)}, true
	case prev != 0 && net == 0:
		return copytrade.Delta{Kind: types.CopyClose, Side: side(prev), Qty: abs(prev)}, true
	case (prev > 0) != (net > 0):
		return copytrade.Delta{Kind: types.CopyReversal, Side: side(net), Qty: abs(net)}, true
	case abs(net) > abs(prev):
		return copytrade.Delta{Kind: types.CopyAdd, Side: side(net), Qty: abs(net) - abs(prev)}, true
	case abs(net) < abs(prev):
		return copytrade.Delta{Kind: types.CopyTrim, Side: side(prev), Qty: abs(prev) - abs(net)}, true
	}
	return copytrade.Delta{}, false
}
