// Package executor is the broker execution engine: a pool of workers
// draining a bounded task queue fed by the webhook dispatcher and the
// copy-trade propagator.
//
// Each task resolves a decision table against broker truth (positions
// fetched fresh per task, never trusted from the local mirror):
//
//	flatten          action is close/tp_hit/sl_hit
//	flip-close       broker position opposite to the signal, then entry
//	DCA add          same side, DCA on: market add + TP cancel/replace
//	reset            same side, DCA off: close out, then fresh entry
//	bracket entry    broker flat: one atomic entry + TP legs + stop
//
// Tasks for the same (account, symbol) are serialized by a keyed mutex
// so a DCA add can never race its own TP replacement. Idempotent calls
// (list, cancel) retry with backoff; order placement is attempted once
// because a duplicate fill is worse than a missed signal.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/config"
	"futures-bridge/internal/instrument"
	"futures-bridge/internal/metrics"
	"futures-bridge/internal/position"
	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

// copyPrefix tags the clOrdId of every order placed on behalf of a
// copy-trade follower; the leader listener suppresses echoes by it.
const copyPrefix = "CPY_"

const (
	retryBase = 250 * time.Millisecond
	retryMax  = 10 * time.Second
)

// Executor drains the broker task queue.
type Executor struct {
	cfg       config.ExecutorConfig
	brokerCfg config.BrokerConfig
	store     *store.Store
	mirror    *position.Mirror
	client    broker.Client
	clock     types.Clock
	logger    *slog.Logger

	queue    chan types.ExecutionTask
	locks    *keyedMutex
	failures *FailureRing
	echo     CopyEcho
	wg       sync.WaitGroup
}

// CopyEcho records placed copy orders so the leader listener can tell
// our own echoes apart from fresh leader intent.
type CopyEcho interface {
	Record(accountID uint, root string, side types.Side, qty int)
}

// New creates the executor with a bounded queue of queueDepth tasks.
func New(cfg config.ExecutorConfig, brokerCfg config.BrokerConfig, queueDepth int,
	st *store.Store, mirror *position.Mirror, client broker.Client,
	clock types.Clock, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		brokerCfg: brokerCfg,
		store:     st,
		mirror:    mirror,
		client:    client,
		clock:     clock,
		logger:    logger.With("component", "executor"),
		queue:     make(chan types.ExecutionTask, queueDepth),
		locks:     newKeyedMutex(),
		failures:  NewFailureRing(cfg.FailureBuffer),
	}
}

// TryEnqueue offers a task to the queue within the caller's context
// budget. A full queue is backpressure, not a buffering problem: the
// caller gets KindQueueFull and translates it to a 503.
func (e *Executor) TryEnqueue(ctx context.Context, task types.ExecutionTask) error {
	select {
	case e.queue <- task:
		metrics.QueueDepth.Set(float64(len(e.queue)))
		return nil
	case <-ctx.Done():
		return &broker.Error{Kind: broker.KindQueueFull, Op: "enqueue", Wrapped: ctx.Err()}
	}
}

// Depth reports the current queue depth.
func (e *Executor) Depth() int { return len(e.queue) }

// SetCopyEcho installs the copy-order echo recorder.
func (e *Executor) SetCopyEcho(echo CopyEcho) { e.echo = echo }

func (e *Executor) recordEcho(accountID uint, root string, side types.Side, qty int) {
	if e.echo != nil {
		e.echo.Record(accountID, root, side, qty)
	}
}

// Failures exposes the failures ring for the operator feed.
func (e *Executor) Failures() *FailureRing { return e.failures }

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have finished their in-flight task.
func (e *Executor) Run(ctx context.Context) {
	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go func(worker int) {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-e.queue:
					metrics.QueueDepth.Set(float64(len(e.queue)))
					e.process(ctx, task)
				}
			}
		}(i)
	}
	e.wg.Wait()
}

// process runs one task under its (account, symbol) lock and records
// the outcome.
func (e *Executor) process(ctx context.Context, task types.ExecutionTask) {
	start := e.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, e.brokerCfg.TaskDeadline)
	defer cancel()

	unlock := e.locks.Lock(fmt.Sprintf("%d|%s", task.AccountID, task.SymbolRoot))
	defer unlock()

	path, err := e.execute(ctx, task)
	elapsed := e.clock.Now().Sub(start)

	if err != nil {
		kind := broker.KindOf(err)
		metrics.TasksExecuted.WithLabelValues(path, "error").Inc()
		metrics.TaskFailures.WithLabelValues(string(kind)).Inc()
		e.failures.Add(Failure{
			TaskID:    task.ID,
			AccountID: task.AccountID,
			Symbol:    task.Symbol,
			Action:    string(task.Action),
			Kind:      kind,
			Message:   err.Error(),
			ElapsedMS: elapsed.Milliseconds(),
			At:        e.clock.Now(),
		})
		e.logger.Error("task failed",
			"task", task.ID, "account", task.AccountID,
			"symbol", task.Symbol, "action", task.Action,
			"path", path, "kind", kind,
			"elapsed_ms", elapsed.Milliseconds(), "error", err)

		if kind == broker.KindAuthExpired {
			if merr := e.store.MarkNeedsReauth(task.AccountID); merr != nil {
				e.logger.Error("failed to mark needs_reauth", "account", task.AccountID, "error", merr)
			}
		}
		return
	}

	metrics.TasksExecuted.WithLabelValues(path, "ok").Inc()
	e.logger.Info("task executed",
		"task", task.ID, "account", task.AccountID,
		"symbol", task.Symbol, "action", task.Action,
		"path", path, "elapsed_ms", elapsed.Milliseconds())
}

// execute resolves the decision table against broker truth and runs the
// first matching path. Returns the path name for metrics and logs.
func (e *Executor) execute(ctx context.Context, task types.ExecutionTask) (string, error) {
	acctRow, err := e.store.AccountByID(task.AccountID)
	if err != nil {
		return "resolve", &broker.Error{Kind: broker.KindConfigMissing, Op: "load account", Wrapped: err}
	}
	if acctRow.NeedsReauth {
		return "resolve", &broker.Error{Kind: broker.KindAuthExpired, Op: "load account",
			Body: "account flagged needs_reauth"}
	}
	acct := broker.Account{
		ID:           acctRow.ID,
		BrokerAcctID: acctRow.BrokerAcctID,
		TokenKey:     acctRow.TokenKey,
		Live:         acctRow.Live,
	}

	positions, err := e.listPositions(ctx, acct)
	if err != nil {
		return "resolve", err
	}
	brokerPos := findPosition(positions, task.SymbolRoot)

	if task.CopyFollower {
		return e.executeCopy(ctx, acct, task, brokerPos)
	}

	switch task.Action {
	case types.ActionClose:
		return "flatten", e.flatten(ctx, acct, task, brokerPos, "flatten")
	case types.ActionTPHit:
		return "flatten", e.flatten(ctx, acct, task, brokerPos, "tp")
	case types.ActionSLHit:
		return "flatten", e.flatten(ctx, acct, task, brokerPos, "sl")
	}

	side := task.Action.Side()
	path := ""

	if brokerPos != nil && positionSide(brokerPos.NetQty) != side {
		// Flip-close: everything resting on the symbol goes before the
		// position does, then the entry proceeds on fresh state.
		if err := e.closeOut(ctx, acct, task, brokerPos, "flip", ""); err != nil {
			return "flip_close", err
		}
		brokerPos = nil
		path = "flip_close+"
	}

	if brokerPos != nil {
		if task.Settings.DCAEnabled {
			return "dca_add", e.dcaAdd(ctx, acct, task, brokerPos)
		}
		// Same-direction reset: the broker has a position the settings say
		// should not be added to. Close it out and enter fresh rather than
		// downgrading to a partial entry off stale local state.
		if err := e.closeOut(ctx, acct, task, brokerPos, "signal", ""); err != nil {
			return "reset", err
		}
		path = "reset+"
	}

	return path + "bracket_entry", e.bracketEntry(ctx, acct, task)
}

// flatten cancels resting orders and market-closes whatever the broker
// holds; the mirror row is closed even when the broker was already flat.
func (e *Executor) flatten(ctx context.Context, acct broker.Account, task types.ExecutionTask, pos *broker.Position, reason string) error {
	if err := e.cancelResting(ctx, acct, task.SymbolRoot); err != nil {
		return err
	}
	if pos != nil {
		qty := abs(pos.NetQty)
		side := exitSide(positionSide(pos.NetQty))
		if _, err := e.client.PlaceMarket(ctx, acct, side, qty, task.Symbol, ""); err != nil {
			return err
		}
	}
	e.closeMirror(task, pos, reason)
	return nil
}

// closeOut is the close half of flip-close and reset: cancel resting,
// market-close, drop the mirror row.
func (e *Executor) closeOut(ctx context.Context, acct broker.Account, task types.ExecutionTask, pos *broker.Position, reason, clOrdID string) error {
	if err := e.cancelResting(ctx, acct, task.SymbolRoot); err != nil {
		return err
	}
	qty := abs(pos.NetQty)
	side := exitSide(positionSide(pos.NetQty))
	if _, err := e.client.PlaceMarket(ctx, acct, side, qty, task.Symbol, clOrdID); err != nil {
		return err
	}
	if clOrdID != "" {
		e.recordEcho(acct.ID, task.SymbolRoot, positionSide(pos.NetQty), qty)
	}
	e.closeMirror(task, pos, reason)
	return nil
}

// closeMirror closes the mirror row if one exists. A missing row is not
// an error here: reconciliation may already have closed it.
func (e *Executor) closeMirror(task types.ExecutionTask, pos *broker.Position, reason string) {
	if _, ok := e.mirror.Get(task.StrategyID, task.SymbolRoot); !ok {
		return
	}
	exitPrice := task.RefPrice
	if exitPrice.IsZero() && pos != nil {
		exitPrice = pos.AvgPrice
	}
	if _, err := e.mirror.Close(task.StrategyID, task.SymbolRoot, exitPrice, reason); err != nil {
		e.logger.Warn("mirror close failed",
			"strategy", task.StrategyID, "root", task.SymbolRoot, "error", err)
	}
}

// bracketEntry places the atomic entry + TP legs + stop and opens the
// mirror row. Placement is attempted exactly once.
func (e *Executor) bracketEntry(ctx context.Context, acct broker.Account, task types.ExecutionTask) error {
	qty, err := resolveEntryQty(task)
	if err != nil {
		return err
	}
	side := task.Action.Side()

	legs, err := BuildTPLegs(task.RefPrice, side, qty, task.Settings.Risk, task.Settings.Multiplier, task.SymbolRoot)
	if err != nil {
		return &broker.Error{Kind: broker.KindConfigMissing, Op: "build tp legs", Wrapped: err}
	}
	stop, breakEven, err := buildStop(task.RefPrice, side, task.Settings.Risk, task.SymbolRoot)
	if err != nil {
		return &broker.Error{Kind: broker.KindConfigMissing, Op: "build stop", Wrapped: err}
	}

	res, err := e.client.PlaceBracketOrder(ctx, acct, broker.BracketRequest{
		Symbol:    task.Symbol,
		Side:      entrySide(side),
		Qty:       qty,
		Legs:      legs,
		Stop:      stop,
		BreakEven: breakEven,
	})
	if err != nil {
		return err
	}

	pos, _, err := e.mirror.Open(task.StrategyID, task.Symbol, task.SymbolRoot, side, qty, task.RefPrice)
	if err != nil {
		e.logger.Warn("mirror open failed", "strategy", task.StrategyID, "root", task.SymbolRoot, "error", err)
		return nil
	}
	e.saveOrderRefs(acct.ID, pos.ID, res)
	return nil
}

// dcaAdd market-adds to the open position, re-averages from broker
// truth, then cancels every working TP on the symbol and lays fresh
// legs at the new average. Cancel+replace is mandatory: modify is
// unreliable for bracket-managed orders.
func (e *Executor) dcaAdd(ctx context.Context, acct broker.Account, task types.ExecutionTask, prev *broker.Position) error {
	s := task.Settings
	if s.DCAQty <= 0 {
		return &broker.Error{Kind: broker.KindConfigMissing, Op: "dca add",
			Body: "dca enabled but dca_qty not set"}
	}
	qty := scaleQty(s.DCAQty, s.Multiplier)
	side := positionSide(prev.NetQty)

	if _, err := e.client.PlaceMarket(ctx, acct, entrySide(side), qty, task.Symbol, ""); err != nil {
		return err
	}

	// Broker truth after the add: new net quantity and weighted average.
	newQty := abs(prev.NetQty) + qty
	newAvg := weightedAvg(prev.AvgPrice, abs(prev.NetQty), task.RefPrice, qty)
	if positions, err := e.listPositions(ctx, acct); err == nil {
		if p := findPosition(positions, task.SymbolRoot); p != nil {
			newQty = abs(p.NetQty)
			if !p.AvgPrice.IsZero() {
				newAvg = p.AvgPrice
			}
		}
	}

	if _, _, err := e.mirror.AddEntry(task.StrategyID, task.SymbolRoot, qty, task.RefPrice); err != nil {
		e.logger.Warn("mirror add failed", "strategy", task.StrategyID, "root", task.SymbolRoot, "error", err)
	}
	if err := e.mirror.AlignBrokerTruth(task.StrategyID, task.SymbolRoot, side, newQty, newAvg); err != nil {
		e.logger.Warn("mirror align failed", "strategy", task.StrategyID, "root", task.SymbolRoot, "error", err)
	}

	// Cancel all working TPs enumerated from the broker, never from the
	// order-ref cache: broker order ids are not scoped by account.
	if err := e.cancelWorkingTPs(ctx, acct, task.SymbolRoot, exitSide(side)); err != nil {
		return err
	}

	legs, err := BuildTPLegs(newAvg, side, newQty, s.Risk, s.Multiplier, task.SymbolRoot)
	if err != nil {
		return &broker.Error{Kind: broker.KindConfigMissing, Op: "build tp legs", Wrapped: err}
	}
	var posID uint
	if p, ok := e.mirror.Get(task.StrategyID, task.SymbolRoot); ok {
		posID = p.ID
	}
	for _, leg := range legs {
		id, err := e.client.PlaceLimit(ctx, acct, exitSide(side), leg.Qty, task.Symbol, leg.Price, "")
		if err != nil {
			return err
		}
		e.saveOrderRef(acct.ID, posID, id, "tp_limit")
	}
	return nil
}

// executeCopy applies a leader position delta literally: market orders
// only, no bracket management, every order tagged with the copy prefix.
func (e *Executor) executeCopy(ctx context.Context, acct broker.Account, task types.ExecutionTask, pos *broker.Position) (string, error) {
	clOrdID := copyPrefix + uuid.NewString()
	path := "copy_" + string(task.CopyKind)

	qty := 0
	if task.WebhookQty != nil {
		qty = *task.WebhookQty
	}

	switch task.CopyKind {
	case types.CopyClose:
		return path, e.flattenCopy(ctx, acct, task, pos, clOrdID)

	case types.CopyTrim:
		if pos == nil {
			return path, nil // nothing to trim; reconciliation will align
		}
		if qty > abs(pos.NetQty) {
			qty = abs(pos.NetQty)
		}
		if qty <= 0 {
			return path, nil
		}
		if _, err := e.client.PlaceMarket(ctx, acct, exitSide(positionSide(pos.NetQty)), qty, task.Symbol, clOrdID); err != nil {
			return path, err
		}
		e.recordEcho(acct.ID, task.SymbolRoot, positionSide(pos.NetQty), qty)
		if err := e.mirror.Reduce(task.StrategyID, task.SymbolRoot, qty, task.RefPrice, "signal"); err != nil {
			e.logger.Warn("mirror reduce failed", "strategy", task.StrategyID, "root", task.SymbolRoot, "error", err)
		}
		return path, nil

	case types.CopyReversal:
		if pos != nil {
			if err := e.closeOut(ctx, acct, task, pos, "flip", clOrdID); err != nil {
				return path, err
			}
		}
		return path, e.copyEnter(ctx, acct, task, qty, clOrdID, true)

	case types.CopyEntry:
		return path, e.copyEnter(ctx, acct, task, qty, clOrdID, true)

	case types.CopyAdd:
		return path, e.copyEnter(ctx, acct, task, qty, clOrdID, false)
	}

	return path, &broker.Error{Kind: broker.KindConfigMissing, Op: "copy",
		Body: fmt.Sprintf("unknown copy kind %q", task.CopyKind)}
}

func (e *Executor) copyEnter(ctx context.Context, acct broker.Account, task types.ExecutionTask, qty int, clOrdID string, fresh bool) error {
	if qty <= 0 {
		return &broker.Error{Kind: broker.KindConfigMissing, Op: "copy",
			Body: "copy task without a quantity"}
	}
	side := task.Action.Side()
	if _, err := e.client.PlaceMarket(ctx, acct, entrySide(side), qty, task.Symbol, clOrdID); err != nil {
		return err
	}
	e.recordEcho(acct.ID, task.SymbolRoot, side, qty)
	if fresh {
		if _, _, err := e.mirror.Open(task.StrategyID, task.Symbol, task.SymbolRoot, side, qty, task.RefPrice); err != nil {
			e.logger.Warn("mirror open failed", "strategy", task.StrategyID, "root", task.SymbolRoot, "error", err)
		}
		return nil
	}
	if _, _, err := e.mirror.AddEntry(task.StrategyID, task.SymbolRoot, qty, task.RefPrice); err != nil {
		e.logger.Warn("mirror add failed", "strategy", task.StrategyID, "root", task.SymbolRoot, "error", err)
	}
	return nil
}

func (e *Executor) flattenCopy(ctx context.Context, acct broker.Account, task types.ExecutionTask, pos *broker.Position, clOrdID string) error {
	if err := e.cancelResting(ctx, acct, task.SymbolRoot); err != nil {
		return err
	}
	if pos != nil {
		if _, err := e.client.PlaceMarket(ctx, acct, exitSide(positionSide(pos.NetQty)), abs(pos.NetQty), task.Symbol, clOrdID); err != nil {
			return err
		}
		e.recordEcho(acct.ID, task.SymbolRoot, positionSide(pos.NetQty), abs(pos.NetQty))
	}
	e.closeMirror(task, pos, "signal")
	return nil
}

// --- broker call helpers ---

func (e *Executor) listPositions(ctx context.Context, acct broker.Account) ([]broker.Position, error) {
	var out []broker.Position
	err := e.retryIdempotent(ctx, func() error {
		var err error
		out, err = e.client.ListPositions(ctx, acct)
		return err
	})
	return out, err
}

// cancelResting cancels every resting order on the symbol root, both
// sides: TP legs, stops, trailing stops, OCO partners.
func (e *Executor) cancelResting(ctx context.Context, acct broker.Account, root string) error {
	var orders []broker.Order
	err := e.retryIdempotent(ctx, func() error {
		var err error
		orders, err = e.client.ListOrders(ctx, acct, broker.OrderFilter{SymbolRoot: root, RestingOnly: true})
		return err
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		o := o
		if err := e.retryIdempotent(ctx, func() error {
			return e.client.Cancel(ctx, acct, o.ID)
		}); err != nil {
			return err
		}
	}
	return nil
}

// cancelWorkingTPs cancels the resting limit orders that form the TP
// set for a position: exit-side limits on the symbol root.
func (e *Executor) cancelWorkingTPs(ctx context.Context, acct broker.Account, root string, side broker.OrderSide) error {
	var orders []broker.Order
	err := e.retryIdempotent(ctx, func() error {
		var err error
		orders, err = e.client.ListOrders(ctx, acct, broker.OrderFilter{
			SymbolRoot: root, Side: side, RestingOnly: true,
		})
		return err
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Kind != "Limit" {
			continue
		}
		o := o
		if err := e.retryIdempotent(ctx, func() error {
			return e.client.Cancel(ctx, acct, o.ID)
		}); err != nil {
			return err
		}
	}
	return nil
}

// retryIdempotent retries fn with exponential backoff for retriable
// kinds only. Callers must pass idempotent operations exclusively.
func (e *Executor) retryIdempotent(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.cfg.IdempotentTries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !broker.KindOf(err).Retriable() {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(broker.Backoff(attempt, retryBase, retryMax)):
		}
	}
	return err
}

func (e *Executor) saveOrderRefs(accountID, positionID uint, res broker.BracketResult) {
	e.saveOrderRef(accountID, positionID, res.EntryID, "entry_bracket")
	for _, id := range res.LegIDs {
		e.saveOrderRef(accountID, positionID, id, "tp_limit")
	}
	if res.StopID != "" {
		e.saveOrderRef(accountID, positionID, res.StopID, "sl_stop")
	}
}

func (e *Executor) saveOrderRef(accountID, positionID uint, brokerOrderID, kind string) {
	if brokerOrderID == "" {
		return
	}
	ref := store.OrderRef{
		AccountID:     accountID,
		BrokerOrderID: brokerOrderID,
		Kind:          kind,
		PositionID:    positionID,
		Status:        "working",
	}
	if err := e.store.SaveOrderRef(&ref); err != nil {
		e.logger.Warn("failed to cache order ref", "order", brokerOrderID, "error", err)
	}
}

// --- quantity resolution ---

// resolveEntryQty resolves the entry size. InitialQty wins when set;
// zero is the deliberate "use webhook quantity" choice, so the checks
// are explicit presence-and-positive tests, never truthiness.
func resolveEntryQty(task types.ExecutionTask) (int, error) {
	s := task.Settings
	var base int
	switch {
	case s.InitialQty > 0:
		base = s.InitialQty
	case task.WebhookQty != nil && *task.WebhookQty > 0:
		base = *task.WebhookQty
	default:
		return 0, &broker.Error{Kind: broker.KindConfigMissing, Op: "resolve qty",
			Body: "initial_qty is 0 and the webhook supplied no quantity"}
	}
	return scaleQty(base, s.Multiplier), nil
}

func scaleQty(base int, multiplier decimal.Decimal) int {
	if multiplier.IsZero() {
		return base
	}
	q := int(decimal.NewFromInt(int64(base)).Mul(multiplier).Round(0).IntPart())
	if q < 1 {
		q = 1
	}
	return q
}

// findPosition locates the non-flat broker position whose symbol
// resolves to root. Symbols are matched by root, never verbatim: the
// webhook says MNQ1! while the broker says MNQZ5.
func findPosition(positions []broker.Position, root string) *broker.Position {
	for i := range positions {
		if positions[i].NetQty == 0 {
			continue
		}
		r, err := instrument.RootOf(positions[i].Symbol)
		if err != nil {
			continue
		}
		if r == root {
			return &positions[i]
		}
	}
	return nil
}

func weightedAvg(avgA decimal.Decimal, qtyA int, priceB decimal.Decimal, qtyB int) decimal.Decimal {
	total := qtyA + qtyB
	if total == 0 {
		return decimal.Zero
	}
	notional := avgA.Mul(decimal.NewFromInt(int64(qtyA))).
		Add(priceB.Mul(decimal.NewFromInt(int64(qtyB))))
	return notional.Div(decimal.NewFromInt(int64(total)))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
