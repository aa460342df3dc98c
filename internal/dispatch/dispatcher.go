// Package dispatch is the webhook ingest pipeline: parse, dedup,
// strategy resolution, filter chain, per-account settings overlay and
// the bounded enqueue onto the broker execution queue.
//
// The caller is a charting provider with a 3 s delivery timeout; the
// pipeline answers well inside that. Its single blocking suspension is
// the enqueue, capped by a 50 ms budget — a full queue is backpressure
// (503), never buffering. Signal-log writes are fire-and-forget on a
// daemon goroutine so a slow database cannot stall the response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"futures-bridge/internal/config"
	"futures-bridge/internal/instrument"
	"futures-bridge/internal/metrics"
	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

// Queue is the executor's enqueue surface.
type Queue interface {
	TryEnqueue(ctx context.Context, task types.ExecutionTask) error
}

// Dispatcher handles POST /webhook/{token}.
type Dispatcher struct {
	cfg    config.DispatchConfig
	store  *store.Store
	queue  Queue
	dedup  *dedupCache
	clock  types.Clock
	logger *slog.Logger

	trackCh chan trackReq
}

// trackReq is one deferred signal-log write.
type trackReq struct {
	strategyID uint
	dedupKey   string
	raw        string
	action     types.Action
	symbol     string
	side       types.Side
	price      decimal.Decimal
	qty        *int
	accepted   bool
	dcaEnabled bool
	at         time.Time
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(cfg config.DispatchConfig, st *store.Store, queue Queue,
	clock types.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   st,
		queue:   queue,
		dedup:   newDedupCache(cfg.DedupCapacity, cfg.DedupWindow),
		clock:   clock,
		logger:  logger.With("component", "dispatch"),
		trackCh: make(chan trackReq, 256),
	}
}

// webhookResponse is the body of every webhook reply.
type webhookResponse struct {
	Accepted bool   `json:"accepted"`
	Deduped  bool   `json:"deduped,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// HandleWebhook runs the ingest pipeline for one delivery.
func (d *Dispatcher) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	started := d.clock.Now()
	defer func() {
		metrics.WebhookLatency.Observe(d.clock.Now().Sub(started).Seconds())
	}()

	token := mux.Vars(r)["token"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		d.reject(w, "unreadable_body")
		return
	}
	p, err := parsePayload(body)
	if err != nil {
		d.logger.Warn("bad webhook payload", "error", err)
		d.reject(w, "bad_payload")
		return
	}

	key := dedupKey(token, p, started)
	if d.dedup.Seen(key, started) {
		metrics.WebhooksReceived.WithLabelValues("deduped").Inc()
		writeJSON(w, http.StatusOK, webhookResponse{Accepted: false, Deduped: true})
		return
	}

	st, err := d.store.StrategyByToken(token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
			http.NotFound(w, r)
			return
		}
		d.logger.Error("strategy lookup failed", "error", err)
		d.reject(w, "internal")
		return
	}

	action, err := types.ParseAction(p.Action)
	if err != nil {
		d.reject(w, "unknown_action")
		return
	}
	root, err := instrument.RootOf(p.Symbol)
	if err != nil {
		d.reject(w, "unknown_symbol")
		return
	}

	if reason, ok := d.filterSignal(st, action, started); !ok {
		metrics.WebhooksReceived.WithLabelValues("filtered").Inc()
		d.track(st, key, string(body), action, p, false, started)
		writeJSON(w, http.StatusOK, webhookResponse{Accepted: false, Reason: reason})
		return
	}

	traders, err := d.store.EnabledTraders(st.ID)
	if err != nil {
		d.logger.Error("trader lookup failed", "strategy", st.ID, "error", err)
		d.reject(w, "internal")
		return
	}

	enqueued, queueFull := d.fanOut(st, traders, action, p, root, key)
	if queueFull {
		metrics.WebhooksReceived.WithLabelValues("queue_full").Inc()
		d.track(st, key, string(body), action, p, false, started)
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Accepted: false, Reason: "queue_full"})
		return
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	d.track(st, key, string(body), action, p, true, started)

	resp := webhookResponse{Accepted: enqueued > 0}
	if enqueued == 0 {
		resp.Reason = "no_eligible_accounts"
	}
	writeJSON(w, http.StatusOK, resp)
}

// fanOut builds and enqueues one execution task per eligible trader.
// The per-trader contract cap is checked here because it depends on the
// trader's multiplier. Returns the enqueue count and whether the queue
// refused within budget.
func (d *Dispatcher) fanOut(st *store.Strategy, traders []store.Trader,
	action types.Action, p payload, root, key string) (int, bool) {
	enqueued := 0
	for i := range traders {
		tr := &traders[i]
		settings := store.EffectiveSettings(st, tr)

		if cap := st.Settings.Filters.ContractCap; cap > 0 && action.IsEntry() {
			base := settings.InitialQty
			if base == 0 && p.Qty != nil {
				base = *p.Qty
			}
			scaled := int(settings.Multiplier.Mul(decimal.NewFromInt(int64(base))).Round(0).IntPart())
			if scaled > cap {
				d.logger.Warn("contract cap exceeded, skipping trader",
					"strategy", st.ID, "trader", tr.ID, "qty", scaled, "cap", cap)
				continue
			}
		}

		task := types.ExecutionTask{
			ID:             uuid.NewString(),
			IdempotencyKey: key,
			StrategyID:     st.ID,
			TraderID:       tr.ID,
			AccountID:      tr.AccountID,
			Action:         action,
			Symbol:         p.Symbol,
			SymbolRoot:     root,
			RefPrice:       p.Price,
			WebhookQty:     p.Qty,
			Settings:       settings,
			EnqueuedAt:     d.clock.Now(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.EnqueueBudget)
		err := d.queue.TryEnqueue(ctx, task)
		cancel()
		if err != nil {
			return enqueued, true
		}
		enqueued++
	}
	return enqueued, false
}

// track hands the signal-log write to the tracking daemon without
// blocking; a full channel drops the write (the log is advisory, the
// response path is not).
func (d *Dispatcher) track(st *store.Strategy, key, raw string, action types.Action, p payload, accepted bool, at time.Time) {
	req := trackReq{
		strategyID: st.ID,
		dedupKey:   key,
		raw:        raw,
		action:     action,
		symbol:     p.Symbol,
		price:      p.Price,
		qty:        p.Qty,
		accepted:   accepted,
		dcaEnabled: st.Settings.DCAEnabled,
		at:         at,
	}
	if action.IsEntry() {
		req.side = action.Side()
	}
	select {
	case d.trackCh <- req:
	default:
		d.logger.Warn("signal tracking channel full, dropping write", "strategy", st.ID)
	}
}

// Run drains the signal-tracking channel until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.trackCh:
			d.writeSignal(req)
		}
	}
}

// writeSignal appends the signal row, honoring DCA status: a same-side
// entry with DCA off closes the prior open row first. Stale open rows
// are what pollute position detection for hours, so this ordering is
// load-bearing.
func (d *Dispatcher) writeSignal(req trackReq) {
	if req.accepted && req.action.IsEntry() && !req.dcaEnabled {
		if err := d.store.CloseOpenSignals(req.strategyID, req.symbol, string(req.side)); err != nil {
			d.logger.Error("failed to close prior signals", "strategy", req.strategyID, "error", err)
		}
	}
	if req.accepted && req.action == types.ActionClose {
		for _, side := range []types.Side{types.Long, types.Short} {
			if err := d.store.CloseOpenSignals(req.strategyID, req.symbol, string(side)); err != nil {
				d.logger.Error("failed to close prior signals", "strategy", req.strategyID, "error", err)
			}
		}
	}

	status := "open"
	if !req.accepted || !req.action.IsEntry() {
		status = "closed"
	}
	sig := store.Signal{
		StrategyID: req.strategyID,
		DedupKey:   req.dedupKey,
		ReceivedAt: req.at,
		RawJSON:    req.raw,
		Action:     string(req.action),
		Symbol:     req.symbol,
		Side:       string(req.side),
		Price:      req.price,
		Qty:        req.qty,
		Accepted:   req.accepted,
		Status:     status,
	}
	if err := d.store.AppendSignal(&sig); err != nil {
		d.logger.Error("failed to append signal", "strategy", req.strategyID, "error", err)
	}
}

func (d *Dispatcher) reject(w http.ResponseWriter, reason string) {
	metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
	writeJSON(w, http.StatusOK, webhookResponse{Accepted: false, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
