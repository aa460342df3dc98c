// Package engine is the central orchestrator of the trading bridge.
//
// It wires together all subsystems:
//
//  1. The dispatch server ingests webhook signals and fans them out to
//     per-account execution tasks.
//  2. The executor drains the task queue against the broker REST API.
//  3. The WS manager keeps one shared broker connection per auth token
//     and feeds the per-account listeners: position mirroring, leader
//     copy-trade detection and the max-loss circuit breaker.
//  4. The reconciler periodically re-aligns the mirror with broker
//     truth and repairs protective orders.
//  5. The token daemon refreshes broker auth ahead of expiry.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/broker/tradovate"
	"futures-bridge/internal/config"
	"futures-bridge/internal/copytrade"
	"futures-bridge/internal/dispatch"
	"futures-bridge/internal/executor"
	"futures-bridge/internal/listener"
	"futures-bridge/internal/position"
	"futures-bridge/internal/reconcile"
	"futures-bridge/internal/store"
	"futures-bridge/internal/tokend"
	"futures-bridge/internal/wsmanager"
	"futures-bridge/pkg/types"
)

// Engine orchestrates all components of the bridge. It owns the
// lifecycle of every goroutine.
type Engine struct {
	cfg    *config.Config
	store  *store.Store
	mirror *position.Mirror
	client *tradovate.Client
	exec   *executor.Executor
	disp   *dispatch.Dispatcher
	server *dispatch.Server
	wsmgr  *wsmanager.Manager
	echo   *copytrade.EchoRegistry
	prop   *copytrade.Propagator
	rec    *reconcile.Reconciler
	tokens *tokend.Daemon
	clock  types.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	clock := types.RealClock{}

	mirror := position.NewMirror(st, clock, logger)
	if err := mirror.Rebuild(); err != nil {
		return nil, fmt.Errorf("rebuild position mirror: %w", err)
	}

	limiter := broker.NewTokenLimiter(cfg.Broker.RateLimitPerMinute)
	client := tradovate.NewClient(cfg.Broker, limiter, logger)

	// Seed refresh material so the first REST call and the first WS
	// connect can mint access tokens without waiting for the daemon.
	accounts, err := st.Accounts()
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for _, a := range accounts {
		if a.RefreshToken != "" {
			client.SeedRefreshToken(a.TokenKey, a.RefreshToken)
		}
	}

	exec := executor.New(cfg.Executor, cfg.Broker, cfg.Dispatch.QueueDepth,
		st, mirror, client, clock, logger)
	echo := copytrade.NewEchoRegistry(clock)
	exec.SetCopyEcho(echo)
	prop := copytrade.NewPropagator(st, exec, clock, logger)

	wsmgr := wsmanager.NewManager(cfg.Websocket, client, logger)

	disp := dispatch.NewDispatcher(cfg.Dispatch, st, exec, clock, logger)
	server := dispatch.NewServer(cfg.Server, disp, exec.Failures(), mirror, logger)

	rec := reconcile.New(cfg.Reconcile, st, mirror, client, wsmgr, clock, logger)
	tokens := tokend.New(st, client, clock, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:    cfg,
		store:  st,
		mirror: mirror,
		client: client,
		exec:   exec,
		disp:   disp,
		server: server,
		wsmgr:  wsmgr,
		echo:   echo,
		prop:   prop,
		rec:    rec,
		tokens: tokens,
		clock:  clock,
		logger: logger.With("component", "engine"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches every background goroutine and registers the WS
// listeners for all known accounts.
func (e *Engine) Start() error {
	e.spawn(e.wsmgr.Run)
	e.spawn(e.exec.Run)
	e.spawn(e.disp.Run)
	e.spawn(e.rec.Run)
	e.spawn(e.tokens.Run)

	if err := e.registerListeners(); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Start(); err != nil {
			e.logger.Error("http server failed", "error", err)
			e.cancel()
		}
	}()

	e.logger.Info("bridge started", "port", e.cfg.Server.Port)
	return nil
}

func (e *Engine) spawn(run func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run(e.ctx)
	}()
}

// registerListeners attaches the per-account WS consumers: a position
// listener for every account, a leader listener for accounts with a
// leader trader, and a max-loss breaker where a daily limit is set.
func (e *Engine) registerListeners() error {
	accounts, err := e.store.Accounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	for i := range accounts {
		acct := &accounts[i]
		if acct.NeedsReauth {
			e.logger.Warn("skipping WS for account pending reauth", "account", acct.ID)
			continue
		}

		pl := listener.NewPositionListener(e.store, e.mirror,
			acct.ID, acct.BrokerAcctID, e.clock, e.logger)
		e.spawn(pl.Run)
		if err := e.register(fmt.Sprintf("position-%d", acct.ID), acct, pl.OnEvent); err != nil {
			return err
		}

		leads, err := e.accountLeads(acct.ID)
		if err != nil {
			return err
		}
		if leads {
			ll := listener.NewLeaderListener(e.prop, e.echo,
				acct.ID, acct.BrokerAcctID, e.clock, e.logger)
			e.spawn(ll.Run)
			if err := e.register(fmt.Sprintf("leader-%d", acct.ID), acct, ll.OnEvent); err != nil {
				return err
			}
		}

		if acct.MaxDailyLoss.IsPositive() {
			ml := listener.NewMaxLossListener(e.store, e.client, acct, e.clock, e.logger)
			e.spawn(ml.Run)
			if err := e.register(fmt.Sprintf("maxloss-%d", acct.ID), acct, ml.OnEvent); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) register(id string, acct *store.Account, onEvent func(wsmanager.Event)) error {
	return e.wsmgr.Register(e.ctx, wsmanager.Listener{
		ID:          id,
		TokenKey:    acct.TokenKey,
		Live:        acct.Live,
		Subaccounts: []string{acct.BrokerAcctID},
		OnEvent:     onEvent,
	})
}

func (e *Engine) accountLeads(accountID uint) (bool, error) {
	traders, err := e.store.TradersForAccount(accountID)
	if err != nil {
		return false, err
	}
	for _, t := range traders {
		if t.IsLeader {
			return true, nil
		}
	}
	return false, nil
}

// Stop gracefully shuts down: stops taking webhooks first so no new
// tasks enter the queue, then cancels every goroutine and waits.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	if err := e.server.Stop(); err != nil {
		e.logger.Error("server shutdown failed", "error", err)
	}
	e.cancel()
	e.wg.Wait()

	e.logger.Info("shutdown complete")
}
