// Futures Bridge — routes charting-platform webhook signals to broker
// accounts as bracketed futures orders.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires dispatch → executor → broker, registers WS listeners
//	dispatch/            — webhook HTTP server, payload parsing, dedup, signal filters, fan-out
//	executor/            — worker pool resolving each task against broker truth (bracket entry,
//	                       DCA add, flip-close, reset, flatten) under a per-(account,symbol) lock
//	broker/tradovate/    — REST client: brackets via OSO, orders/positions lists, token renewal
//	wsmanager/           — one shared broker WebSocket per auth token, fan-out to listeners
//	listener/            — per-account consumers: position mirror sync, leader copy detection,
//	                       max-daily-loss circuit breaker
//	copytrade/           — propagates leader position deltas to follower accounts
//	reconcile/           — periodic broker-truth sweep: mirror alignment, TP repair, auto-flat
//	tokend/              — proactive auth refresh ahead of broker token expiry
//	position/            — in-memory mirror over the persistent position/trade ledger
//	store/               — gorm persistence: strategies, traders, accounts, signals, positions
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"futures-bridge/internal/config"
	"futures-bridge/internal/engine"
)

func main() {
	// .env is optional; real deployments set FB_* in the environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
