package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"futures-bridge/internal/config"
	"futures-bridge/internal/executor"
	"futures-bridge/internal/metrics"
	"futures-bridge/internal/position"
)

// Server runs the inbound HTTP surface: the webhook endpoint plus the
// operator views (health, metrics, open positions, failures feed).
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes. The webhook route carries no CSRF-style
// gating: the charting provider cannot send cookies or custom headers.
func NewServer(cfg config.ServerConfig, d *Dispatcher,
	failures *executor.FailureRing, mirror *position.Mirror,
	logger *slog.Logger) *Server {

	r := mux.NewRouter()
	r.HandleFunc("/webhook/{token}", d.HandleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/failures", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, failures.Recent())
	}).Methods(http.MethodGet)
	r.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mirror.Snapshot())
	}).Methods(http.MethodGet)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "http-server"),
	}
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("webhook server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping webhook server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
