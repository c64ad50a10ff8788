package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"crowemi-trades/internal/store"
	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for triggering and observing runs.
type APIServer struct {
	server    *http.Server
	runner    *Runner
	store     store.Store
	logger    *zap.Logger
	startTime time.Time

	mu          sync.Mutex // one run at a time
	lastSession string
	lastRunAt   time.Time
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(runner *Runner, st store.Store, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		runner:    runner,
		store:     st,
		logger:    logger.Named("api-server"),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/run", s.runHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/profit", s.profitHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

// runHandler triggers one trading pass. Concurrent triggers are rejected so
// two passes never race on the same ledger rows.
func (s *APIServer) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.mu.TryLock() {
		http.Error(w, "A run is already in progress", http.StatusConflict)
		return
	}
	defer s.mu.Unlock()

	sessionID, err := s.runner.Run()
	s.lastSession = sessionID
	s.lastRunAt = time.Now().UTC()
	if err != nil {
		s.logger.Error("Run failed", zap.String("session", sessionID), zap.Error(err))
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}

	resp := struct {
		Session string `json:"session"`
		RanAt   string `json:"ran_at"`
	}{
		Session: sessionID,
		RanAt:   s.lastRunAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write run response", zap.Error(err))
	}
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		StartTime   string `json:"start_time"`
		Uptime      string `json:"uptime"`
		LastSession string `json:"last_session,omitempty"`
		LastRunAt   string `json:"last_run_at,omitempty"`
	}{
		StartTime:   s.startTime.Format(time.RFC3339),
		Uptime:      time.Since(s.startTime).String(),
		LastSession: s.lastSession,
	}
	if !s.lastRunAt.IsZero() {
		status.LastRunAt = s.lastRunAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		s.logger.Error("Health check failed", zap.Error(err))
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// profitHandler returns total realized profit across all closed batches.
func (s *APIServer) profitHandler(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.ClosedProfit()
	if err != nil {
		s.logger.Error("Failed to sum profit", zap.Error(err))
		http.Error(w, "Failed to calculate profit", http.StatusInternalServerError)
		return
	}

	resp := struct {
		TotalProfit float64 `json:"total_profit"`
	}{TotalProfit: total}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write profit response", zap.Error(err))
	}
}
