package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/policy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer is the configuration/dashboard surface: it reads and writes
// symbol policies, exposes recent decisions for audit, and serves metrics.
type APIServer struct {
	server   *http.Server
	engine   *Engine
	policies *policy.Store
	tracer   *decision.Tracer
	logger   *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(engine *Engine, policies *policy.Store, tracer *decision.Tracer, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine:   engine,
		policies: policies,
		tracer:   tracer,
		logger:   logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/policies", s.policiesHandler)
	mux.HandleFunc("/policies/", s.policyHandler)
	mux.HandleFunc("/decisions", s.decisionsHandler)

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

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		UUID      string `json:"uuid"`
		StartTime string `json:"start_time"`
		Uptime    string `json:"uptime"`
	}{
		UUID:      s.engine.UUID,
		StartTime: s.engine.StartTime.Format(time.RFC3339),
		Uptime:    time.Since(s.engine.StartTime).String(),
	}
	s.writeJSON(w, status)
}

func (s *APIServer) policiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	policies, err := s.policies.Live()
	if err != nil {
		s.logger.Error("Failed to list policies", zap.Error(err))
		http.Error(w, "failed to list policies", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, policies)
}

// policyHandler serves /policies/{symbol} and /policies/{symbol}/force.
func (s *APIServer) policyHandler(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/policies/"):]
	symbol := rest
	force := false
	if n := len(rest) - len("/force"); n > 0 && rest[n:] == "/force" {
		symbol = rest[:n]
		force = true
	}
	if symbol == "" {
		http.Error(w, "missing symbol", http.StatusBadRequest)
		return
	}

	switch {
	case force && r.Method == http.MethodPost:
		if err := s.policies.SetForceSignal(symbol); err != nil {
			if errors.Is(err, policy.ErrNotFound) {
				http.Error(w, "unknown symbol", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to set override", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "force-next-signal set")

	case !force && r.Method == http.MethodGet:
		pol, err := s.policies.Get(symbol)
		if err != nil {
			if errors.Is(err, policy.ErrNotFound) {
				http.Error(w, "unknown symbol", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load policy", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, pol)

	case !force && r.Method == http.MethodPut:
		var incoming models.SymbolPolicy
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, "invalid policy payload", http.StatusBadRequest)
			return
		}
		incoming.Symbol = symbol
		if err := s.policies.Upsert(&incoming); err != nil {
			// Stale writes are rejected so a freshly written value is never
			// clobbered by an out-of-date dashboard copy.
			s.logger.Warn("Policy write rejected", zap.String("symbol", symbol), zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.writeJSON(w, incoming)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *APIServer) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.tracer.Recent(r.URL.Query().Get("symbol"), limit)
	if err != nil {
		s.logger.Error("Failed to query decisions", zap.Error(err))
		http.Error(w, "failed to query decisions", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, records)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
