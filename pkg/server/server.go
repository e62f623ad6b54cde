// Package server exposes the scheduler over HTTP: health, stats, manual
// trigger, schedule creation and inspection, batch transfers and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockpal/paymentscheduler/pkg/batch"
	"github.com/blockpal/paymentscheduler/pkg/chains"
	"github.com/blockpal/paymentscheduler/pkg/circuitbreaker"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/scheduler"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// Pipeline is the scheduler surface served over HTTP
type Pipeline interface {
	Stats(ctx context.Context) (*scheduler.Stats, error)
	RunOnce(ctx context.Context) (*scheduler.Summary, error)
	Create(ctx context.Context, req scheduler.CreateRequest) (*models.ScheduledPayment, error)
	Get(ctx context.Context, id string) (*models.ScheduledPayment, error)
	Executions(ctx context.Context, id string) ([]models.ExecutionRecord, error)
	Cancel(ctx context.Context, id string) (*models.ScheduledPayment, error)
	PreviewBatch(ctx context.Context, req batch.Request) (*batch.Preview, error)
	ExecuteBatch(ctx context.Context, req batch.Request) (*batch.Outcome, error)
	Breakers() map[int]circuitbreaker.State
	ResetBreaker(chainID int) error
}

var _ Pipeline = (*scheduler.Service)(nil)

// Server is the API server
type Server struct {
	port     string
	pipeline Pipeline
	ledgers  ledger.Provider
	chainIDs []int
	apiKey   string
	logger   logger.Logger
}

// NewServer creates a new API server. An empty apiKey disables authentication.
func NewServer(port string, pipeline Pipeline, ledgers ledger.Provider, chainIDs []int, apiKey string, log logger.Logger) *Server {
	return &Server{
		port:     port,
		pipeline: pipeline,
		ledgers:  ledgers,
		chainIDs: chainIDs,
		apiKey:   apiKey,
		logger:   log,
	}
}

// authMiddleware checks for a valid API key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.apiKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/trigger", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/schedules", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}/executions", s.handleExecutions).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/batch/preview", s.handleBatchPreview).Methods(http.MethodPost)
	api.HandleFunc("/batch/execute", s.handleBatchExecute).Methods(http.MethodPost)
	api.HandleFunc("/circuit", s.handleCircuit).Methods(http.MethodGet)
	api.HandleFunc("/circuit/reset", s.handleCircuitReset).Methods(http.MethodPost)
	api.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server on port %s", s.port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	// Check if all chain clients are connected
	for _, chainID := range s.chainIDs {
		if _, err := s.ledgers.For(chainID); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("Chain %d client not connected", chainID)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

type chainStatus struct {
	Name      string               `json:"name"`
	Connected bool                 `json:"connected"`
	Circuit   string               `json:"circuit"`
	Breaker   circuitbreaker.State `json:"breaker"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	breakers := s.pipeline.Breakers()
	status := make(map[string]chainStatus)
	for _, chainID := range s.chainIDs {
		_, err := s.ledgers.For(chainID)
		state := breakers[chainID]
		circuit := "closed"
		if state.Open {
			circuit = "open"
		}
		status[fmt.Sprintf("chain_%d", chainID)] = chainStatus{
			Name:      chains.GetChainName(chainID),
			Connected: err == nil,
			Circuit:   circuit,
			Breaker:   state,
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	summary, err := s.pipeline.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduler.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.pipeline.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipeline.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.pipeline.Executions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.ExecutionRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipeline.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBatchPreview(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	preview, err := s.pipeline.PreviewBatch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

// handleBatchExecute answers with the outcome even on failure so the caller
// sees the failed step and the approvals already on chain
func (s *Server) handleBatchExecute(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	out, err := s.pipeline.ExecuteBatch(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, out)
	case out != nil:
		s.writeJSON(w, statusFor(err), out)
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handleCircuit(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Breakers())
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	chainIDStr := r.URL.Query().Get("chain")
	if chainIDStr == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing chain parameter"))
		return
	}

	chainID, err := strconv.Atoi(chainIDStr)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Invalid chain ID"))
		return
	}

	if err := s.pipeline.ResetBreaker(chainID); err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker for chain %d", chainID)))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for chain %d reset", chainID)))
}

type errorBody struct {
	Error    string   `json:"error"`
	Kind     string   `json:"kind,omitempty"`
	Problems []string `json:"problems,omitempty"`
	TxHash   string   `json:"tx_hash,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrBatchDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrLeaseConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientFunds), errors.Is(err, models.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrRecoverableLedger), errors.Is(err, models.ErrTerminalLedger):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), TxHash: models.TxHashOf(err)}
	if kind, ok := models.KindOf(err); ok {
		body.Kind = string(kind)
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		body.Problems = verr.Problems
	}
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed: %v", err)
	}
	s.writeJSON(w, code, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Error encoding JSON response: %v", err)
	}
}
