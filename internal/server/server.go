package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/forwarding"
	"github.com/cyderes/mail-intake-service/internal/ingestion"
	"github.com/cyderes/mail-intake-service/internal/metrics"
	"github.com/cyderes/mail-intake-service/internal/models"
	"github.com/cyderes/mail-intake-service/internal/storage"
)

// StatusReader returns the last persisted ingestion status.
type StatusReader interface {
	GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error)
}

// PassRunner triggers an ingestion pass on demand.
type PassRunner interface {
	RunPass(ctx context.Context) (*ingestion.Report, error)
}

// Transitioner applies forwarding status changes.
type Transitioner interface {
	Transition(ctx context.Context, id int64, to models.ForwardingStatus) (*models.ForwardingRequest, error)
	Health() forwarding.Health
}

// MetricsSource exposes the collected counters.
type MetricsSource interface {
	Report() metrics.Report
	Handler() http.Handler
}

// Deps are the services the HTTP surface reads from and acts on.
type Deps struct {
	Status     StatusReader
	Ingestion  PassRunner
	Forwarding Transitioner
	Metrics    MetricsSource
	Logger     *slog.Logger
}

// Server handles HTTP requests
type Server struct {
	config config.ServerConfig
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// ErrorResponse is the JSON body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// runPassWriteTimeout replaces the server write timeout for
// POST /api/ingestion/run, which waits for a whole pass.
const runPassWriteTimeout = 10 * time.Minute

type statusChangeRequest struct {
	Status string `json:"status"`
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{config: cfg, deps: deps, logger: logger}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health/status-guard", s.handleStatusGuard).Methods(http.MethodGet)
	api.HandleFunc("/health/metrics", s.handleMetricsReport).Methods(http.MethodGet)
	api.HandleFunc("/ingestion/run", s.handleRunPass).Methods(http.MethodPost)
	api.HandleFunc("/forwarding/{id:[0-9]+}/status", s.handleForwardingStatus).Methods(http.MethodPost)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(r)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Status.GetIngestionStatus(r.Context())
	if err != nil {
		s.writeError(w, fmt.Sprintf("failed to retrieve status: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, status, http.StatusOK)
}

func (s *Server) handleStatusGuard(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.deps.Forwarding.Health(), http.StatusOK)
}

func (s *Server) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.deps.Metrics.Report(), http.StatusOK)
}

func (s *Server) handleRunPass(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(runPassWriteTimeout)); err != nil {
		s.logger.Warn("failed to extend write deadline for ingestion run", "error", err)
	}

	report, err := s.deps.Ingestion.RunPass(r.Context())
	switch {
	case errors.Is(err, ingestion.ErrPassInProgress):
		s.writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		s.writeError(w, err.Error(), http.StatusBadGateway)
	default:
		s.writeJSON(w, report, http.StatusOK)
	}
}

func (s *Server) handleForwardingStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, "invalid forwarding request id", http.StatusBadRequest)
		return
	}

	var body statusChangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	to, err := models.ParseForwardingStatus(body.Status)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := s.deps.Forwarding.Transition(r.Context(), id, to)
	var illegal *forwarding.IllegalTransitionError
	switch {
	case err == nil:
		s.writeJSON(w, updated, http.StatusOK)
	case errors.Is(err, forwarding.ErrRequestNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, forwarding.ErrUnknownStatus):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &illegal), errors.Is(err, storage.ErrStatusConflict):
		s.writeError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("forwarding status change failed", "request_id", id, "error", err)
		s.writeError(w, "failed to update forwarding request", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	body, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal JSON", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, ErrorResponse{Error: message, Timestamp: time.Now().UTC().Format(time.RFC3339)}, statusCode)
}
