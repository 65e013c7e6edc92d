// Package api serves the live status of a scenario run over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/scenario"
	"Go2NetLabel/internal/store"
	"Go2NetLabel/internal/timeline"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusProvider is implemented by scenario.Orchestrator.
type StatusProvider interface {
	Status() scenario.Status
	Timeline() []model.LabelInterval
}

// RunLister is implemented by store.Store.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

// Handler holds the dependencies of the API routes. Runs may be nil.
type Handler struct {
	status StatusProvider
	runs   RunLister
	logger *zap.Logger
}

// NewRouter builds the API routes. gatherer backs /metrics and may be nil.
func NewRouter(status StatusProvider, runs RunLister, gatherer prometheus.Gatherer, logger *zap.Logger) *mux.Router {
	h := &Handler{status: status, runs: runs, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", h.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/timeline", h.timelineHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs", h.listRunsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{id}", h.getRunHandler).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Server wraps the HTTP server of the status API.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("api"),
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("API server starting", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.srv.Shutdown(ctx)
}

type intervalJSON struct {
	Label string     `json:"label"`
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
	Open  bool       `json:"open"`
}

type timelineResponse struct {
	Intervals []intervalJSON `json:"intervals"`
	At        *time.Time     `json:"at,omitempty"`
	Label     string         `json:"label,omitempty"`
}

func (h *Handler) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status())
}

// timelineHandler lists the intervals; with ?at=<unix seconds> it also
// resolves the label at that instant.
func (h *Handler) timelineHandler(w http.ResponseWriter, r *http.Request) {
	ivs := h.status.Timeline()
	resp := timelineResponse{Intervals: make([]intervalJSON, 0, len(ivs))}
	for _, iv := range ivs {
		resp.Intervals = append(resp.Intervals, intervalJSON{Label: iv.Label, Start: iv.Start, End: iv.End, Open: iv.IsOpen()})
	}

	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := model.ParseUnix(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid 'at' parameter: %v", err), http.StatusBadRequest)
			return
		}
		resp.At = &at
		resp.Label = timeline.LabelIn(ivs, at)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run ledger is not enabled", http.StatusNotFound)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		http.Error(w, fmt.Sprintf("failed to list runs: %v", err), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRunHandler(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run ledger is not enabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		http.Error(w, fmt.Sprintf("run '%s' not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load run", zap.String("run_id", id), zap.Error(err))
		http.Error(w, fmt.Sprintf("failed to load run: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
