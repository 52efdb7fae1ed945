package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pipeline"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pricing"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
)

// Runner dispatches pipeline runs.
type Runner interface {
	RunRating(ctx context.Context, tenantID, provider string, flow model.Flow, date time.Time) (string, error)
	RunConsolidation(ctx context.Context, tenantID string, date time.Time) (string, error)
	RunDay(ctx context.Context, tenantID string, date time.Time, scopes []pipeline.Scope) (*pipeline.DayRuns, error)
	GetRunStatus(ctx context.Context, id string) (*model.PipelineRun, error)
}

// Reader is the read side of the ledger tables.
type Reader interface {
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]model.PipelineRun, error)
	ReadUnified(ctx context.Context, tenantID string, date time.Time) ([]model.UnifiedCostRecord, error)
	ReadStandardLedger(ctx context.Context, tenantID string, date time.Time) ([]model.StandardLedgerRecord, error)
}

// Server exposes run invocation, run status and ledger reads over JSON.
type Server struct {
	runner   Runner
	reader   Reader
	resolver pricing.Resolver
	mux      *http.ServeMux
	logger   *slog.Logger
}

// NewServer creates an API server.
func NewServer(runner Runner, reader Reader, resolver pricing.Resolver, logger *slog.Logger) *Server {
	s := &Server{
		runner:   runner,
		reader:   reader,
		resolver: resolver,
		mux:      http.NewServeMux(),
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/runs/rating", s.handleRunRating)
	s.mux.HandleFunc("POST /api/v1/runs/consolidation", s.handleRunConsolidation)
	s.mux.HandleFunc("POST /api/v1/runs/day", s.handleRunDay)
	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/v1/unified", s.handleUnified)
	s.mux.HandleFunc("GET /api/v1/ledger", s.handleLedger)
	s.mux.HandleFunc("GET /api/v1/pricing/resolve", s.handleResolve)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type runRequest struct {
	TenantID string           `json:"tenant_id"`
	Date     string           `json:"date"`
	Provider string           `json:"provider,omitempty"`
	Flow     string           `json:"flow,omitempty"`
	Scopes   []pipeline.Scope `json:"scopes,omitempty"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunRating(w http.ResponseWriter, r *http.Request) {
	req, date, ok := decodeRun(w, r)
	if !ok {
		return
	}
	flow, err := model.ParseFlow(req.Flow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.runner.RunRating(r.Context(), req.TenantID, req.Provider, flow, date)
	if err != nil {
		s.dispatchFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: id})
}

func (s *Server) handleRunConsolidation(w http.ResponseWriter, r *http.Request) {
	req, date, ok := decodeRun(w, r)
	if !ok {
		return
	}

	id, err := s.runner.RunConsolidation(r.Context(), req.TenantID, date)
	if err != nil {
		s.dispatchFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: id})
}

func (s *Server) handleRunDay(w http.ResponseWriter, r *http.Request) {
	req, date, ok := decodeRun(w, r)
	if !ok {
		return
	}

	runs, err := s.runner.RunDay(r.Context(), req.TenantID, date, req.Scopes)
	if err != nil {
		s.dispatchFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	run, err := s.runner.GetRunStatus(ctx, r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "run_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	q := r.URL.Query()
	filter := storage.RunFilter{
		TenantID: q.Get("tenant"),
		Kind:     model.RunKind(q.Get("kind")),
		Provider: q.Get("provider"),
		Flow:     model.Flow(q.Get("flow")),
	}
	if raw := q.Get("date"); raw != "" {
		date, err := model.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Date = date
	}

	runs, err := s.reader.ListRuns(ctx, filter)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []model.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleUnified(w http.ResponseWriter, r *http.Request) {
	tenant, date, ok := tenantDate(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	records, err := s.reader.ReadUnified(ctx, tenant, date)
	if err != nil {
		s.logger.Error("read unified ledger", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []model.UnifiedCostRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	tenant, date, ok := tenantDate(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	records, err := s.reader.ReadStandardLedger(ctx, tenant, date)
	if err != nil {
		s.logger.Error("read standard ledger", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []model.StandardLedgerRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	tenant, date, ok := tenantDate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	flow, err := model.ParseFlow(q.Get("flow"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	terms, err := s.resolver.Resolve(ctx, pricing.Query{
		TenantID:   tenant,
		Provider:   q.Get("provider"),
		Flow:       flow,
		ProductKey: q.Get("product"),
		AsOf:       date,
	})
	switch {
	case errors.Is(err, pricing.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, pricing.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("resolve pricing", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, terms)
}

func (s *Server) dispatchFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Warn("dispatch run", "error", err)
	writeError(w, http.StatusBadRequest, err.Error())
}

func decodeRun(w http.ResponseWriter, r *http.Request) (runRequest, time.Time, bool) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, time.Time{}, false
	}
	date, err := model.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, time.Time{}, false
	}
	return req, date, true
}

func tenantDate(w http.ResponseWriter, r *http.Request) (string, time.Time, bool) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return "", time.Time{}, false
	}
	date, err := model.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", time.Time{}, false
	}
	return tenant, date, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
