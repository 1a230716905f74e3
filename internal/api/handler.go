// Package api exposes evaluation sessions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/orchestrator"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CheckpointReader loads persisted session state. *store.Store implements it.
type CheckpointReader interface {
	LatestCheckpoint(ctx context.Context, sessionID string) (*store.Checkpoint, error)
}

// EventHistory reads a session's event stream. *orchestrator.RedisEvents implements it.
type EventHistory interface {
	History(ctx context.Context, sessionID string, limit int64) ([]orchestrator.Event, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager     *orchestrator.Manager
	tools       *agent.ToolRegistry
	router      *provider.Router
	checkpoints CheckpointReader
	events      EventHistory
	logger      *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(manager *orchestrator.Manager, tools *agent.ToolRegistry, router *provider.Router, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, tools: tools, router: router, logger: logger}
}

// SetCheckpoints enables status lookups of sessions no longer in memory.
func (h *Handler) SetCheckpoints(c CheckpointReader) { h.checkpoints = c }

// SetEvents enables the event history endpoint.
func (h *Handler) SetEvents(e EventHistory) { h.events = e }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/tools", h.listTools)
		r.Get("/providers", h.listProviders)

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.startSession)
		r.Get("/sessions/{id}", h.getSession)
		r.Get("/sessions/{id}/report", h.getReport)
		r.Get("/sessions/{id}/events", h.getEvents)
		r.Post("/sessions/{id}/cancel", h.cancelSession)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "oxytec-evaluator"})
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tools.Definitions(h.tools.Names()...))
}

type providerView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Tools bool   `json:"tools"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	views := []providerView{}
	if h.router != nil {
		for _, p := range h.router.ListProviders() {
			views = append(views, providerView{ID: p.ID(), Name: p.Name(), Tools: p.SupportsTools()})
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": h.manager.List()})
}

type startRequest struct {
	SessionID string                  `json:"session_id"`
	Documents []orchestrator.Document `json:"documents"`
	Params    orchestrator.Params     `json:"params"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	handle, err := h.manager.Start(req.SessionID, req.Documents, req.Params)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, orchestrator.ErrDuplicateSession):
			status = http.StatusConflict
		case errors.Is(err, orchestrator.ErrShuttingDown):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": handle.ID(),
		"status":     string(handle.Status()),
	})
}

type taskCounts struct {
	Planned   int `json:"planned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type sessionView struct {
	SessionID  string                     `json:"session_id"`
	Stage      orchestrator.StageName     `json:"stage"`
	Status     orchestrator.Status        `json:"status"`
	Tasks      taskCounts                 `json:"tasks"`
	Warnings   []orchestrator.Warning     `json:"warnings"`
	Errors     []orchestrator.ErrorRecord `json:"errors"`
	Failure    *orchestrator.ErrorRecord  `json:"failure,omitempty"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
	Source     string                     `json:"source"`
}

func newSessionView(snap orchestrator.Snapshot, source string) sessionView {
	v := sessionView{
		SessionID:  snap.SessionID,
		Stage:      snap.Stage,
		Status:     snap.Status,
		Warnings:   snap.Warnings,
		Errors:     snap.Errors,
		Failure:    snap.Failure,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
		Source:     source,
	}
	if v.Warnings == nil {
		v.Warnings = []orchestrator.Warning{}
	}
	if v.Errors == nil {
		v.Errors = []orchestrator.ErrorRecord{}
	}
	v.Tasks.Planned = len(snap.Plan)
	v.Tasks.Succeeded = len(snap.Successes())
	v.Tasks.Failed = len(snap.Results) - v.Tasks.Succeeded
	return v
}

// lookup finds a session in memory, then in the latest checkpoint.
func (h *Handler) lookup(ctx context.Context, id string) (orchestrator.Snapshot, string, error) {
	if handle, ok := h.manager.Get(id); ok {
		return handle.Snapshot(), "memory", nil
	}
	if h.checkpoints == nil {
		return orchestrator.Snapshot{}, "", store.ErrNotFound
	}
	cp, err := h.checkpoints.LatestCheckpoint(ctx, id)
	if err != nil {
		return orchestrator.Snapshot{}, "", err
	}
	var snap orchestrator.Snapshot
	if err := json.Unmarshal(cp.State, &snap); err != nil {
		return orchestrator.Snapshot{}, "", err
	}
	return snap, "checkpoint", nil
}

func (h *Handler) writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	h.logger.Error("session lookup failed", zap.String("session", id), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, source, err := h.lookup(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(snap, source))
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, source, err := h.lookup(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	switch {
	case !snap.Status.Terminal():
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "session is still running",
			"status": string(snap.Status),
			"stage":  string(snap.Stage),
		})
		return
	case snap.Report == nil:
		writeJSON(w, http.StatusUnprocessableEntity, newSessionView(snap, source))
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(snap.Report.Markdown))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   snap.Status,
		"report":   snap.Report,
		"warnings": snap.Warnings,
		"errors":   snap.Errors,
	})
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	events, err := h.events.History(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("read events", zap.String("session", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, ok := h.manager.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	handle.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": string(handle.Status())})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
