package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/orchestrator"
	"github.com/maltedev/listing-scraper/internal/queue"
)

// SessionManager is the control surface of the queue. *queue.Manager implements it.
type SessionManager interface {
	RequestStart(ctx context.Context, req models.ScrapeRequest) (queue.StartResult, error)
	Cancel(sessionID string) bool
	Pause(sessionID string) error
	Resume(sessionID string) error
	Stop(sessionID string) (int, error)
	Status(sessionID string) (models.Session, error)
	Progress(sessionID string) (models.ProgressEvent, error)
	Position(sessionID string) (models.QueueEntry, bool)
	Entries() []models.QueueEntry
}

// BusinessLister reads persisted businesses. *database.BusinessRepository implements it.
type BusinessLister interface {
	ListBusinesses(ctx context.Context, sessionID string) ([]models.Business, error)
}

// SessionHistory reads stored sessions. *database.SessionRepository implements it.
type SessionHistory interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

type Handlers struct {
	sessions   SessionManager
	businesses BusinessLister
	progress   Subscriber
	history    SessionHistory
	logger     *slog.Logger
}

// NewHandlers wires the API. businesses and progress may be nil; businesses then
// come from the in-memory session snapshot and the event stream is disabled.
func NewHandlers(sessions SessionManager, businesses BusinessLister, progress Subscriber, logger *slog.Logger) *Handlers {
	return &Handlers{
		sessions:   sessions,
		businesses: businesses,
		progress:   progress,
		logger:     logger.With("component", "api"),
	}
}

// WithHistory lets status requests fall back to stored sessions this process
// does not track, e.g. sessions finished before a restart.
func (h *Handlers) WithHistory(history SessionHistory) *Handlers {
	h.history = history
	return h
}

// Routes mounts the session endpoints.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sessions", h.StartSession)
	r.Get("/queue", h.ListQueue)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetStatus)
		r.Post("/pause", h.PauseSession)
		r.Post("/resume", h.ResumeSession)
		r.Post("/stop", h.StopSession)
		r.Delete("/queue", h.CancelQueued)
		r.Get("/businesses", h.GetBusinesses)
		r.Get("/events", h.StreamProgress)
	})
	return r
}

type StartResponse struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	Position        int    `json:"position,omitempty"`
	EstimatedWaitMs int64  `json:"estimated_wait_ms,omitempty"`
}

// StartSession starts a scrape or queues it behind the running one.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if owner := r.Header.Get("X-Owner-ID"); owner != "" && req.OwnerID == "" {
		req.OwnerID = owner
	}

	result, err := h.sessions.RequestStart(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrInvalidRequest):
			h.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, queue.ErrQueueClosed):
			h.respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		case result.SessionID != "":
			// The session was created but failed while starting.
			h.respondJSON(w, http.StatusAccepted, StartResponse{SessionID: result.SessionID, Status: string(result.Status)})
		default:
			h.logger.Error("failed to start session", "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to start session")
		}
		return
	}

	resp := StartResponse{SessionID: result.SessionID, Status: "started"}
	if !result.StartedImmediately() {
		resp.Status = "queued"
		resp.Position = result.Position
		resp.EstimatedWaitMs = result.EstimatedWait.Milliseconds()
	}
	h.respondJSON(w, http.StatusAccepted, resp)
}

type StatusResponse struct {
	SessionID                string               `json:"session_id"`
	Status                   models.SessionStatus `json:"status"`
	ProgressPercent          float64              `json:"progress_percent"`
	UnitsRemaining           int                  `json:"units_remaining"`
	BusinessesFound          int                  `json:"businesses_found"`
	PendingLookups           int                  `json:"pending_lookups"`
	EstimatedTimeRemainingMs int64                `json:"estimated_time_remaining_ms"`
	Position                 int                  `json:"position,omitempty"`
	Error                    string               `json:"error,omitempty"`
}

func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	progress, err := h.sessions.Progress(sessionID)
	if errors.Is(err, queue.ErrSessionNotFound) && h.history != nil {
		h.storedStatus(w, r, sessionID)
		return
	}
	if err != nil {
		h.respondSessionError(w, err)
		return
	}
	session, err := h.sessions.Status(sessionID)
	if err != nil {
		h.respondSessionError(w, err)
		return
	}

	resp := StatusResponse{
		SessionID:                sessionID,
		Status:                   session.Status,
		ProgressPercent:          progress.ProgressPercent,
		UnitsRemaining:           progress.UnitsRemaining,
		BusinessesFound:          progress.BusinessesFound,
		PendingLookups:           progress.PendingLookups,
		EstimatedTimeRemainingMs: progress.EstimatedTimeRemainingMs,
		Error:                    session.Error,
	}
	if entry, ok := h.sessions.Position(sessionID); ok {
		resp.Position = entry.Position
		resp.EstimatedTimeRemainingMs = entry.EstimatedWaitMs
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) storedStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.history.Get(r.Context(), sessionID)
	if errors.Is(err, database.ErrSessionNotFound) {
		h.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load stored session", "session_id", sessionID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := StatusResponse{
		SessionID:       sessionID,
		Status:          session.Status,
		UnitsRemaining:  max(session.UnitsTotal-session.UnitsDone, 0),
		BusinessesFound: session.BusinessesFound,
		Error:           session.Error,
	}
	switch {
	case session.Status == models.StatusCompleted:
		resp.ProgressPercent = 100
	case session.UnitsTotal > 0:
		resp.ProgressPercent = float64(session.UnitsDone) / float64(session.UnitsTotal) * 100
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.sessions.Pause)
}

func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.sessions.Resume)
}

func (h *Handlers) control(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := fn(sessionID); err != nil {
		h.respondSessionError(w, err)
		return
	}
	session, err := h.sessions.Status(sessionID)
	if err != nil {
		h.respondSessionError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "status": session.Status})
}

// StopSession stops a session and reports how many businesses it collected.
func (h *Handlers) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	collected, err := h.sessions.Stop(sessionID)
	if err != nil {
		h.respondSessionError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "businesses_collected": collected})
}

func (h *Handlers) CancelQueued(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h.respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "cancelled": h.sessions.Cancel(sessionID)})
}

func (h *Handlers) GetBusinesses(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessions.Status(sessionID)
	if err != nil {
		h.respondSessionError(w, err)
		return
	}

	businesses := session.Businesses
	if h.businesses != nil {
		stored, err := h.businesses.ListBusinesses(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("failed to list businesses", "session_id", sessionID, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to list businesses")
			return
		}
		businesses = stored
	}
	if businesses == nil {
		businesses = []models.Business{}
	}
	h.respondJSON(w, http.StatusOK, businesses)
}

func (h *Handlers) ListQueue(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, h.sessions.Entries())
}

func (h *Handlers) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrSessionNotFound):
		h.respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, orchestrator.ErrNotPaused),
		errors.Is(err, orchestrator.ErrFinished),
		errors.Is(err, orchestrator.ErrAlreadyStarted):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("session operation failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
