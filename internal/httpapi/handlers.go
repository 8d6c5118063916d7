// Package httpapi exposes the research service over HTTP: control endpoints
// plus SSE and WebSocket event streams.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"deepresearch/internal/session"
)

// Handler serves the research API.
type Handler struct {
	sessions *session.Manager
	logger   *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(sessions *session.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// RegisterRoutes registers all routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /research/start", h.handleStart)
	mux.HandleFunc("POST /research/{id}/stop", h.handleStop)
	mux.HandleFunc("GET /research/sessions", h.handleList)
	mux.HandleFunc("GET /research/{id}", h.handleGet)
	mux.HandleFunc("GET /research/{id}/report", h.handleReport)
	mux.HandleFunc("GET /research/{id}/events", h.handleSSE)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	h.RegisterWebSocket(mux)
}

type startRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// handleStart launches a research session and returns immediately.
// POST /research/start {"query": "...", "session_id": "optional"}
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	id, err := h.sessions.Start(r.Context(), req.Query, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			writeError(w, http.StatusConflict, "session already exists")
			return
		}
		h.logger.Error("Failed to start session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "running",
	})
}

// handleStop requests cooperative cancellation and waits for acknowledgement.
// POST /research/{id}/stop
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stopped := h.sessions.Stop(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"stopped":    stopped,
	})
}

// handleList returns summaries of all sessions.
// GET /research/sessions
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.sessions.ListSessions(),
	})
}

// handleGet returns a session summary.
// GET /research/{id}
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Summarize())
}

// handleReport returns the final report once the session has one.
// GET /research/{id}/report
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	state := sess.State()
	if state == nil || state.FinalReport == nil {
		writeError(w, http.StatusConflict, "report not ready")
		return
	}
	writeJSON(w, http.StatusOK, state.FinalReport)
}

// handleSSE streams a session's events via Server-Sent Events, ending after
// the terminal event. Supports Last-Event-ID replay from the history ring.
// GET /research/{id}/events
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to session %s\n\n", id)
	flusher.Flush()

	// Replay backlog before attaching to the live stream.
	if lastID := lastEventID(r); lastID > 0 {
		for _, ev := range h.sessions.Streams().ReplaySince(id, lastID) {
			writeSSE(w, ev.Seq, ev.Type, ev.Marshal())
		}
		flusher.Flush()
	}

	for evt := range h.sessions.StreamEvents(r.Context(), id) {
		writeSSE(w, evt.Seq, evt.Type, evt.Marshal())
		flusher.Flush()
	}
	h.logger.Debug("SSE stream closed", zap.String("session_id", id))
}

// handleHealth is the liveness probe.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func writeSSE(w http.ResponseWriter, seq uint64, eventType string, data []byte) {
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	if eventType != "" {
		fmt.Fprintf(w, "event: %s\n", eventType)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
