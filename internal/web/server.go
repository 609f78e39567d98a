// Package web exposes the voice HTTP API: query processing (plain and SSE
// streaming), confirmations, capabilities, and the activity feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/voicewire/internal/activity"
	"github.com/voicewire/voicewire/internal/mcp"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/orchestrator"
	"github.com/voicewire/voicewire/internal/storage"
	"github.com/voicewire/voicewire/pkg/models"
)

const (
	// maxQueryChars rejects over-long utterances before the orchestrator
	// ever sees them.
	maxQueryChars = 500

	// maxBodyBytes bounds request bodies; queries are short by contract.
	maxBodyBytes = 16 << 10
)

// QueryProcessor is the orchestrator surface the API uses.
// *orchestrator.Orchestrator satisfies it.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, userID, query string, mode models.SessionMode, emit func(*models.ProgressEvent)) (*models.OrchestrationResult, error)
	Confirm(ctx context.Context, confirmationID, response string, emit func(*models.ProgressEvent)) (*models.OrchestrationResult, error)
}

// CatalogSource provides the per-user tool snapshot for capabilities.
type CatalogSource interface {
	Snapshot(ctx context.Context, userID string) (map[string][]mcp.ToolSchema, error)
}

// Server is the HTTP API.
type Server struct {
	processor QueryProcessor
	catalog   CatalogSource
	status    storage.StatusStore
	feed      *activity.Feed
	logger    *observability.Logger
	mux       *http.ServeMux
}

// NewServer wires all routes. gatherer backs /metrics; pass the registry the
// orchestrator metrics were registered with.
func NewServer(processor QueryProcessor, catalog CatalogSource, status storage.StatusStore, feed *activity.Feed, logger *observability.Logger, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		processor: processor,
		catalog:   catalog,
		status:    status,
		feed:      feed,
		logger:    logger.WithFields("component", "web"),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /voice/query", s.handleQuery)
	s.mux.HandleFunc("POST /voice/query/stream", s.handleQueryStream)
	s.mux.HandleFunc("POST /voice/confirm", s.handleConfirm)
	s.mux.HandleFunc("GET /voice/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("GET /activity", s.handleActivity)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type queryRequest struct {
	Query string             `json:"query"`
	Mode  models.SessionMode `json:"mode,omitempty"`
}

type confirmRequest struct {
	ConfirmationID string `json:"confirmationID"`
	Response       string `json:"response"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	result, err := s.processor.ProcessQuery(r.Context(), userID, req.Query, req.Mode, nil)
	if err != nil {
		s.writeProcessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	doneSent := false
	emit := func(ev *models.ProgressEvent) {
		name := "progress"
		switch ev.Kind {
		case models.ProgressError:
			name = "error"
		case models.ProgressDone:
			name = "done"
			doneSent = true
		}
		writeSSE(w, name, ev)
		flusher.Flush()
	}

	// client disconnect cancels the plan through the request context
	_, err := s.processor.ProcessQuery(r.Context(), userID, req.Query, req.Mode, emit)
	if err != nil && !doneSent {
		emit(&models.ProgressEvent{Kind: models.ProgressError, Message: err.Error()})
		emit(&models.ProgressEvent{Kind: models.ProgressDone})
	}
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.userID(w, r); !ok {
		return
	}
	var req confirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ConfirmationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "confirmationID is required")
		return
	}

	result, err := s.processor.Confirm(r.Context(), req.ConfirmationID, req.Response, nil)
	if err != nil {
		writeError(w, http.StatusConflict, "confirmation_rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	catalog, err := s.catalog.Snapshot(r.Context(), userID)
	if err != nil {
		s.logger.Error(r.Context(), "capabilities snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load capabilities")
		return
	}
	statuses, err := s.status.List(r.Context(), userID)
	if err != nil {
		s.logger.Error(r.Context(), "status list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load capabilities")
		return
	}

	type capability struct {
		Provider string                   `json:"provider"`
		State    models.ConnectionState   `json:"state"`
		Tools    []mcp.ToolSchema         `json:"tools"`
		Status   *models.ConnectionStatus `json:"status,omitempty"`
	}
	byProvider := map[string]*models.ConnectionStatus{}
	for _, st := range statuses {
		byProvider[st.Provider] = st
	}
	out := make([]capability, 0, len(catalog))
	for provider, tools := range catalog {
		entry := capability{Provider: provider, State: models.ConnConnected, Tools: tools}
		if st, ok := byProvider[provider]; ok {
			entry.State = st.State
			entry.Status = st
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := s.feed.List(r.Context(), userID, offset, limit)
	if err != nil {
		s.logger.Error(r.Context(), "activity feed failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load activity")
		return
	}
	if items == nil {
		items = []*models.ActivityItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID reads the authenticated user from the X-User-ID header the fronting
// proxy sets after auth.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing X-User-ID header")
		return "", false
	}
	return userID, true
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (*queryRequest, bool) {
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return nil, false
	}
	if len(req.Query) > maxQueryChars {
		writeError(w, http.StatusRequestEntityTooLarge, "query_too_long",
			fmt.Sprintf("query exceeds %d characters", maxQueryChars))
		return nil, false
	}
	if req.Mode == "" {
		req.Mode = models.ModePushToTalk
	}
	return &req, true
}

func (s *Server) writeProcessError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, orchestrator.ErrSessionBusy) {
		writeError(w, http.StatusConflict, "session_busy", err.Error())
		return
	}
	s.logger.Error(r.Context(), "query processing failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: code, Message: message})
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
}
