// Package server exposes the run service over HTTP: run admission, status
// queries, answers for paused runs, single-step rescans, and a per-run
// SSE event feed.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/maphilipps/dealhunter"
	"github.com/maphilipps/dealhunter/stream"
)

// Options configures a Server.
type Options struct {
	// Service handles all run operations. Required.
	Service *dealhunter.Service

	// Broker provides per-run event subscriptions. Required for the
	// events endpoint.
	Broker *stream.Broker

	// StreamTimeout caps how long one SSE connection stays open.
	// Defaults to 10 minutes.
	StreamTimeout time.Duration

	// Logger for request diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// Server is the HTTP surface over the run service.
type Server struct {
	service       *dealhunter.Service
	broker        *stream.Broker
	streamTimeout time.Duration
	logger        *slog.Logger
	mux           *http.ServeMux
}

// New creates a server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		service:       opts.Service,
		broker:        opts.Broker,
		streamTimeout: opts.StreamTimeout,
		logger:        opts.Logger,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/targets/{target}/runs", s.handleStartRun)
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /api/runs/{id}/answer", s.handleAnswer)
	s.mux.HandleFunc("POST /api/runs/{id}/restart", s.handleRestart)
	s.mux.HandleFunc("POST /api/runs/{id}/steps/{step}/rescan", s.handleRescan)
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.handleEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type startRunRequest struct {
	URL     string         `json:"url"`
	Payload map[string]any `json:"payload,omitempty"`
	Steps   []string       `json:"steps,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("target")
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	target := dealhunter.Target{ID: targetID, URL: req.URL, Payload: req.Payload}
	record, err := s.service.StartRun(r.Context(), target, req.Steps)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := dealhunter.ListRunsOptions{
		TargetID: r.URL.Query().Get("target_id"),
		Status:   dealhunter.RunStatus(r.URL.Query().Get("status")),
	}
	fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &opts.Limit)
	fmt.Sscanf(r.URL.Query().Get("offset"), "%d", &opts.Offset)
	records, err := s.service.ListRuns(r.Context(), opts)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	record, err := s.service.AnswerRun(r.Context(), r.PathValue("id"), req.Answer)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.RestartRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.RescanStep(r.Context(), r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleEvents streams a run's progress events as SSE. The connection
// closes after a terminal event, on client disconnect, or when the stream
// timeout elapses. A run that is already terminal gets one synthetic
// terminal event so late subscribers still see closure.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.writeError(w, http.StatusNotImplemented, fmt.Errorf("event streaming not configured"))
		return
	}
	runID := r.PathValue("id")
	if _, err := s.service.GetStatus(r.Context(), runID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	// Subscribe before checking terminal state so no event is missed in
	// between.
	sub := s.broker.Subscribe(runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The terminal check must read the record again now that the
	// subscription exists: a run finishing before the subscribe published
	// its terminal event to nobody, and the fresh record is the only
	// remaining closure signal.
	if record, err := s.service.GetStatus(r.Context(), runID); err == nil && record.Status.Terminal() {
		s.writeEvent(w, flusher, terminalEventFor(record))
		return
	}

	timeout := time.NewTimer(s.streamTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout.C:
			s.logger.Debug("stream timeout", "run_id", runID)
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.writeEvent(w, flusher, event); err != nil {
				return
			}
			if event.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, event dealhunter.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// terminalEventFor synthesizes the closing event for an already-finished
// run.
func terminalEventFor(record *dealhunter.RunRecord) dealhunter.ProgressEvent {
	event := dealhunter.ProgressEvent{
		RunID:     record.ID,
		Timestamp: time.Now(),
	}
	if record.Status == dealhunter.RunStatusFailed {
		event.Kind = dealhunter.EventError
		event.Message = record.ErrorMessage
	} else {
		event.Kind = dealhunter.EventComplete
	}
	return event
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeServiceError maps domain errors to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *dealhunter.RunConflictError
	var invalid *dealhunter.InvalidAnswerError
	switch {
	case errors.Is(err, dealhunter.ErrRunNotFound),
		errors.Is(err, dealhunter.ErrCheckpointNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &conflict):
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":           err.Error(),
			"existing_run_id": conflict.RunID,
		})
	case errors.Is(err, dealhunter.ErrRunConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dealhunter.ErrNoPendingQuestion):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
