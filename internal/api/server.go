// Package api is the orchestrator's HTTP surface: the completion ingest
// endpoint the remote agent calls back into, read access to runs and their
// event timelines, and the health/readiness/metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/events"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

type Server struct {
	store   store.Store
	broker  *events.Broker
	metrics http.Handler
}

func NewServer(st store.Store, broker *events.Broker, metricsHandler http.Handler) *Server {
	return &Server{
		store:   st,
		broker:  broker,
		metrics: metricsHandler,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/runs/{id}/complete", s.completeRun)
	r.Get("/runs/{id}", s.getRun)
	r.Get("/runs/{id}/events", s.listRunEvents)
	r.Get("/runs/{id}/events/stream", s.streamRunEvents)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready" || cleanPath == "/metrics") {
		return true
	}
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events/stream") {
		return true
	}
	return false
}

type completeRunRequest struct {
	CompletionID string         `json:"completion_id"`
	Outcome      string         `json:"outcome"`
	Summary      string         `json:"summary"`
	Details      map[string]any `json:"details,omitempty"`
}

// completeRun is the agent's callback. The completion id it must echo is
// derived from the run id, so a caller that lost track of which run it is
// working on cannot complete the wrong one.
func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	var req completeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.CompletionID != store.CompletionID(runID) {
		http.Error(w, "completion_id does not match run", http.StatusUnprocessableEntity)
		return
	}

	var toStatus store.RunStatus
	switch req.Outcome {
	case "succeeded":
		toStatus = store.RunStatusSucceeded
	case "needs_human":
		toStatus = store.RunStatusNeedsHuman
	default:
		http.Error(w, fmt.Sprintf("unknown outcome %q", req.Outcome), http.StatusBadRequest)
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if run.CompletionID != "" {
		writeJSONStatus(w, map[string]any{"status": "already_recorded"}, http.StatusOK)
		return
	}

	completionJSON, err := json.Marshal(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	applied, err := s.store.CompleteRun(r.Context(), runID, toStatus, req.CompletionID, completionJSON)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !applied {
		http.Error(w, fmt.Sprintf("run is %s, not running", run.Status), http.StatusConflict)
		return
	}

	if s.broker != nil {
		s.broker.Publish(events.RunEvent{
			RunID:      runID,
			Type:       "run.completed",
			FromStatus: string(store.RunStatusRunning),
			ToStatus:   string(toStatus),
			Ts:         time.Now().UTC().Format(time.RFC3339Nano),
			Data:       map[string]any{"outcome": req.Outcome},
		})
	}
	writeJSONStatus(w, map[string]any{"status": "recorded", "runStatus": string(toStatus)}, http.StatusOK)
}

type runResponse struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	AutomationID   string     `json:"automationId"`
	Status         string     `json:"status"`
	StatusReason   string     `json:"statusReason,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	TriggerEventID string     `json:"triggerEventId,omitempty"`
	QueuedAt       time.Time  `json:"queuedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	EnrichmentRef  string     `json:"enrichmentArtifactRef,omitempty"`
	CompletionRef  string     `json:"completionArtifactRef,omitempty"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSONStatus(w, runResponse{
		ID:             run.ID,
		OrganizationID: run.OrganizationID,
		AutomationID:   run.AutomationID,
		Status:         string(run.Status),
		StatusReason:   run.StatusReason,
		ErrorMessage:   run.ErrorMessage,
		SessionID:      run.SessionID,
		TriggerEventID: run.TriggerEventID,
		QueuedAt:       run.QueuedAt,
		CompletedAt:    run.CompletedAt,
		EnrichmentRef:  run.EnrichmentArtifactRef,
		CompletionRef:  run.CompletionArtifactRef,
	}, http.StatusOK)
}

func (s *Server) listRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	stored, err := s.store.ListRunEvents(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]events.RunEvent, 0, len(stored))
	for _, event := range stored {
		out = append(out, toEvent(event))
	}
	writeJSONStatus(w, map[string]any{"events": out}, http.StatusOK)
}

func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	stored, err := s.store.ListRunEvents(ctx, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, event := range stored {
		sendSSE(w, toEvent(event))
		flusher.Flush()
	}

	if s.broker == nil {
		return
	}
	eventsChan := s.broker.Subscribe(ctx, runID)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			sendSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, event events.RunEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%s\n", event.RunID, event.Ts)
	fmt.Fprint(w, "event: run_event\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func toEvent(event store.RunEvent) events.RunEvent {
	return events.RunEvent{
		RunID:      event.RunID,
		Type:       event.Type,
		FromStatus: string(event.FromStatus),
		ToStatus:   string(event.ToStatus),
		Ts:         event.CreatedAt.UTC().Format(time.RFC3339Nano),
		Data:       event.Data,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListStaleRunning(ctx, time.Now().UTC(), 1); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
