package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/events"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/observability"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store/memory"
)

func newTestServer(st store.Store) *httptest.Server {
	server := NewServer(st, events.NewBroker(), observability.NewMetrics().Handler())
	return httptest.NewServer(server.Router())
}

func seedRunningRun(st *memory.MemoryStore, id string) {
	st.PutRun(store.AutomationRun{
		ID:             id,
		OrganizationID: "org-1",
		AutomationID:   "auto-1",
		Status:         store.RunStatusRunning,
	})
}

func postComplete(t *testing.T, baseURL string, runID string, body map[string]any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(fmt.Sprintf("%s/runs/%s/complete", baseURL, runID), "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	return resp
}

func TestCompleteRunRecordsCompletion(t *testing.T) {
	st := memory.New()
	seedRunningRun(st, "run-1")
	srv := newTestServer(st)
	defer srv.Close()

	resp := postComplete(t, srv.URL, "run-1", map[string]any{
		"completion_id": store.CompletionID("run-1"),
		"outcome":       "succeeded",
		"summary":       "fixed the bug",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "recorded", body["status"])

	run, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusSucceeded, run.Status)
	require.Equal(t, store.CompletionID("run-1"), run.CompletionID)
	require.Contains(t, string(run.CompletionJSON), "fixed the bug")

	var kinds []store.OutboxKind
	for _, item := range st.OutboxItems() {
		kinds = append(kinds, item.Kind)
	}
	require.Contains(t, kinds, store.OutboxWriteArtifacts)
	require.Contains(t, kinds, store.OutboxNotifyTerminal)
}

func TestCompleteRunNeedsHuman(t *testing.T) {
	st := memory.New()
	seedRunningRun(st, "run-1")
	srv := newTestServer(st)
	defer srv.Close()

	resp := postComplete(t, srv.URL, "run-1", map[string]any{
		"completion_id": store.CompletionID("run-1"),
		"outcome":       "needs_human",
		"summary":       "credentials required",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	run, _ := st.GetRun(context.Background(), "run-1")
	require.Equal(t, store.RunStatusNeedsHuman, run.Status)
}

func TestCompleteRunRejectsWrongCompletionID(t *testing.T) {
	st := memory.New()
	seedRunningRun(st, "run-1")
	srv := newTestServer(st)
	defer srv.Close()

	resp := postComplete(t, srv.URL, "run-1", map[string]any{
		"completion_id": store.CompletionID("run-2"),
		"outcome":       "succeeded",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	run, _ := st.GetRun(context.Background(), "run-1")
	require.Equal(t, store.RunStatusRunning, run.Status)
}

func TestCompleteRunRejectsUnknownOutcome(t *testing.T) {
	st := memory.New()
	seedRunningRun(st, "run-1")
	srv := newTestServer(st)
	defer srv.Close()

	resp := postComplete(t, srv.URL, "run-1", map[string]any{
		"completion_id": store.CompletionID("run-1"),
		"outcome":       "maybe",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompleteRunReplayIsIdempotent(t *testing.T) {
	st := memory.New()
	seedRunningRun(st, "run-1")
	srv := newTestServer(st)
	defer srv.Close()

	body := map[string]any{
		"completion_id": store.CompletionID("run-1"),
		"outcome":       "succeeded",
		"summary":       "done",
	}
	resp := postComplete(t, srv.URL, "run-1", body)
	resp.Body.Close()
	outboxBefore := len(st.OutboxItems())

	resp = postComplete(t, srv.URL, "run-1", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var replay map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&replay))
	require.Equal(t, "already_recorded", replay["status"])
	require.Len(t, st.OutboxItems(), outboxBefore)
}

func TestCompleteRunConflictsWhenNotRunning(t *testing.T) {
	st := memory.New()
	st.PutRun(store.AutomationRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		Status:         store.RunStatusQueued,
	})
	srv := newTestServer(st)
	defer srv.Close()

	resp := postComplete(t, srv.URL, "run-1", map[string]any{
		"completion_id": store.CompletionID("run-1"),
		"outcome":       "succeeded",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCompleteRunNotFound(t *testing.T) {
	srv := newTestServer(memory.New())
	defer srv.Close()

	resp := postComplete(t, srv.URL, "ghost", map[string]any{
		"completion_id": store.CompletionID("ghost"),
		"outcome":       "succeeded",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	st := memory.New()
	seedRunningRun(st, "run-1")
	srv := newTestServer(st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body runResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "run-1", body.ID)
	require.Equal(t, "running", body.Status)

	missing, err := http.Get(srv.URL + "/runs/ghost")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListRunEvents(t *testing.T) {
	st := memory.New()
	seedRunningRun(st, "run-1")
	require.NoError(t, st.AppendRunEvent(context.Background(), store.RunEvent{
		RunID:    "run-1",
		Type:     "run.target.resolved",
		ToStatus: store.RunStatusRunning,
		Data:     map[string]any{"configurationId": "cfg-1"},
	}))
	srv := newTestServer(st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/run-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Events []events.RunEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Events, 1)
	require.Equal(t, "run.target.resolved", body.Events[0].Type)
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(memory.New())
	defer srv.Close()

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)

	ready, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	require.Equal(t, http.StatusOK, ready.StatusCode)

	var body readinessResponse
	require.NoError(t, json.NewDecoder(ready.Body).Decode(&body))
	require.Equal(t, "ok", body.Subsystems["store"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(memory.New())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
