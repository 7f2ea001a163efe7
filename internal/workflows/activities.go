package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/enrich"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/session"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/target"
)

const (
	FailureReasonEnrichment    = "enrichment_failed"
	FailureReasonMissingEvent  = "missing_context"
	FailureReasonMissingConfig = "missing_configuration"
)

type RunActivities struct {
	store    store.Store
	sessions session.Service
	resolver *target.Resolver
	workerID string
	leaseTTL time.Duration
}

func NewRunActivities(st store.Store, sessions session.Service, resolver *target.Resolver, workerID string, leaseTTL time.Duration) *RunActivities {
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	return &RunActivities{
		store:    st,
		sessions: sessions,
		resolver: resolver,
		workerID: workerID,
		leaseTTL: leaseTTL,
	}
}

// EnrichRun claims a queued run, builds its enrichment payload, and moves
// it to ready. Malformed trigger events fail the run permanently; every
// other error is returned for the retry policy to handle.
func (a *RunActivities) EnrichRun(ctx context.Context, input StageInput) (StageResult, error) {
	acceptable := []store.RunStatus{store.RunStatusQueued, store.RunStatusEnriching}
	run, err := a.store.ClaimRun(ctx, input.RunID, acceptable, a.workerID, a.leaseTTL)
	if err != nil {
		return StageResult{}, err
	}
	if run == nil {
		return a.resolveUnclaimable(ctx, input.RunID, acceptable)
	}

	if run.Status == store.RunStatusQueued {
		now := time.Now().UTC()
		if err := a.store.TransitionRun(ctx, run.ID, run.LeaseVersion, store.RunStatusEnriching, store.RunUpdate{
			EnrichmentStartedAt: &now,
		}); err != nil {
			return StageResult{}, err
		}
	}

	event, err := a.store.GetTriggerEvent(ctx, run.TriggerEventID)
	if err != nil {
		return StageResult{}, err
	}
	if event == nil {
		return StageResult{}, a.failRun(ctx, run, FailureReasonMissingEvent, "enrich", fmt.Sprintf("trigger event %s not found", run.TriggerEventID), "")
	}
	automation, err := a.store.GetAutomation(ctx, run.AutomationID)
	if err != nil {
		return StageResult{}, err
	}
	if automation == nil {
		return StageResult{}, a.failRun(ctx, run, FailureReasonMissingEvent, "enrich", fmt.Sprintf("automation %s not found", run.AutomationID), event.ID)
	}

	payload, err := enrich.BuildPayload(*event, *automation)
	var enrichErr *enrich.Error
	if errors.As(err, &enrichErr) {
		return StageResult{}, a.failRun(ctx, run, FailureReasonEnrichment, "enrich", enrichErr.Message, event.ID)
	}
	if err != nil {
		return StageResult{}, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return StageResult{}, err
	}
	if err := a.store.CompleteEnrichment(ctx, run.ID, run.OrganizationID, run.LeaseVersion, encoded); err != nil {
		return StageResult{}, err
	}
	return StageResult{Status: "enriched"}, nil
}

// ExecuteRun claims a ready run, resolves the target configuration,
// creates the agent session, and sends the initial prompt. Each remote
// call carries a key derived from the run id, so a crash-retry replays
// without duplicating sessions or prompts.
func (a *RunActivities) ExecuteRun(ctx context.Context, input StageInput) (StageResult, error) {
	acceptable := []store.RunStatus{store.RunStatusReady, store.RunStatusRunning}
	run, err := a.store.ClaimRun(ctx, input.RunID, acceptable, a.workerID, a.leaseTTL)
	if err != nil {
		return StageResult{}, err
	}
	if run == nil {
		return a.resolveUnclaimable(ctx, input.RunID, acceptable)
	}

	automation, err := a.store.GetAutomation(ctx, run.AutomationID)
	if err != nil {
		return StageResult{}, err
	}
	if automation == nil {
		return StageResult{}, a.failRun(ctx, run, FailureReasonMissingEvent, "execute", fmt.Sprintf("automation %s not found", run.AutomationID), run.TriggerEventID)
	}

	var payload *enrich.Payload
	if len(run.EnrichmentJSON) > 0 {
		payload = &enrich.Payload{}
		if err := json.Unmarshal(run.EnrichmentJSON, payload); err != nil {
			return StageResult{}, a.failRun(ctx, run, FailureReasonEnrichment, "execute", "stored enrichment payload is unreadable: "+err.Error(), run.TriggerEventID)
		}
	} else {
		payload = &enrich.Payload{}
	}

	resolution, err := a.resolver.Resolve(ctx, *automation, payload, run.OrganizationID)
	if err != nil {
		return StageResult{}, err
	}
	if err := a.store.AppendRunEvent(ctx, store.RunEvent{
		RunID: run.ID,
		Type:  "run.target.resolved",
		Data: map[string]any{
			"type":            string(resolution.Type),
			"configurationId": resolution.ConfigurationID,
			"repoIds":         resolution.RepoIDs,
			"reason":          resolution.Reason,
			"suggestedRepoId": resolution.SuggestedRepoID,
		},
	}); err != nil {
		return StageResult{}, err
	}
	if !resolution.Usable() {
		return StageResult{}, a.failRun(ctx, run, FailureReasonMissingConfig, "execute", "no configuration or repos resolved for run", run.TriggerEventID)
	}

	if run.Status == store.RunStatusReady {
		now := time.Now().UTC()
		if err := a.store.TransitionRun(ctx, run.ID, run.LeaseVersion, store.RunStatusRunning, store.RunUpdate{
			ExecutionStartedAt: &now,
		}); err != nil {
			return StageResult{}, err
		}
	}

	if run.SessionID == "" {
		sessionID, err := a.sessions.CreateSession(ctx, session.CreateSessionRequest{
			OrganizationID:  run.OrganizationID,
			AutomationID:    run.AutomationID,
			ConfigurationID: resolution.ConfigurationID,
			RepoIDs:         resolution.RepoIDs,
			ModelID:         automation.ModelID,
		}, sessionKey(run.ID))
		if err != nil {
			return StageResult{}, err
		}
		if err := a.store.SetRunSession(ctx, run.ID, run.LeaseVersion, sessionID); err != nil {
			return StageResult{}, err
		}
		if run.TriggerEventID != "" {
			if err := a.store.SetTriggerEventSession(ctx, run.TriggerEventID, sessionID); err != nil {
				return StageResult{}, err
			}
		}
		run.SessionID = sessionID
	}

	if run.PromptSentAt == nil {
		prompt := buildPrompt(automation, payload, store.CompletionID(run.ID))
		if err := a.sessions.PostMessage(ctx, run.SessionID, session.PostMessageRequest{
			Content:        prompt,
			UserID:         automation.SlackUserID,
			IdempotencyKey: promptKey(run.ID),
		}); err != nil {
			return StageResult{}, err
		}
		now := time.Now().UTC()
		if err := a.store.TransitionRun(ctx, run.ID, run.LeaseVersion, store.RunStatusRunning, store.RunUpdate{
			PromptSentAt: &now,
		}); err != nil {
			return StageResult{}, err
		}
	}

	return StageResult{Status: "prompted"}, nil
}

// resolveUnclaimable decides what a nil claim means. A run that already
// moved past this stage is a clean skip; a live lease held elsewhere is a
// transient condition worth retrying.
func (a *RunActivities) resolveUnclaimable(ctx context.Context, runID string, stageStatuses []store.RunStatus) (StageResult, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return StageResult{}, err
	}
	if run == nil {
		return StageResult{}, temporal.NewApplicationError(fmt.Sprintf("run %s not found", runID), ErrTypePermanent)
	}
	for _, status := range stageStatuses {
		if run.Status == status {
			return StageResult{}, fmt.Errorf("run %s lease held by %s", runID, run.LeaseOwner)
		}
	}
	return StageResult{Status: "skipped"}, nil
}

// failRun records a permanent failure on the run and its trigger event,
// then returns the non-retryable error the workflow surfaces. Store errors
// while recording take precedence so the failure write itself retries.
func (a *RunActivities) failRun(ctx context.Context, run *store.AutomationRun, reason string, stage string, message string, eventID string) error {
	if err := a.store.MarkRunFailed(ctx, store.FailRunInput{
		RunID:        run.ID,
		Reason:       reason,
		Stage:        stage,
		ErrorMessage: message,
	}); err != nil {
		return err
	}
	if eventID != "" {
		if err := a.store.UpdateTriggerEventStatus(ctx, eventID, "failed", message); err != nil {
			return err
		}
	}
	return temporal.NewApplicationError(fmt.Sprintf("%s: %s", reason, message), ErrTypePermanent)
}

func sessionKey(runID string) string {
	return fmt.Sprintf("run:%s:session", runID)
}

func promptKey(runID string) string {
	return fmt.Sprintf("run:%s:prompt:v1", runID)
}

func buildPrompt(automation *store.Automation, payload *enrich.Payload, completionID string) string {
	var b strings.Builder
	instructions := strings.TrimSpace(automation.AgentInstructions)
	if instructions != "" {
		b.WriteString(instructions)
		b.WriteString("\n\n")
	}
	if payload.Summary.Title != "" {
		b.WriteString("## Task\n")
		b.WriteString(payload.Summary.Title)
		b.WriteString("\n")
		if payload.Summary.Description != "" {
			b.WriteString("\n")
			b.WriteString(payload.Summary.Description)
			b.WriteString("\n")
		}
		if payload.Source.URL != "" {
			b.WriteString("\nSource: ")
			b.WriteString(payload.Source.URL)
			b.WriteString("\n")
		}
		if len(payload.RelatedFiles) > 0 {
			b.WriteString("\nRelated files:\n")
			for _, file := range payload.RelatedFiles {
				b.WriteString("- ")
				b.WriteString(file)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("When you are done, report completion with completion_id `")
	b.WriteString(completionID)
	b.WriteString("`. Use outcome \"succeeded\" if the task is fully handled, or \"needs_human\" with a summary of what remains if a person has to take over.")
	return b.String()
}
