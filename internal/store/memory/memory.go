// Package memory implements the store interfaces in process memory. It is
// the reference implementation for the claim semantics and backs tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

type MemoryStore struct {
	mu            sync.Mutex
	runs          map[string]store.AutomationRun
	automations   map[string]store.Automation
	triggerEvents map[string]store.TriggerEvent
	outbox        map[string]store.OutboxItem
	sideEffects   map[string]store.SideEffectRecord
	events        map[string][]store.RunEvent
	repos         map[string]map[string]bool
	configRepos   map[string]map[string]string

	now func() time.Time
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:          map[string]store.AutomationRun{},
		automations:   map[string]store.Automation{},
		triggerEvents: map[string]store.TriggerEvent{},
		outbox:        map[string]store.OutboxItem{},
		sideEffects:   map[string]store.SideEffectRecord{},
		events:        map[string][]store.RunEvent{},
		repos:         map[string]map[string]bool{},
		configRepos:   map[string]map[string]string{},
		now:           time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) PutRun(run store.AutomationRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
}

func (m *MemoryStore) PutAutomation(automation store.Automation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := automation
	cloned.AllowedConfigurationIDs = append([]string{}, automation.AllowedConfigurationIDs...)
	m.automations[automation.ID] = cloned
}

func (m *MemoryStore) PutTriggerEvent(event store.TriggerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerEvents[event.ID] = event
}

func (m *MemoryStore) PutRepo(orgID string, repoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.repos[orgID] == nil {
		m.repos[orgID] = map[string]bool{}
	}
	m.repos[orgID][repoID] = true
}

func (m *MemoryStore) PutConfigurationRepo(orgID string, repoID string, configurationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configRepos[orgID] == nil {
		m.configRepos[orgID] = map[string]string{}
	}
	m.configRepos[orgID][repoID] = configurationID
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.AutomationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cloned := cloneRun(run)
	return &cloned, nil
}

func (m *MemoryStore) ClaimRun(ctx context.Context, runID string, acceptable []store.RunStatus, workerID string, leaseTTL time.Duration) (*store.AutomationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status.IsTerminal() {
		return nil, nil
	}
	statusOK := false
	for _, status := range acceptable {
		if run.Status == status {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return nil, nil
	}
	now := m.now()
	if run.LeaseOwner != "" && run.LeaseOwner != workerID && run.LeaseExpiresAt != nil && run.LeaseExpiresAt.After(now) {
		return nil, nil
	}
	expires := now.Add(leaseTTL)
	run.LeaseOwner = workerID
	run.LeaseVersion++
	run.LeaseExpiresAt = &expires
	run.LastActivityAt = now
	m.runs[runID] = run
	cloned := cloneRun(run)
	return &cloned, nil
}

func (m *MemoryStore) TransitionRun(ctx context.Context, runID string, leaseVersion int64, toStatus store.RunStatus, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.LeaseVersion != leaseVersion {
		return fmt.Errorf("run %s lease version %d does not match %d", runID, run.LeaseVersion, leaseVersion)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s already terminal (%s)", runID, run.Status)
	}
	m.applyTransition(&run, toStatus, update)
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) applyTransition(run *store.AutomationRun, toStatus store.RunStatus, update store.RunUpdate) {
	from := run.Status
	run.Status = toStatus
	if update.StatusReason != "" {
		run.StatusReason = update.StatusReason
	}
	if update.ErrorMessage != "" {
		run.ErrorMessage = update.ErrorMessage
	}
	if update.SessionID != "" && run.SessionID == "" {
		run.SessionID = update.SessionID
	}
	if update.PromptSentAt != nil {
		run.PromptSentAt = update.PromptSentAt
	}
	if update.EnrichmentStartedAt != nil {
		run.EnrichmentStartedAt = update.EnrichmentStartedAt
	}
	if update.ExecutionStartedAt != nil {
		run.ExecutionStartedAt = update.ExecutionStartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.LastActivityAt = m.now()
	m.appendEventLocked(store.RunEvent{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		Type:       "run.status.changed",
		FromStatus: from,
		ToStatus:   toStatus,
		CreatedAt:  m.now(),
	})
}

func (m *MemoryStore) SetRunSession(ctx context.Context, runID string, leaseVersion int64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.LeaseVersion != leaseVersion {
		return fmt.Errorf("run %s lease version %d does not match %d", runID, run.LeaseVersion, leaseVersion)
	}
	if run.SessionID != "" && run.SessionID != sessionID {
		return fmt.Errorf("run %s session already set", runID)
	}
	run.SessionID = sessionID
	run.LastActivityAt = m.now()
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) CompleteEnrichment(ctx context.Context, runID string, orgID string, leaseVersion int64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.LeaseVersion != leaseVersion {
		return fmt.Errorf("run %s lease version %d does not match %d", runID, run.LeaseVersion, leaseVersion)
	}
	if run.Status != store.RunStatusEnriching {
		return fmt.Errorf("run %s is %s, not enriching", runID, run.Status)
	}
	run.EnrichmentJSON = append([]byte{}, payload...)
	run.LeaseOwner = ""
	run.LeaseExpiresAt = nil
	m.applyTransition(&run, store.RunStatusReady, store.RunUpdate{})
	m.runs[runID] = run
	m.enqueueOutboxLocked(store.OutboxItem{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Kind:           store.OutboxEnqueueExecute,
		Payload:        map[string]any{"runId": runID},
	})
	return nil
}

func (m *MemoryStore) CompleteRun(ctx context.Context, runID string, toStatus store.RunStatus, completionID string, completionJSON []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s not found", runID)
	}
	if run.CompletionID != "" || run.Status != store.RunStatusRunning {
		return false, nil
	}
	run.CompletionID = completionID
	run.CompletionJSON = append([]byte{}, completionJSON...)
	completedAt := m.now()
	m.applyTransition(&run, toStatus, store.RunUpdate{CompletedAt: &completedAt})
	m.runs[runID] = run
	m.enqueueOutboxLocked(store.OutboxItem{
		ID:             uuid.NewString(),
		OrganizationID: run.OrganizationID,
		Kind:           store.OutboxWriteArtifacts,
		Payload:        map[string]any{"runId": runID},
	})
	m.enqueueOutboxLocked(store.OutboxItem{
		ID:             uuid.NewString(),
		OrganizationID: run.OrganizationID,
		Kind:           store.OutboxNotifyTerminal,
		Payload:        map[string]any{"runId": runID, "status": string(toStatus)},
	})
	return true, nil
}

func (m *MemoryStore) MarkRunFailed(ctx context.Context, input store.FailRunInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[input.RunID]
	if !ok {
		return fmt.Errorf("run %s not found", input.RunID)
	}
	if run.Status.IsTerminal() {
		return nil
	}
	completedAt := m.now()
	m.applyTransition(&run, store.RunStatusFailed, store.RunUpdate{
		StatusReason: input.Reason,
		ErrorMessage: input.ErrorMessage,
		CompletedAt:  &completedAt,
	})
	m.runs[input.RunID] = run
	m.enqueueOutboxLocked(store.OutboxItem{
		ID:             uuid.NewString(),
		OrganizationID: run.OrganizationID,
		Kind:           store.OutboxNotifyTerminal,
		Payload:        map[string]any{"runId": run.ID, "status": string(store.RunStatusFailed)},
	})
	return nil
}

func (m *MemoryStore) MarkRunTimedOut(ctx context.Context, runID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.Status != store.RunStatusRunning {
		return nil
	}
	completedAt := m.now()
	m.applyTransition(&run, store.RunStatusTimedOut, store.RunUpdate{
		StatusReason: reason,
		CompletedAt:  &completedAt,
	})
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) ListStaleRunning(ctx context.Context, inactiveSince time.Time, limit int) ([]store.AutomationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := []store.AutomationRun{}
	for _, run := range m.runs {
		if run.Status != store.RunStatusRunning {
			continue
		}
		if run.LastActivityAt.After(inactiveSince) {
			continue
		}
		results = append(results, cloneRun(run))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].LastActivityAt.Before(results[j].LastActivityAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) SetArtifactRefs(ctx context.Context, runID string, enrichmentRef string, completionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if enrichmentRef != "" && run.EnrichmentArtifactRef == "" {
		run.EnrichmentArtifactRef = enrichmentRef
	}
	if completionRef != "" && run.CompletionArtifactRef == "" {
		run.CompletionArtifactRef = completionRef
	}
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) GetAutomation(ctx context.Context, automationID string) (*store.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	automation, ok := m.automations[automationID]
	if !ok {
		return nil, nil
	}
	cloned := automation
	cloned.AllowedConfigurationIDs = append([]string{}, automation.AllowedConfigurationIDs...)
	return &cloned, nil
}

func (m *MemoryStore) GetTriggerEvent(ctx context.Context, eventID string) (*store.TriggerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.triggerEvents[eventID]
	if !ok {
		return nil, nil
	}
	cloned := event
	cloned.ParsedContext = cloneMap(event.ParsedContext)
	return &cloned, nil
}

func (m *MemoryStore) UpdateTriggerEventStatus(ctx context.Context, eventID string, status string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.triggerEvents[eventID]
	if !ok {
		return nil
	}
	event.Status = status
	processedAt := m.now()
	event.ProcessedAt = &processedAt
	if errorMessage != "" {
		event.ErrorMessage = errorMessage
	}
	m.triggerEvents[eventID] = event
	return nil
}

func (m *MemoryStore) SetTriggerEventSession(ctx context.Context, eventID string, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.triggerEvents[eventID]
	if !ok {
		return nil
	}
	event.SessionID = sessionID
	m.triggerEvents[eventID] = event
	return nil
}

func (m *MemoryStore) RepoExists(ctx context.Context, orgID string, repoID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repos[orgID][repoID], nil
}

func (m *MemoryStore) FindConfigurationByRepo(ctx context.Context, orgID string, repoID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configRepos[orgID][repoID], nil
}

func (m *MemoryStore) AppendRunEvent(ctx context.Context, event store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now()
	}
	m.appendEventLocked(event)
	return nil
}

func (m *MemoryStore) appendEventLocked(event store.RunEvent) {
	cloned := event
	cloned.Data = cloneMap(event.Data)
	m.events[event.RunID] = append(m.events[event.RunID], cloned)
}

func (m *MemoryStore) ListRunEvents(ctx context.Context, runID string) ([]store.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[runID]
	cloned := make([]store.RunEvent, 0, len(events))
	for _, event := range events {
		copied := event
		copied.Data = cloneMap(event.Data)
		cloned = append(cloned, copied)
	}
	return cloned, nil
}

func (m *MemoryStore) EnqueueOutbox(ctx context.Context, item store.OutboxItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueOutboxLocked(item)
	return nil
}

func (m *MemoryStore) enqueueOutboxLocked(item store.OutboxItem) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = store.OutboxPending
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = m.now()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	item.Payload = cloneMap(item.Payload)
	m.outbox[item.ID] = item
}

func (m *MemoryStore) ClaimOutbox(ctx context.Context, limit int) ([]store.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	due := []store.OutboxItem{}
	for _, item := range m.outbox {
		if item.Status != store.OutboxPending {
			continue
		}
		if item.AvailableAt.After(now) {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]store.OutboxItem, 0, len(due))
	for _, item := range due {
		item.Status = store.OutboxProcessing
		claimedAt := now
		item.ClaimedAt = &claimedAt
		m.outbox[item.ID] = item
		copied := item
		copied.Payload = cloneMap(item.Payload)
		claimed = append(claimed, copied)
	}
	return claimed, nil
}

func (m *MemoryStore) ReclaimStuckOutbox(ctx context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	reclaimed := 0
	for id, item := range m.outbox {
		if item.Status != store.OutboxProcessing {
			continue
		}
		if item.ClaimedAt == nil || item.ClaimedAt.After(cutoff) {
			continue
		}
		item.Status = store.OutboxPending
		item.ClaimedAt = nil
		m.outbox[id] = item
		reclaimed++
	}
	return reclaimed, nil
}

func (m *MemoryStore) MarkOutboxDispatched(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.outbox[itemID]
	if !ok {
		return fmt.Errorf("outbox item %s not found", itemID)
	}
	item.Status = store.OutboxDispatched
	m.outbox[itemID] = item
	return nil
}

func (m *MemoryStore) MarkOutboxFailed(ctx context.Context, itemID string, dispatchErr string, availableAt time.Time, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.outbox[itemID]
	if !ok {
		return fmt.Errorf("outbox item %s not found", itemID)
	}
	item.Attempts++
	item.LastError = dispatchErr
	item.ClaimedAt = nil
	if permanent {
		item.Status = store.OutboxFailed
	} else {
		item.Status = store.OutboxPending
		item.AvailableAt = availableAt
	}
	m.outbox[itemID] = item
	return nil
}

// OutboxItems returns a snapshot of every outbox row. Test hook.
func (m *MemoryStore) OutboxItems() []store.OutboxItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.OutboxItem, 0, len(m.outbox))
	for _, item := range m.outbox {
		copied := item
		copied.Payload = cloneMap(item.Payload)
		items = append(items, copied)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

func (m *MemoryStore) RecordSideEffect(ctx context.Context, orgID string, effectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := orgID + "/" + effectID
	if _, ok := m.sideEffects[key]; ok {
		return false, nil
	}
	m.sideEffects[key] = store.SideEffectRecord{
		OrganizationID: orgID,
		EffectID:       effectID,
		CreatedAt:      m.now(),
	}
	return true, nil
}

func (m *MemoryStore) SideEffectExists(ctx context.Context, orgID string, effectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sideEffects[orgID+"/"+effectID]
	return ok, nil
}

func cloneRun(run store.AutomationRun) store.AutomationRun {
	cloned := run
	cloned.EnrichmentJSON = append([]byte{}, run.EnrichmentJSON...)
	cloned.CompletionJSON = append([]byte{}, run.CompletionJSON...)
	return cloned
}

func cloneMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}
