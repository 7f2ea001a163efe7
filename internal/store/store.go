// Package store contains the persistent types and operations the run
// orchestrator is built on. The run claim/transition operations and the
// outbox claim are the only concurrency primitives in the system; every
// implementation must make them single conditional updates.
package store

import (
	"context"
	"time"
)

// CompletionID is the identifier a session's agent must echo back when it
// reports completion for a run. Versioned so the contract can evolve.
func CompletionID(runID string) string {
	return "run:" + runID + ":completion:v1"
}

type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusEnriching  RunStatus = "enriching"
	RunStatusReady      RunStatus = "ready"
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusNeedsHuman RunStatus = "needs_human"
	RunStatusTimedOut   RunStatus = "timed_out"
)

// IsTerminal reports whether a run in this status can never move again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusNeedsHuman, RunStatusTimedOut:
		return true
	}
	return false
}

type AutomationRun struct {
	ID             string
	OrganizationID string
	AutomationID   string
	Status         RunStatus
	StatusReason   string
	ErrorMessage   string
	SessionID      string
	TriggerEventID string

	LeaseOwner     string
	LeaseVersion   int64
	LeaseExpiresAt *time.Time

	DeadlineAt   *time.Time
	PromptSentAt *time.Time

	EnrichmentJSON []byte
	CompletionJSON []byte
	CompletionID   string

	EnrichmentArtifactRef string
	CompletionArtifactRef string

	QueuedAt            time.Time
	EnrichmentStartedAt *time.Time
	ExecutionStartedAt  *time.Time
	CompletedAt         *time.Time
	LastActivityAt      time.Time
}

type TriggerEvent struct {
	ID                string
	OrganizationID    string
	Provider          string
	ProviderEventType string
	ExternalEventID   string
	ParsedContext     map[string]any
	Status            string
	ErrorMessage      string
	SessionID         string
	ProcessedAt       *time.Time
}

type ConfigSelectionStrategy string

const (
	SelectionFixed       ConfigSelectionStrategy = "fixed"
	SelectionAgentDecide ConfigSelectionStrategy = "agent_decide"
)

type NotificationDestination string

const (
	NotifyNone    NotificationDestination = "none"
	NotifyChannel NotificationDestination = "channel"
	NotifyDM      NotificationDestination = "dm"
)

// Automation is the orchestrator's read-only view of an automation
// definition. The management surface that writes these lives elsewhere.
type Automation struct {
	ID                        string
	OrganizationID            string
	Name                      string
	AgentInstructions         string
	ModelID                   string
	DefaultConfigurationID    string
	FallbackConfigurationID   string
	AllowedConfigurationIDs   []string
	ConfigSelectionStrategy   ConfigSelectionStrategy
	AllowAgenticRepoSelection bool

	NotificationDestination NotificationDestination
	NotificationChannelID   string
	LegacyToolChannelID     string
	SlackUserID             string
	SlackInstallationID     string
}

type OutboxKind string

const (
	OutboxEnqueueEnrich    OutboxKind = "enqueue_enrich"
	OutboxEnqueueExecute   OutboxKind = "enqueue_execute"
	OutboxWriteArtifacts   OutboxKind = "write_artifacts"
	OutboxNotifyTerminal   OutboxKind = "notify_run_terminal"
	OutboxNotifySessionEnd OutboxKind = "notify_session_complete"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

type OutboxItem struct {
	ID             string
	OrganizationID string
	Kind           OutboxKind
	Payload        map[string]any
	Status         OutboxStatus
	Attempts       int
	AvailableAt    time.Time
	ClaimedAt      *time.Time
	LastError      string
	CreatedAt      time.Time
}

// SideEffectRecord marks an external effect as already fired. Rows are
// written only after the effect succeeded.
type SideEffectRecord struct {
	OrganizationID string
	EffectID       string
	CreatedAt      time.Time
}

type RunEvent struct {
	ID         string
	RunID      string
	Type       string
	FromStatus RunStatus
	ToStatus   RunStatus
	Data       map[string]any
	CreatedAt  time.Time
}

// RunUpdate carries the optional fields a status transition may set
// alongside the status itself. Nil pointers and empty strings leave the
// corresponding columns untouched.
type RunUpdate struct {
	StatusReason        string
	ErrorMessage        string
	SessionID           string
	PromptSentAt        *time.Time
	EnrichmentStartedAt *time.Time
	ExecutionStartedAt  *time.Time
	CompletedAt         *time.Time
}

type FailRunInput struct {
	RunID        string
	Reason       string
	Stage        string
	ErrorMessage string
}

type RunStore interface {
	GetRun(ctx context.Context, runID string) (*AutomationRun, error)
	// ClaimRun atomically takes the lease on a run whose status is in
	// acceptable and whose lease is absent, expired, or already held by
	// workerID. Returns nil when the run is missing, terminal, in another
	// status, or held by another worker's live lease.
	ClaimRun(ctx context.Context, runID string, acceptable []RunStatus, workerID string, leaseTTL time.Duration) (*AutomationRun, error)
	// TransitionRun moves a claimed run to toStatus. leaseVersion must match
	// the version returned by ClaimRun or the transition is refused.
	TransitionRun(ctx context.Context, runID string, leaseVersion int64, toStatus RunStatus, update RunUpdate) error
	// SetRunSession persists the remote session id. The column is write-once;
	// a second call with a different id is refused.
	SetRunSession(ctx context.Context, runID string, leaseVersion int64, sessionID string) error
	// CompleteEnrichment writes the enrichment payload, moves the run from
	// enriching to ready, releases the lease, and inserts the enqueue_execute
	// outbox item as one transaction.
	CompleteEnrichment(ctx context.Context, runID string, orgID string, leaseVersion int64, payload []byte) error
	// CompleteRun records an external completion signal: sets completionId
	// and completionJson, moves the run to the terminal status, and inserts
	// write_artifacts plus notify_run_terminal outbox items transactionally.
	// Returns false without error when completionId was already set or the
	// run is not running.
	CompleteRun(ctx context.Context, runID string, toStatus RunStatus, completionID string, completionJSON []byte) (bool, error)
	// MarkRunFailed force-fails a run from any non-terminal status and
	// enqueues the terminal notification outbox item.
	MarkRunFailed(ctx context.Context, input FailRunInput) error
	// MarkRunTimedOut moves a running run to timed_out. The caller enqueues
	// the timeout notification best-effort.
	MarkRunTimedOut(ctx context.Context, runID string, reason string) error
	ListStaleRunning(ctx context.Context, inactiveSince time.Time, limit int) ([]AutomationRun, error)
	SetArtifactRefs(ctx context.Context, runID string, enrichmentRef string, completionRef string) error

	GetAutomation(ctx context.Context, automationID string) (*Automation, error)
	GetTriggerEvent(ctx context.Context, eventID string) (*TriggerEvent, error)
	UpdateTriggerEventStatus(ctx context.Context, eventID string, status string, errorMessage string) error
	SetTriggerEventSession(ctx context.Context, eventID string, sessionID string) error
	RepoExists(ctx context.Context, orgID string, repoID string) (bool, error)
	// FindConfigurationByRepo returns the id of an existing managed
	// configuration containing repoID, or "" when none does.
	FindConfigurationByRepo(ctx context.Context, orgID string, repoID string) (string, error)

	AppendRunEvent(ctx context.Context, event RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error)
}

type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, item OutboxItem) error
	// ClaimOutbox atomically moves up to limit due pending items to
	// processing and returns them. Two concurrent claimers never receive the
	// same item.
	ClaimOutbox(ctx context.Context, limit int) ([]OutboxItem, error)
	// ReclaimStuckOutbox returns items stuck in processing longer than ttl
	// back to pending.
	ReclaimStuckOutbox(ctx context.Context, ttl time.Duration) (int, error)
	MarkOutboxDispatched(ctx context.Context, itemID string) error
	// MarkOutboxFailed records the error and schedules the retry; permanent
	// failures are never made available again.
	MarkOutboxFailed(ctx context.Context, itemID string, dispatchErr string, availableAt time.Time, permanent bool) error
}

type SideEffectLedger interface {
	// RecordSideEffect inserts the ledger row; returns false when the effect
	// id was already present for the organization.
	RecordSideEffect(ctx context.Context, orgID string, effectID string) (bool, error)
	SideEffectExists(ctx context.Context, orgID string, effectID string) (bool, error)
}

type Store interface {
	RunStore
	OutboxStore
	SideEffectLedger
}
