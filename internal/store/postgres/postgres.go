// Package postgres implements the store interfaces on PostgreSQL. Every
// claim is a single conditional update so concurrent workers race to
// exactly one winner.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

const runColumns = `
	id, organization_id, automation_id, status, status_reason, error_message,
	session_id, trigger_event_id, lease_owner, lease_version, lease_expires_at,
	deadline_at, prompt_sent_at, enrichment_json, completion_json, completion_id,
	enrichment_artifact_ref, completion_artifact_ref,
	queued_at, enrichment_started_at, execution_started_at, completed_at, last_activity_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.AutomationRun, error) {
	var run store.AutomationRun
	var statusReason, errorMessage, sessionID, triggerEventID sql.NullString
	var leaseOwner, completionID, enrichmentRef, completionRef sql.NullString
	var leaseExpiresAt, deadlineAt, promptSentAt sql.NullTime
	var enrichmentStartedAt, executionStartedAt, completedAt sql.NullTime
	var status string
	if err := row.Scan(
		&run.ID,
		&run.OrganizationID,
		&run.AutomationID,
		&status,
		&statusReason,
		&errorMessage,
		&sessionID,
		&triggerEventID,
		&leaseOwner,
		&run.LeaseVersion,
		&leaseExpiresAt,
		&deadlineAt,
		&promptSentAt,
		&run.EnrichmentJSON,
		&run.CompletionJSON,
		&completionID,
		&enrichmentRef,
		&completionRef,
		&run.QueuedAt,
		&enrichmentStartedAt,
		&executionStartedAt,
		&completedAt,
		&run.LastActivityAt,
	); err != nil {
		return nil, err
	}
	run.Status = store.RunStatus(status)
	run.StatusReason = statusReason.String
	run.ErrorMessage = errorMessage.String
	run.SessionID = sessionID.String
	run.TriggerEventID = triggerEventID.String
	run.LeaseOwner = leaseOwner.String
	run.CompletionID = completionID.String
	run.EnrichmentArtifactRef = enrichmentRef.String
	run.CompletionArtifactRef = completionRef.String
	run.LeaseExpiresAt = nullTimePtr(leaseExpiresAt)
	run.DeadlineAt = nullTimePtr(deadlineAt)
	run.PromptSentAt = nullTimePtr(promptSentAt)
	run.EnrichmentStartedAt = nullTimePtr(enrichmentStartedAt)
	run.ExecutionStartedAt = nullTimePtr(executionStartedAt)
	run.CompletedAt = nullTimePtr(completedAt)
	return &run, nil
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.AutomationRun, error) {
	query := `SELECT ` + runColumns + ` FROM automation_runs WHERE id = $1`
	run, err := scanRun(p.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (p *PostgresStore) ClaimRun(ctx context.Context, runID string, acceptable []store.RunStatus, workerID string, leaseTTL time.Duration) (*store.AutomationRun, error) {
	statuses := make([]string, 0, len(acceptable))
	for _, status := range acceptable {
		statuses = append(statuses, string(status))
	}
	query := `
		UPDATE automation_runs
		SET lease_owner = $3,
			lease_version = lease_version + 1,
			lease_expires_at = now() + ($4 * INTERVAL '1 second'),
			last_activity_at = now()
		WHERE id = $1
			AND status = ANY($2)
			AND (lease_owner IS NULL OR lease_owner = $3 OR lease_expires_at IS NULL OR lease_expires_at <= now())
		RETURNING ` + runColumns
	run, err := scanRun(p.db.QueryRowContext(ctx, query, runID, statuses, workerID, leaseTTL.Seconds()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (p *PostgresStore) TransitionRun(ctx context.Context, runID string, leaseVersion int64, toStatus store.RunStatus, update store.RunUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var fromStatus string
	var currentVersion int64
	selectQuery := `SELECT status, lease_version FROM automation_runs WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, selectQuery, runID).Scan(&fromStatus, &currentVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s not found", runID)
		}
		return err
	}
	if currentVersion != leaseVersion {
		return fmt.Errorf("run %s transition to %s refused: lease version %d does not match %d", runID, toStatus, currentVersion, leaseVersion)
	}
	if store.RunStatus(fromStatus).IsTerminal() {
		return fmt.Errorf("run %s already terminal (%s)", runID, fromStatus)
	}

	updateQuery := `
		UPDATE automation_runs
		SET status = $2,
			status_reason = COALESCE(NULLIF($3, ''), status_reason),
			error_message = COALESCE(NULLIF($4, ''), error_message),
			session_id = COALESCE(session_id, NULLIF($5, '')),
			prompt_sent_at = COALESCE($6, prompt_sent_at),
			enrichment_started_at = COALESCE($7, enrichment_started_at),
			execution_started_at = COALESCE($8, execution_started_at),
			completed_at = COALESCE($9, completed_at),
			last_activity_at = now()
		WHERE id = $1
	`
	if _, err := tx.ExecContext(
		ctx,
		updateQuery,
		runID,
		string(toStatus),
		update.StatusReason,
		update.ErrorMessage,
		update.SessionID,
		update.PromptSentAt,
		update.EnrichmentStartedAt,
		update.ExecutionStartedAt,
		update.CompletedAt,
	); err != nil {
		return err
	}
	if err := insertRunEventTx(ctx, tx, store.RunEvent{
		RunID:      runID,
		Type:       "run.status.changed",
		FromStatus: store.RunStatus(fromStatus),
		ToStatus:   toStatus,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SetRunSession(ctx context.Context, runID string, leaseVersion int64, sessionID string) error {
	query := `
		UPDATE automation_runs
		SET session_id = $3, last_activity_at = now()
		WHERE id = $1
			AND lease_version = $2
			AND (session_id IS NULL OR session_id = $3)
	`
	result, err := p.db.ExecContext(ctx, query, runID, leaseVersion, sessionID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %s session not set: lease lost or session already assigned", runID)
	}
	return nil
}

func (p *PostgresStore) CompleteEnrichment(ctx context.Context, runID string, orgID string, leaseVersion int64, payload []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE automation_runs
		SET enrichment_json = $2, status = $3, last_activity_at = now(),
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_version = $4 AND status = $5
	`
	result, err := tx.ExecContext(ctx, query, runID, payload, string(store.RunStatusReady), leaseVersion, string(store.RunStatusEnriching))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %s enrichment not completed: lease lost or status changed", runID)
	}
	if err := insertOutboxTx(ctx, tx, store.OutboxItem{
		OrganizationID: orgID,
		Kind:           store.OutboxEnqueueExecute,
		Payload:        map[string]any{"runId": runID},
	}); err != nil {
		return err
	}
	if err := insertRunEventTx(ctx, tx, store.RunEvent{
		RunID:      runID,
		Type:       "run.status.changed",
		FromStatus: store.RunStatusEnriching,
		ToStatus:   store.RunStatusReady,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CompleteRun(ctx context.Context, runID string, toStatus store.RunStatus, completionID string, completionJSON []byte) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	query := `
		UPDATE automation_runs
		SET completion_id = $2,
			completion_json = $3,
			status = $4,
			completed_at = now(),
			last_activity_at = now()
		WHERE id = $1
			AND status = $5
			AND (completion_id IS NULL OR completion_id = '')
		RETURNING organization_id
	`
	var orgID string
	err = tx.QueryRowContext(ctx, query, runID, completionID, completionJSON, string(toStatus), string(store.RunStatusRunning)).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := insertOutboxTx(ctx, tx, store.OutboxItem{
		OrganizationID: orgID,
		Kind:           store.OutboxWriteArtifacts,
		Payload:        map[string]any{"runId": runID},
	}); err != nil {
		return false, err
	}
	if err := insertOutboxTx(ctx, tx, store.OutboxItem{
		OrganizationID: orgID,
		Kind:           store.OutboxNotifyTerminal,
		Payload:        map[string]any{"runId": runID, "status": string(toStatus)},
	}); err != nil {
		return false, err
	}
	if err := insertRunEventTx(ctx, tx, store.RunEvent{
		RunID:      runID,
		Type:       "run.status.changed",
		FromStatus: store.RunStatusRunning,
		ToStatus:   toStatus,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) MarkRunFailed(ctx context.Context, input store.FailRunInput) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var fromStatus, orgID string
	selectQuery := `SELECT status, organization_id FROM automation_runs WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, selectQuery, input.RunID).Scan(&fromStatus, &orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s not found", input.RunID)
		}
		return err
	}
	if store.RunStatus(fromStatus).IsTerminal() {
		return tx.Commit()
	}

	updateQuery := `
		UPDATE automation_runs
		SET status = $2,
			status_reason = $3,
			error_message = NULLIF($4, ''),
			completed_at = now(),
			last_activity_at = now()
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, updateQuery, input.RunID, string(store.RunStatusFailed), input.Reason, input.ErrorMessage); err != nil {
		return err
	}
	if err := insertOutboxTx(ctx, tx, store.OutboxItem{
		OrganizationID: orgID,
		Kind:           store.OutboxNotifyTerminal,
		Payload:        map[string]any{"runId": input.RunID, "status": string(store.RunStatusFailed)},
	}); err != nil {
		return err
	}
	if err := insertRunEventTx(ctx, tx, store.RunEvent{
		RunID:      input.RunID,
		Type:       "run.failed",
		FromStatus: store.RunStatus(fromStatus),
		ToStatus:   store.RunStatusFailed,
		Data:       map[string]any{"reason": input.Reason, "stage": input.Stage},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) MarkRunTimedOut(ctx context.Context, runID string, reason string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE automation_runs
		SET status = $2, status_reason = $3, completed_at = now(), last_activity_at = now()
		WHERE id = $1 AND status = $4
	`
	result, err := tx.ExecContext(ctx, query, runID, string(store.RunStatusTimedOut), reason, string(store.RunStatusRunning))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return tx.Commit()
	}
	if err := insertRunEventTx(ctx, tx, store.RunEvent{
		RunID:      runID,
		Type:       "run.timed_out",
		FromStatus: store.RunStatusRunning,
		ToStatus:   store.RunStatusTimedOut,
		Data:       map[string]any{"reason": reason},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListStaleRunning(ctx context.Context, inactiveSince time.Time, limit int) ([]store.AutomationRun, error) {
	query := `SELECT ` + runColumns + `
		FROM automation_runs
		WHERE status = $1 AND last_activity_at <= $2
		ORDER BY last_activity_at ASC
		LIMIT $3`
	rows, err := p.db.QueryContext(ctx, query, string(store.RunStatusRunning), inactiveSince, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.AutomationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *run)
	}
	return results, rows.Err()
}

func (p *PostgresStore) SetArtifactRefs(ctx context.Context, runID string, enrichmentRef string, completionRef string) error {
	query := `
		UPDATE automation_runs
		SET enrichment_artifact_ref = COALESCE(enrichment_artifact_ref, NULLIF($2, '')),
			completion_artifact_ref = COALESCE(completion_artifact_ref, NULLIF($3, ''))
		WHERE id = $1
	`
	_, err := p.db.ExecContext(ctx, query, runID, enrichmentRef, completionRef)
	return err
}

func (p *PostgresStore) GetAutomation(ctx context.Context, automationID string) (*store.Automation, error) {
	query := `
		SELECT id, organization_id, name, agent_instructions, model_id,
			default_configuration_id, fallback_configuration_id, allowed_configuration_ids,
			config_selection_strategy, allow_agentic_repo_selection,
			notification_destination, notification_channel_id, legacy_tool_channel_id,
			slack_user_id, slack_installation_id
		FROM automations
		WHERE id = $1
	`
	var automation store.Automation
	var modelID, defaultConfig, fallbackConfig sql.NullString
	var channelID, legacyChannelID, slackUserID, slackInstallID sql.NullString
	var allowedBytes []byte
	var strategy, destination string
	err := p.db.QueryRowContext(ctx, query, automationID).Scan(
		&automation.ID,
		&automation.OrganizationID,
		&automation.Name,
		&automation.AgentInstructions,
		&modelID,
		&defaultConfig,
		&fallbackConfig,
		&allowedBytes,
		&strategy,
		&automation.AllowAgenticRepoSelection,
		&destination,
		&channelID,
		&legacyChannelID,
		&slackUserID,
		&slackInstallID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	automation.ModelID = modelID.String
	automation.DefaultConfigurationID = defaultConfig.String
	automation.FallbackConfigurationID = fallbackConfig.String
	automation.ConfigSelectionStrategy = store.ConfigSelectionStrategy(strategy)
	automation.NotificationDestination = store.NotificationDestination(destination)
	automation.NotificationChannelID = channelID.String
	automation.LegacyToolChannelID = legacyChannelID.String
	automation.SlackUserID = slackUserID.String
	automation.SlackInstallationID = slackInstallID.String
	if len(allowedBytes) > 0 {
		if err := json.Unmarshal(allowedBytes, &automation.AllowedConfigurationIDs); err != nil {
			return nil, err
		}
	}
	return &automation, nil
}

func (p *PostgresStore) GetTriggerEvent(ctx context.Context, eventID string) (*store.TriggerEvent, error) {
	query := `
		SELECT id, organization_id, provider, provider_event_type, external_event_id,
			parsed_context, status, error_message, session_id, processed_at
		FROM trigger_events
		WHERE id = $1
	`
	var event store.TriggerEvent
	var providerEventType, externalEventID, errorMessage, sessionID sql.NullString
	var contextBytes []byte
	var processedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, eventID).Scan(
		&event.ID,
		&event.OrganizationID,
		&event.Provider,
		&providerEventType,
		&externalEventID,
		&contextBytes,
		&event.Status,
		&errorMessage,
		&sessionID,
		&processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	event.ProviderEventType = providerEventType.String
	event.ExternalEventID = externalEventID.String
	event.ErrorMessage = errorMessage.String
	event.SessionID = sessionID.String
	event.ProcessedAt = nullTimePtr(processedAt)
	if len(contextBytes) > 0 {
		// A parsed_context that is not a JSON object is malformed trigger
		// input, not an infrastructure fault. Surface it as absent context
		// so enrichment fails the run instead of retrying.
		if err := json.Unmarshal(contextBytes, &event.ParsedContext); err != nil {
			event.ParsedContext = nil
		}
	}
	return &event, nil
}

func (p *PostgresStore) UpdateTriggerEventStatus(ctx context.Context, eventID string, status string, errorMessage string) error {
	query := `
		UPDATE trigger_events
		SET status = $2, error_message = NULLIF($3, ''), processed_at = now()
		WHERE id = $1
	`
	_, err := p.db.ExecContext(ctx, query, eventID, status, errorMessage)
	return err
}

func (p *PostgresStore) SetTriggerEventSession(ctx context.Context, eventID string, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE trigger_events SET session_id = $2 WHERE id = $1`, eventID, sessionID)
	return err
}

func (p *PostgresStore) RepoExists(ctx context.Context, orgID string, repoID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM repositories WHERE organization_id = $1 AND id = $2)`
	if err := p.db.QueryRowContext(ctx, query, orgID, repoID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (p *PostgresStore) FindConfigurationByRepo(ctx context.Context, orgID string, repoID string) (string, error) {
	var configurationID string
	query := `
		SELECT configuration_id
		FROM configuration_repositories
		WHERE organization_id = $1 AND repository_id = $2
		ORDER BY configuration_id ASC
		LIMIT 1
	`
	err := p.db.QueryRowContext(ctx, query, orgID, repoID).Scan(&configurationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return configurationID, nil
}

func (p *PostgresStore) AppendRunEvent(ctx context.Context, event store.RunEvent) error {
	return insertRunEvent(ctx, p.db, event)
}

func (p *PostgresStore) ListRunEvents(ctx context.Context, runID string) ([]store.RunEvent, error) {
	query := `
		SELECT id, run_id, type, from_status, to_status, data, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var event store.RunEvent
		var fromStatus, toStatus sql.NullString
		var dataBytes []byte
		if err := rows.Scan(&event.ID, &event.RunID, &event.Type, &fromStatus, &toStatus, &dataBytes, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.FromStatus = store.RunStatus(fromStatus.String)
		event.ToStatus = store.RunStatus(toStatus.String)
		if len(dataBytes) > 0 {
			if err := json.Unmarshal(dataBytes, &event.Data); err != nil {
				return nil, err
			}
		}
		results = append(results, event)
	}
	return results, rows.Err()
}

func (p *PostgresStore) EnqueueOutbox(ctx context.Context, item store.OutboxItem) error {
	return insertOutbox(ctx, p.db, item)
}

func (p *PostgresStore) ClaimOutbox(ctx context.Context, limit int) ([]store.OutboxItem, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, organization_id, kind, payload, status, attempts, available_at, created_at
		FROM outbox
		WHERE status = $1 AND available_at <= now()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`
	rows, err := tx.QueryContext(ctx, selectQuery, string(store.OutboxPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []store.OutboxItem{}
	ids := []string{}
	for rows.Next() {
		var item store.OutboxItem
		var kind, status string
		var payloadBytes []byte
		if err := rows.Scan(&item.ID, &item.OrganizationID, &kind, &payloadBytes, &status, &item.Attempts, &item.AvailableAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Kind = store.OutboxKind(kind)
		item.Status = store.OutboxProcessing
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &item.Payload); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	updateQuery := `UPDATE outbox SET status = $1, claimed_at = now() WHERE id = ANY($2)`
	if _, err := tx.ExecContext(ctx, updateQuery, string(store.OutboxProcessing), ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *PostgresStore) ReclaimStuckOutbox(ctx context.Context, ttl time.Duration) (int, error) {
	query := `
		UPDATE outbox
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at IS NOT NULL AND claimed_at <= now() - ($3 * INTERVAL '1 second')
	`
	result, err := p.db.ExecContext(ctx, query, string(store.OutboxPending), string(store.OutboxProcessing), ttl.Seconds())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (p *PostgresStore) MarkOutboxDispatched(ctx context.Context, itemID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE outbox SET status = $1 WHERE id = $2`, string(store.OutboxDispatched), itemID)
	return err
}

func (p *PostgresStore) MarkOutboxFailed(ctx context.Context, itemID string, dispatchErr string, availableAt time.Time, permanent bool) error {
	if permanent {
		query := `
			UPDATE outbox
			SET status = $1, attempts = attempts + 1, last_error = $2, claimed_at = NULL
			WHERE id = $3
		`
		_, err := p.db.ExecContext(ctx, query, string(store.OutboxFailed), dispatchErr, itemID)
		return err
	}
	query := `
		UPDATE outbox
		SET status = $1, attempts = attempts + 1, last_error = $2, available_at = $3, claimed_at = NULL
		WHERE id = $4
	`
	_, err := p.db.ExecContext(ctx, query, string(store.OutboxPending), dispatchErr, availableAt, itemID)
	return err
}

func (p *PostgresStore) RecordSideEffect(ctx context.Context, orgID string, effectID string) (bool, error) {
	query := `
		INSERT INTO side_effects (organization_id, effect_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (organization_id, effect_id) DO NOTHING
	`
	result, err := p.db.ExecContext(ctx, query, orgID, effectID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *PostgresStore) SideEffectExists(ctx context.Context, orgID string, effectID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM side_effects WHERE organization_id = $1 AND effect_id = $2)`
	if err := p.db.QueryRowContext(ctx, query, orgID, effectID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutbox(ctx context.Context, db execer, item store.OutboxItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	payload := item.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO outbox (id, organization_id, kind, payload, status, attempts, available_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, COALESCE($6, now()), now())
	`
	var availableAt *time.Time
	if !item.AvailableAt.IsZero() {
		availableAt = &item.AvailableAt
	}
	_, err = db.ExecContext(ctx, query, item.ID, item.OrganizationID, string(item.Kind), encoded, string(store.OutboxPending), availableAt)
	return err
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, item store.OutboxItem) error {
	return insertOutbox(ctx, tx, item)
}

func insertRunEvent(ctx context.Context, db execer, event store.RunEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO run_events (id, run_id, type, from_status, to_status, data, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, now())
	`
	_, err = db.ExecContext(ctx, query, event.ID, event.RunID, event.Type, string(event.FromStatus), string(event.ToStatus), encoded)
	return err
}

func insertRunEventTx(ctx context.Context, tx *sql.Tx, event store.RunEvent) error {
	return insertRunEvent(ctx, tx, event)
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
