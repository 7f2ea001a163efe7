package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

// Dispatcher resolves an automation's notification destination and posts a
// terminal-run message at most once per (run, destination, status).
type Dispatcher struct {
	slack  SlackAPI
	store  store.Store
	ledger store.SideEffectLedger
}

func NewDispatcher(slack SlackAPI, st store.Store) *Dispatcher {
	return &Dispatcher{slack: slack, store: st, ledger: st}
}

// NotifyRunTerminal posts the terminal notification for runID. Missing or
// disabled destinations are a normal no-op. A send failure is returned so
// the outbox retries; the ledger row is written only after the send
// succeeded, so a crash between send and record can at worst repost once.
func (d *Dispatcher) NotifyRunTerminal(ctx context.Context, runID string) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("notify: run %s not found", runID)
	}
	if !run.Status.IsTerminal() {
		return fmt.Errorf("notify: run %s is not terminal (status %s)", runID, run.Status)
	}

	automation, err := d.store.GetAutomation(ctx, run.AutomationID)
	if err != nil {
		return err
	}
	if automation == nil || automation.NotificationDestination == store.NotifyNone {
		return nil
	}

	var destination string
	switch automation.NotificationDestination {
	case store.NotifyChannel:
		destination = "channel"
	case store.NotifyDM:
		destination = "dm"
	default:
		return nil
	}

	effectID := fmt.Sprintf("notify:%s:%s:%s", run.ID, destination, run.Status)
	sent, err := d.ledger.SideEffectExists(ctx, run.OrganizationID, effectID)
	if err != nil {
		return err
	}
	if sent {
		return nil
	}

	channelID, err := d.resolveChannel(ctx, automation)
	if err != nil {
		return err
	}
	if channelID == "" {
		return nil
	}

	if err := d.slack.PostMessage(ctx, channelID, messageFor(run, automation)); err != nil {
		return err
	}
	_, err = d.ledger.RecordSideEffect(ctx, run.OrganizationID, effectID)
	return err
}

// resolveChannel returns "" when the automation has no usable destination,
// which callers treat as a no-op rather than an error.
func (d *Dispatcher) resolveChannel(ctx context.Context, automation *store.Automation) (string, error) {
	switch automation.NotificationDestination {
	case store.NotifyChannel:
		if automation.NotificationChannelID != "" {
			return automation.NotificationChannelID, nil
		}
		return automation.LegacyToolChannelID, nil
	case store.NotifyDM:
		if automation.SlackUserID == "" {
			return "", nil
		}
		return d.slack.OpenDM(ctx, automation.SlackUserID)
	}
	return "", nil
}

func messageFor(run *store.AutomationRun, automation *store.Automation) string {
	name := automation.Name
	if name == "" {
		name = automation.ID
	}
	switch run.Status {
	case store.RunStatusSucceeded:
		return fmt.Sprintf(":white_check_mark: *%s* finished run `%s`.\n%s", name, run.ID, completionSummary(run))
	case store.RunStatusNeedsHuman:
		return fmt.Sprintf(":raised_hand: *%s* needs a human on run `%s`.\n%s", name, run.ID, completionSummary(run))
	case store.RunStatusTimedOut:
		return fmt.Sprintf(":hourglass: *%s* run `%s` timed out before completing.", name, run.ID)
	case store.RunStatusFailed:
		msg := fmt.Sprintf(":x: *%s* run `%s` failed (%s).", name, run.ID, run.StatusReason)
		if run.ErrorMessage != "" {
			msg += "\n> " + run.ErrorMessage
		}
		return msg
	}
	return fmt.Sprintf("*%s* run `%s` ended with status %s.", name, run.ID, run.Status)
}

func completionSummary(run *store.AutomationRun) string {
	if len(run.CompletionJSON) == 0 {
		return "(no summary reported)"
	}
	var completion struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(run.CompletionJSON, &completion); err != nil || completion.Summary == "" {
		return "(no summary reported)"
	}
	return completion.Summary
}
