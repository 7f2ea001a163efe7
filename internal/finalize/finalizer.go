// Package finalize sweeps running runs whose sessions went quiet and
// settles them: timed out, failed, or left alone. It is the only writer of
// the timed_out status.
package finalize

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/observability"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/session"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

type Finalizer struct {
	store    store.Store
	sessions session.Service
	metrics  *observability.Metrics

	interval   time.Duration
	inactivity time.Duration
	batchSize  int

	now func() time.Time
}

type Options struct {
	Interval   time.Duration
	Inactivity time.Duration
	BatchSize  int
}

func NewFinalizer(st store.Store, sessions session.Service, metrics *observability.Metrics, opts Options) *Finalizer {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Finalizer{
		store:      st,
		sessions:   sessions,
		metrics:    metrics,
		interval:   opts.Interval,
		inactivity: opts.Inactivity,
		batchSize:  opts.BatchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (f *Finalizer) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if err := f.Sweep(ctx); err != nil {
			log.Printf("finalizer: sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep inspects every running run that has been quiet past the
// inactivity threshold and settles the ones whose sessions are gone.
func (f *Finalizer) Sweep(ctx context.Context) error {
	cutoff := f.now().Add(-f.inactivity)
	runs, err := f.store.ListStaleRunning(ctx, cutoff, f.batchSize)
	if err != nil {
		return fmt.Errorf("list stale running: %w", err)
	}
	for i := range runs {
		f.settle(ctx, &runs[i])
	}
	return nil
}

func (f *Finalizer) settle(ctx context.Context, run *store.AutomationRun) {
	if run.SessionID == "" {
		f.fail(ctx, run, "missing_session", "run has no session id")
		return
	}

	// A run past its hard deadline times out without consulting the
	// session service: the deadline holds even when the service is down.
	if run.DeadlineAt != nil && f.now().After(*run.DeadlineAt) {
		f.timeout(ctx, run)
		return
	}

	status, err := f.sessions.GetSessionStatus(ctx, run.SessionID)
	if err != nil {
		log.Printf("finalizer: session status for run %s: %v", run.ID, err)
		f.count("status_check_failed")
		return
	}

	switch status.State {
	case session.StateTerminated:
		if run.CompletionID != "" {
			// The completion ingest already settled it.
			f.count("already_complete")
			return
		}
		message := "session terminated without reporting completion"
		if status.Reason != "" {
			message = fmt.Sprintf("%s: %s", message, status.Reason)
		}
		f.fail(ctx, run, "no_completion", message)
	case session.StateRunning:
		if status.SandboxAlive != nil && !*status.SandboxAlive {
			f.fail(ctx, run, "sandbox_dead", "session sandbox is no longer alive")
			return
		}
		// Alive, or liveness unknown: give it more time.
		f.count("left_running")
	default:
		f.fail(ctx, run, "session_state_"+status.State, fmt.Sprintf("session in unexpected state %q", status.State))
	}
}

func (f *Finalizer) timeout(ctx context.Context, run *store.AutomationRun) {
	if err := f.store.MarkRunTimedOut(ctx, run.ID, "deadline_exceeded"); err != nil {
		log.Printf("finalizer: mark run %s timed out: %v", run.ID, err)
		return
	}
	f.count("timed_out")
	f.updateTriggerEvent(ctx, run, "run timed out")

	// The notification is best effort; the timeout stands either way.
	if err := f.store.EnqueueOutbox(ctx, store.OutboxItem{
		OrganizationID: run.OrganizationID,
		Kind:           store.OutboxNotifyTerminal,
		Payload:        map[string]any{"runId": run.ID},
	}); err != nil {
		log.Printf("finalizer: enqueue timeout notification for run %s: %v", run.ID, err)
	}
}

func (f *Finalizer) fail(ctx context.Context, run *store.AutomationRun, reason string, message string) {
	if err := f.store.MarkRunFailed(ctx, store.FailRunInput{
		RunID:        run.ID,
		Reason:       reason,
		Stage:        "finalize",
		ErrorMessage: message,
	}); err != nil {
		log.Printf("finalizer: mark run %s failed: %v", run.ID, err)
		return
	}
	f.count(reason)
	f.updateTriggerEvent(ctx, run, message)
}

func (f *Finalizer) updateTriggerEvent(ctx context.Context, run *store.AutomationRun, message string) {
	if run.TriggerEventID == "" {
		return
	}
	if err := f.store.UpdateTriggerEventStatus(ctx, run.TriggerEventID, "failed", message); err != nil {
		log.Printf("finalizer: update trigger event %s: %v", run.TriggerEventID, err)
	}
}

func (f *Finalizer) count(decision string) {
	if f.metrics == nil {
		return
	}
	f.metrics.FinalizerDecisions.WithLabelValues(decision).Inc()
}
