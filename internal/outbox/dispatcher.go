// Package outbox drains the transactional outbox: items written alongside
// run-state changes are claimed here and routed to the work queue, the
// artifact writer, or the notification dispatcher.
package outbox

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/observability"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

type WorkflowStarter interface {
	StartEnrich(ctx context.Context, runID string) error
	StartExecute(ctx context.Context, runID string) error
}

type ArtifactWriter interface {
	WriteRunArtifacts(ctx context.Context, runID string) error
}

type Notifier interface {
	NotifyRunTerminal(ctx context.Context, runID string) error
}

type Dispatcher struct {
	store     store.OutboxStore
	workflows WorkflowStarter
	artifacts ArtifactWriter
	notifier  Notifier
	metrics   *observability.Metrics

	batchSize     int
	pollInterval  time.Duration
	processingTTL time.Duration

	now func() time.Time
}

type Options struct {
	BatchSize     int
	PollInterval  time.Duration
	ProcessingTTL time.Duration
}

func NewDispatcher(st store.OutboxStore, workflows WorkflowStarter, artifacts ArtifactWriter, notifier Notifier, metrics *observability.Metrics, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ProcessingTTL <= 0 {
		opts.ProcessingTTL = 5 * time.Minute
	}
	return &Dispatcher{
		store:         st,
		workflows:     workflows,
		artifacts:     artifacts,
		notifier:      notifier,
		metrics:       metrics,
		batchSize:     opts.BatchSize,
		pollInterval:  opts.PollInterval,
		processingTTL: opts.ProcessingTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		if err := d.Tick(ctx); err != nil {
			log.Printf("outbox: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick reclaims stuck items, then claims and dispatches one batch.
func (d *Dispatcher) Tick(ctx context.Context) error {
	reclaimed, err := d.store.ReclaimStuckOutbox(ctx, d.processingTTL)
	if err != nil {
		return fmt.Errorf("reclaim stuck outbox: %w", err)
	}
	if reclaimed > 0 {
		log.Printf("outbox: reclaimed %d stuck items", reclaimed)
	}

	items, err := d.store.ClaimOutbox(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("claim outbox: %w", err)
	}
	for _, item := range items {
		d.dispatch(ctx, item)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, item store.OutboxItem) {
	permanent, err := d.handle(ctx, item)
	if err == nil {
		if markErr := d.store.MarkOutboxDispatched(ctx, item.ID); markErr != nil {
			log.Printf("outbox: mark dispatched %s: %v", item.ID, markErr)
			return
		}
		d.count(item.Kind, "dispatched")
		return
	}

	outcome := "retried"
	if permanent {
		outcome = "permanent_failure"
	}
	availableAt := d.now().Add(backoffDelay(item.Attempts))
	if markErr := d.store.MarkOutboxFailed(ctx, item.ID, err.Error(), availableAt, permanent); markErr != nil {
		log.Printf("outbox: mark failed %s: %v", item.ID, markErr)
		return
	}
	log.Printf("outbox: dispatch %s kind=%s attempt=%d failed (%s): %v", item.ID, item.Kind, item.Attempts, outcome, err)
	d.count(item.Kind, outcome)
}

// handle routes one item. The permanent return marks failures a retry
// cannot fix: unknown kinds and malformed payloads.
func (d *Dispatcher) handle(ctx context.Context, item store.OutboxItem) (permanent bool, err error) {
	runID, _ := item.Payload["runId"].(string)
	if runID == "" {
		return true, fmt.Errorf("payload has no runId")
	}
	switch item.Kind {
	case store.OutboxEnqueueEnrich:
		return false, d.workflows.StartEnrich(ctx, runID)
	case store.OutboxEnqueueExecute:
		return false, d.workflows.StartExecute(ctx, runID)
	case store.OutboxWriteArtifacts:
		return false, d.artifacts.WriteRunArtifacts(ctx, runID)
	case store.OutboxNotifyTerminal, store.OutboxNotifySessionEnd:
		return false, d.notifier.NotifyRunTerminal(ctx, runID)
	}
	return true, fmt.Errorf("unknown outbox kind %q", item.Kind)
}

func (d *Dispatcher) count(kind store.OutboxKind, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.OutboxDispatched.WithLabelValues(string(kind), outcome).Inc()
}

// backoffDelay caps the exponential retry delay at five minutes.
func backoffDelay(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	delay := 30 * time.Second * time.Duration(math.Pow(2, float64(attempts)))
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
