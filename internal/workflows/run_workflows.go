package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

type StageInput struct {
	RunID string
}

type StageResult struct {
	Status string `json:"status"`
}

// ErrTypePermanent marks activity failures that must not be retried. The
// activity has already recorded the failure on the run before raising it.
const ErrTypePermanent = "PermanentRunFailure"

func stageActivityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        2 * time.Minute,
			MaximumAttempts:        8,
			NonRetryableErrorTypes: []string{ErrTypePermanent},
		},
	}
}

// EnrichWorkflow drives the enrichment stage for one run. Transient errors
// retry through the activity retry policy; permanent ones surface as
// non-retryable after the activity has failed the run.
func EnrichWorkflow(ctx workflow.Context, input StageInput) (StageResult, error) {
	ctx = workflow.WithActivityOptions(ctx, stageActivityOptions(2*time.Minute))
	var result StageResult
	if err := workflow.ExecuteActivity(ctx, "EnrichRun", input).Get(ctx, &result); err != nil {
		workflow.GetLogger(ctx).Error("enrichment stage failed", "runId", input.RunID, "error", err)
		return StageResult{}, err
	}
	return result, nil
}

// ExecuteWorkflow drives the execution stage: target resolution, session
// creation, and the initial prompt.
func ExecuteWorkflow(ctx workflow.Context, input StageInput) (StageResult, error) {
	ctx = workflow.WithActivityOptions(ctx, stageActivityOptions(5*time.Minute))
	var result StageResult
	if err := workflow.ExecuteActivity(ctx, "ExecuteRun", input).Get(ctx, &result); err != nil {
		workflow.GetLogger(ctx).Error("execution stage failed", "runId", input.RunID, "error", err)
		return StageResult{}, err
	}
	return result, nil
}
