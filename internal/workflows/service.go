// Package workflows runs the enrichment and execution stages on Temporal.
// Workflow ids are derived from the run id, so re-enqueueing a stage that
// is already in flight is a no-op rather than a duplicate.
package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

const DefaultTaskQueue = "proliferate-runs"

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{client: client, taskQueue: taskQueue}
}

func (s *Service) StartEnrich(ctx context.Context, runID string) error {
	return s.start(ctx, enrichWorkflowID(runID), EnrichWorkflow, StageInput{RunID: runID})
}

func (s *Service) StartExecute(ctx context.Context, runID string) error {
	return s.start(ctx, executeWorkflowID(runID), ExecuteWorkflow, StageInput{RunID: runID})
}

func (s *Service) start(ctx context.Context, workflowID string, workflowFn any, input StageInput) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, workflowFn, input)
	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &alreadyStarted) {
		return nil
	}
	return err
}

func enrichWorkflowID(runID string) string {
	return fmt.Sprintf("enrich:%s", runID)
}

func executeWorkflowID(runID string) string {
	return fmt.Sprintf("execute:%s", runID)
}
