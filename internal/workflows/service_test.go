package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
)

func TestStartEnrich_Success(t *testing.T) {
	mockClient := mocks.NewClient(t)
	workflowRun := mocks.NewWorkflowRun(t)

	mockClient.On(
		"ExecuteWorkflow",
		mock.Anything,
		mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.ID == "enrich:run-1" && opts.TaskQueue == "runs-test"
		}),
		mock.Anything,
		StageInput{RunID: "run-1"},
	).Return(workflowRun, nil)

	service := NewService(mockClient, "runs-test")
	require.NoError(t, service.StartEnrich(context.Background(), "run-1"))
}

func TestStartExecute_AlreadyStartedIsNoOp(t *testing.T) {
	mockClient := mocks.NewClient(t)

	mockClient.On(
		"ExecuteWorkflow",
		mock.Anything,
		mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.ID == "execute:run-1"
		}),
		mock.Anything,
		StageInput{RunID: "run-1"},
	).Return((*mocks.WorkflowRun)(nil), serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "", ""))

	service := NewService(mockClient, "runs-test")
	require.NoError(t, service.StartExecute(context.Background(), "run-1"))
}

func TestStartEnrich_Error(t *testing.T) {
	mockClient := mocks.NewClient(t)
	expectedErr := errors.New("temporal unavailable")

	mockClient.On(
		"ExecuteWorkflow",
		mock.Anything,
		mock.Anything,
		mock.Anything,
		StageInput{RunID: "run-err"},
	).Return((*mocks.WorkflowRun)(nil), expectedErr)

	service := NewService(mockClient, "")
	err := service.StartEnrich(context.Background(), "run-err")
	require.ErrorIs(t, err, expectedErr)
}

func TestDefaultTaskQueue(t *testing.T) {
	service := NewService(mocks.NewClient(t), "")
	require.Equal(t, DefaultTaskQueue, service.taskQueue)
}
