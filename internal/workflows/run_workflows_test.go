package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	tests "go.temporal.io/sdk/testsuite"
)

type WorkflowTestSuite struct {
	suite.Suite
	testSuite *tests.WorkflowTestSuite
	env       *tests.TestWorkflowEnvironment
}

func (s *WorkflowTestSuite) SetupTest() {
	s.testSuite = &tests.WorkflowTestSuite{}
	s.env = s.testSuite.NewTestWorkflowEnvironment()
	s.env.RegisterWorkflow(EnrichWorkflow)
	s.env.RegisterWorkflow(ExecuteWorkflow)
	s.env.RegisterActivityWithOptions(func(ctx context.Context, input StageInput) (StageResult, error) {
		return StageResult{Status: "enriched"}, nil
	}, activity.RegisterOptions{Name: "EnrichRun"})
	s.env.RegisterActivityWithOptions(func(ctx context.Context, input StageInput) (StageResult, error) {
		return StageResult{Status: "prompted"}, nil
	}, activity.RegisterOptions{Name: "ExecuteRun"})
}

func (s *WorkflowTestSuite) TearDownTest() {
	s.env.AssertExpectations(s.T())
}

func (s *WorkflowTestSuite) TestEnrichWorkflow_Success() {
	s.env.OnActivity("EnrichRun", mock.Anything, StageInput{RunID: "run-1"}).
		Return(StageResult{Status: "enriched"}, nil).Once()

	s.env.ExecuteWorkflow(EnrichWorkflow, StageInput{RunID: "run-1"})
	s.True(s.env.IsWorkflowCompleted())

	var result StageResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("enriched", result.Status)
}

func (s *WorkflowTestSuite) TestEnrichWorkflow_PermanentFailureDoesNotRetry() {
	s.env.OnActivity("EnrichRun", mock.Anything, StageInput{RunID: "run-2"}).
		Return(StageResult{}, temporal.NewApplicationError("enrichment_failed: missing title", ErrTypePermanent)).Once()

	s.env.ExecuteWorkflow(EnrichWorkflow, StageInput{RunID: "run-2"})
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func (s *WorkflowTestSuite) TestEnrichWorkflow_TransientFailureRetries() {
	s.env.OnActivity("EnrichRun", mock.Anything, StageInput{RunID: "run-3"}).
		Return(StageResult{}, errors.New("connection refused")).Once()
	s.env.OnActivity("EnrichRun", mock.Anything, StageInput{RunID: "run-3"}).
		Return(StageResult{Status: "enriched"}, nil).Once()

	s.env.ExecuteWorkflow(EnrichWorkflow, StageInput{RunID: "run-3"})
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *WorkflowTestSuite) TestExecuteWorkflow_Success() {
	s.env.OnActivity("ExecuteRun", mock.Anything, StageInput{RunID: "run-4"}).
		Return(StageResult{Status: "prompted"}, nil).Once()

	s.env.ExecuteWorkflow(ExecuteWorkflow, StageInput{RunID: "run-4"})
	s.True(s.env.IsWorkflowCompleted())

	var result StageResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("prompted", result.Status)
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowTestSuite))
}
