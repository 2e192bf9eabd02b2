package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/arcflow-run/activitycore/internal/fanout"
	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/pkg/event"
)

var assertErr = errors.New("boom")

func activityOpts() activity.RegisterOptions { return activity.RegisterOptions{Name: activityName} }

type workflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(workflowTestSuite))
}

type nopSink struct{}

func (nopSink) Send(context.Context, event.ActivityEvent) error { return nil }
func (nopSink) Close(context.Context) error                     { return nil }

func (s *workflowTestSuite) TestTurnWorkflow_DelegatesToActivityAndSucceeds() {
	env := s.NewTestWorkflowEnvironment()

	sessions := NewSessionRegistry()
	fo := fanout.New(context.Background(), "sess-1")
	fo.Subscribe(fanout.Subscriber{Name: "sse", Sink: nopSink{}, Policy: fanout.PolicyLossless})
	sessions.Register("sess-1", fo)
	defer fo.Close()

	// RunTurn normally delegates to a full Orchestrator; here we register a
	// stand-in activity under the same name so the workflow's
	// ExecuteActivity call resolves without needing a live provider
	// transport, matching how a unit test exercises TurnWorkflow's control
	// flow in isolation from Orchestrator.Run's own (separately tested)
	// behavior.
	env.RegisterActivityWithOptions(func(ctx context.Context, req orchestrator.TurnRequest) (TurnWorkflowResult, error) {
		s.Require().Equal("sess-1", req.SessionID)
		return TurnWorkflowResult{Failed: false}, nil
	}, activityOpts())

	env.ExecuteWorkflow(TurnWorkflow, TurnWorkflowInput{Request: orchestrator.TurnRequest{
		SessionID: "sess-1",
		UserID:    "u1",
		Message:   "hello",
	}})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result TurnWorkflowResult
	require.NoError(s.T(), env.GetWorkflowResult(&result))
	s.False(result.Failed)
}

func (s *workflowTestSuite) TestTurnWorkflow_PropagatesActivityFailure() {
	env := s.NewTestWorkflowEnvironment()

	env.RegisterActivityWithOptions(func(ctx context.Context, req orchestrator.TurnRequest) (TurnWorkflowResult, error) {
		return TurnWorkflowResult{Failed: true}, assertErr
	}, activityOpts())

	env.ExecuteWorkflow(TurnWorkflow, TurnWorkflowInput{Request: orchestrator.TurnRequest{SessionID: "sess-1"}})

	s.True(env.IsWorkflowCompleted())
	s.Error(env.GetWorkflowError())
}
