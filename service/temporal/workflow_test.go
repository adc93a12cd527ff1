package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func newWorkflowEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.GenerateAlerts)
	env.RegisterActivity(activities.DispatchAlerts)
	env.RegisterActivity(activities.SweepAlerts)
	return env
}

func TestAlertCycleWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		generate       func(*testsuite.MockCallWrapper)
		dispatch       func(*testsuite.MockCallWrapper)
		expectedError  bool
		validateResult func(*testing.T, *AlertCycleResult)
	}{
		{
			name: "generates then dispatches",
			generate: func(m *testsuite.MockCallWrapper) {
				m.Return(&GenerateAlertsResult{Created: 2}, nil)
			},
			dispatch: func(m *testsuite.MockCallWrapper) {
				m.Return(&DispatchAlertsResult{Selected: 2, Sent: 1, Retrying: 1}, nil)
			},
			validateResult: func(t *testing.T, r *AlertCycleResult) {
				assert.Equal(t, 2, r.Created)
				require.NotNil(t, r.Dispatch)
				assert.Equal(t, 1, r.Dispatch.Sent)
				assert.Equal(t, 1, r.Dispatch.Retrying)
				assert.Nil(t, r.GenerateError)
			},
		},
		{
			name: "generation failure still dispatches",
			generate: func(m *testsuite.MockCallWrapper) {
				m.Return(nil, errors.New("database unavailable"))
			},
			dispatch: func(m *testsuite.MockCallWrapper) {
				m.Return(&DispatchAlertsResult{Selected: 1, Sent: 1}, nil)
			},
			validateResult: func(t *testing.T, r *AlertCycleResult) {
				assert.Zero(t, r.Created)
				require.NotNil(t, r.GenerateError)
				assert.Contains(t, *r.GenerateError, "database unavailable")
				assert.Equal(t, 1, r.Dispatch.Sent)
			},
		},
		{
			name: "dispatch failure fails the run",
			generate: func(m *testsuite.MockCallWrapper) {
				m.Return(&GenerateAlertsResult{}, nil)
			},
			dispatch: func(m *testsuite.MockCallWrapper) {
				m.Return(nil, errors.New("update failed"))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newWorkflowEnv(t)
			activities := &Activities{}
			tt.generate(env.OnActivity(activities.GenerateAlerts, mock.Anything))
			tt.dispatch(env.OnActivity(activities.DispatchAlerts, mock.Anything))

			env.ExecuteWorkflow(AlertCycleWorkflow)
			require.True(t, env.IsWorkflowCompleted())

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result AlertCycleResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestAlertCycleWorkflow_ActivitiesNotRetried(t *testing.T) {
	env := newWorkflowEnv(t)
	activities := &Activities{}

	calls := 0
	env.OnActivity(activities.GenerateAlerts, mock.Anything).Return(&GenerateAlertsResult{}, nil)
	env.OnActivity(activities.DispatchAlerts, mock.Anything).
		Return(func(ctx context.Context) (*DispatchAlertsResult, error) {
			calls++
			return nil, errors.New("transient")
		})

	env.ExecuteWorkflow(AlertCycleWorkflow)
	assert.Error(t, env.GetWorkflowError())
	assert.Equal(t, 1, calls)
}

func TestRetentionSweepWorkflow(t *testing.T) {
	env := newWorkflowEnv(t)
	activities := &Activities{}
	env.OnActivity(activities.SweepAlerts, mock.Anything).Return(&SweepAlertsResult{Deleted: 4}, nil)

	env.ExecuteWorkflow(RetentionSweepWorkflow)
	require.NoError(t, env.GetWorkflowError())

	var result SweepAlertsResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, int64(4), result.Deleted)
}
