package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// activityTimeout bounds one cycle activity. The worker waits this long for
// running activities on shutdown.
const activityTimeout = 2 * time.Minute

// AlertCycleResult summarises one AlertCycleWorkflow run.
type AlertCycleResult struct {
	Created       int                   `json:"created"`
	Dispatch      *DispatchAlertsResult `json:"dispatch,omitempty"`
	GenerateError *string               `json:"generate_error,omitempty"`
	RunTime       time.Time             `json:"run_time"`
}

// activityOptions disables Temporal retries: delivery retries are counted on
// the alert rows, and a failed cycle simply waits for the next tick.
func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
}

// AlertCycleWorkflow runs one generate + dispatch tick. It is started by the
// whalewatch-alert-cycle schedule.
//
// A generation failure is recorded in the result and dispatch still runs, so
// alerts created by earlier ticks keep flowing.
func AlertCycleWorkflow(ctx workflow.Context) (*AlertCycleResult, error) {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, activityOptions())

	result := &AlertCycleResult{RunTime: workflow.Now(ctx)}

	var gen *GenerateAlertsResult
	if err := workflow.ExecuteActivity(ctx, a.GenerateAlerts).Get(ctx, &gen); err != nil {
		logger.Error("generate alerts failed", "error", err)
		msg := err.Error()
		result.GenerateError = &msg
	} else {
		result.Created = gen.Created
	}

	var disp *DispatchAlertsResult
	if err := workflow.ExecuteActivity(ctx, a.DispatchAlerts).Get(ctx, &disp); err != nil {
		logger.Error("dispatch alerts failed", "error", err)
		return result, fmt.Errorf("dispatch alerts: %w", err)
	}
	result.Dispatch = disp

	logger.Info("AlertCycleWorkflow completed",
		"created", result.Created,
		"sent", disp.Sent,
		"retrying", disp.Retrying,
		"failed", disp.Failed,
	)
	return result, nil
}

// RetentionSweepWorkflow deletes expired alerts. It is started by the
// whalewatch-retention-sweep schedule.
func RetentionSweepWorkflow(ctx workflow.Context) (*SweepAlertsResult, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())

	var res *SweepAlertsResult
	if err := workflow.ExecuteActivity(ctx, a.SweepAlerts).Get(ctx, &res); err != nil {
		return nil, fmt.Errorf("sweep alerts: %w", err)
	}
	workflow.GetLogger(ctx).Info("RetentionSweepWorkflow completed", "deleted", res.Deleted)
	return res, nil
}
