package temporal

import (
	"context"
	"fmt"
	"time"
)

const (
	// AlertCycleScheduleID triggers AlertCycleWorkflow.
	AlertCycleScheduleID = "whalewatch-alert-cycle"
	// RetentionSweepScheduleID triggers RetentionSweepWorkflow.
	RetentionSweepScheduleID = "whalewatch-retention-sweep"
)

// Scheduler manages the Temporal schedules that drive the alert pipeline.
type Scheduler interface {
	// UpsertSchedule creates the schedule or updates its interval.
	UpsertSchedule(ctx context.Context, id, workflowName string, interval time.Duration) error

	// DeleteSchedule removes a schedule.
	DeleteSchedule(ctx context.Context, id string) error
}

// ScheduleSpec pairs a schedule ID with the workflow it starts.
type ScheduleSpec struct {
	ID       string
	Workflow string
	Interval time.Duration
}

// PipelineSchedules returns the schedules needed to run the alert pipeline.
func PipelineSchedules(alertInterval, sweepInterval time.Duration) []ScheduleSpec {
	return []ScheduleSpec{
		{ID: AlertCycleScheduleID, Workflow: "AlertCycleWorkflow", Interval: alertInterval},
		{ID: RetentionSweepScheduleID, Workflow: "RetentionSweepWorkflow", Interval: sweepInterval},
	}
}

// EnsureSchedules upserts every pipeline schedule.
func EnsureSchedules(ctx context.Context, s Scheduler, alertInterval, sweepInterval time.Duration) error {
	for _, spec := range PipelineSchedules(alertInterval, sweepInterval) {
		if spec.Interval <= 0 {
			return fmt.Errorf("schedule %q: interval must be positive", spec.ID)
		}
		if err := s.UpsertSchedule(ctx, spec.ID, spec.Workflow, spec.Interval); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSchedules deletes every pipeline schedule.
func RemoveSchedules(ctx context.Context, s Scheduler) error {
	for _, spec := range PipelineSchedules(0, 0) {
		if err := s.DeleteSchedule(ctx, spec.ID); err != nil {
			return err
		}
	}
	return nil
}
