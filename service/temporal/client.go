package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// ScheduleInfo describes an existing schedule.
type ScheduleInfo struct {
	ID        string        `json:"id"`
	Workflow  string        `json:"workflow"`
	Interval  time.Duration `json:"interval"`
	Paused    bool          `json:"paused"`
	NextRunAt *time.Time    `json:"next_run_at,omitempty"`
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// UpsertSchedule creates or updates an interval schedule that starts
// workflowName. Overlapping runs are skipped so cycles never run concurrently.
func (c *Client) UpsertSchedule(ctx context.Context, id, workflowName string, interval time.Duration) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one", "schedule_id", id, "error", err)
		return c.createSchedule(ctx, id, workflowName, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("schedule updated", "schedule_id", id, "workflow", workflowName, "interval", interval)
	return nil
}

func (c *Client) createSchedule(ctx context.Context, id, workflowName string, interval time.Duration) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        id + "-run",
			Workflow:  workflowName,
			TaskQueue: c.taskQueue,
		},
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo: map[string]interface{}{
			"created_by": "whalewatch",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("schedule created", "schedule_id", id, "workflow", workflowName, "interval", interval)
	return nil
}

// DeleteSchedule deletes a schedule by ID.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}
	c.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// ListSchedules returns the whalewatch schedules in the namespace.
func (c *Client) ListSchedules(ctx context.Context) ([]ScheduleInfo, error) {
	iter, err := c.client.ScheduleClient().List(ctx, client.ScheduleListOptions{PageSize: 100})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	var out []ScheduleInfo
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to list schedules: %w", err)
		}
		if !strings.HasPrefix(entry.ID, "whalewatch-") {
			continue
		}
		info := ScheduleInfo{
			ID:       entry.ID,
			Workflow: entry.WorkflowType.Name,
			Paused:   entry.Paused,
		}
		if entry.Spec != nil && len(entry.Spec.Intervals) > 0 {
			info.Interval = entry.Spec.Intervals[0].Every
		}
		if len(entry.NextActionTimes) > 0 {
			next := entry.NextActionTimes[0]
			info.NextRunAt = &next
		}
		out = append(out, info)
	}
	return out, nil
}

// ScheduleHandle returns a handle for direct operations on one schedule.
func (c *Client) ScheduleHandle(ctx context.Context, id string) client.ScheduleHandle {
	return c.client.ScheduleClient().GetHandle(ctx, id)
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
