package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	Activities *Activities
	Logger     *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
// The worker will process workflows and activities on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Activities == nil {
		return nil, fmt.Errorf("activities are required")
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	// One activity at a time keeps dispatch batches from interleaving.
	w := worker.New(c, config.TaskQueue, workerOptions())
	register(w, config.Activities)

	logger.Info("registered workflows and activities",
		"workflows", []string{"AlertCycleWorkflow", "RetentionSweepWorkflow"},
		"activities", []string{"GenerateAlerts", "DispatchAlerts", "SweepAlerts"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

func workerOptions() worker.Options {
	return worker.Options{
		MaxConcurrentActivityExecutionSize:     1,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
		// Let an in-flight cycle finish its status writes before stopping.
		WorkerStopTimeout: activityTimeout + 10*time.Second,
	}
}

func register(r worker.Registry, activities *Activities) {
	r.RegisterWorkflow(AlertCycleWorkflow)
	r.RegisterWorkflow(RetentionSweepWorkflow)
	r.RegisterActivity(activities.GenerateAlerts)
	r.RegisterActivity(activities.DispatchAlerts)
	r.RegisterActivity(activities.SweepAlerts)
}

// Run processes workflows and activities until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "starting temporal worker")

	stop := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	err := w.worker.Run(stop)
	w.client.Close()
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}
