package temporal

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/whalewatch/service/alert"
	"github.com/brojonat/whalewatch/service/metrics"
)

// GenerateAlertsResult contains the result of the GenerateAlerts activity.
type GenerateAlertsResult struct {
	Created int `json:"created"`
}

// DispatchAlertsResult contains the result of the DispatchAlerts activity.
type DispatchAlertsResult struct {
	Selected int `json:"selected"`
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
}

// SweepAlertsResult contains the result of the SweepAlerts activity.
type SweepAlertsResult struct {
	Deleted int64 `json:"deleted"`
}

// Generator, Dispatcher and Sweeper are the cycle implementations the
// activities delegate to. They are satisfied by the alert package types.
type Generator interface {
	Run(ctx context.Context) (int, error)
}

type Dispatcher interface {
	Run(ctx context.Context) (alert.DispatchResult, error)
}

type Sweeper interface {
	Run(ctx context.Context) (int64, error)
}

// Activities holds the dependencies needed by Temporal activities.
//
// Each activity runs its cycle on a context detached from the activity
// context, so a worker shutdown never cuts a batch between delivery and the
// status write. The cycles bound every external call with their own timeouts.
type Activities struct {
	generator  Generator
	dispatcher Dispatcher
	sweeper    Sweeper
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(g Generator, d Dispatcher, s Sweeper, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		generator:  g,
		dispatcher: d,
		sweeper:    s,
		metrics:    m,
		logger:     logger.With("component", "temporal_activities"),
	}
}

// GenerateAlerts creates pending alerts for recent whales.
func (a *Activities) GenerateAlerts(ctx context.Context) (*GenerateAlertsResult, error) {
	start := time.Now()
	created, err := a.generator.Run(context.WithoutCancel(ctx))
	a.metrics.RecordCycle("generate", time.Since(start).Seconds(), err)
	if err != nil {
		a.logger.ErrorContext(ctx, "generate alerts failed", "error", err)
		return nil, err
	}
	return &GenerateAlertsResult{Created: created}, nil
}

// DispatchAlerts delivers one rate-limited batch of pending alerts.
func (a *Activities) DispatchAlerts(ctx context.Context) (*DispatchAlertsResult, error) {
	start := time.Now()
	res, err := a.dispatcher.Run(context.WithoutCancel(ctx))
	a.metrics.RecordCycle("dispatch", time.Since(start).Seconds(), err)
	if err != nil {
		a.logger.ErrorContext(ctx, "dispatch alerts failed", "error", err)
		return nil, err
	}
	return &DispatchAlertsResult{
		Selected: res.Selected,
		Sent:     res.Sent,
		Retrying: res.Retrying,
		Failed:   res.Failed,
	}, nil
}

// SweepAlerts deletes alerts past the retention window.
func (a *Activities) SweepAlerts(ctx context.Context) (*SweepAlertsResult, error) {
	start := time.Now()
	n, err := a.sweeper.Run(context.WithoutCancel(ctx))
	a.metrics.RecordCycle("sweep", time.Since(start).Seconds(), err)
	if err != nil {
		a.logger.ErrorContext(ctx, "sweep alerts failed", "error", err)
		return nil, err
	}
	return &SweepAlertsResult{Deleted: n}, nil
}
