package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/metrics"
	"github.com/brojonat/whalewatch/service/nats"
	"github.com/brojonat/whalewatch/service/notify"
)

// DispatcherStore is the persistence the Dispatcher needs.
type DispatcherStore interface {
	ListPendingAlerts(ctx context.Context, maxRetry, limit int) ([]*db.Alert, error)
	UpdateAlertStatuses(ctx context.Context, updates []db.AlertStatusUpdate) ([]int64, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// MaxPerCycle caps deliveries per cycle.
	MaxPerCycle   int
	MaxRetry      int
	NotifyTimeout time.Duration
	StoreTimeout  time.Duration
	WorkerID      string
	Clock         func() time.Time
}

// DispatchResult summarises one dispatch cycle.
type DispatchResult struct {
	Selected int `json:"selected"`
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Applied  int `json:"applied"`
}

// Dispatcher delivers pending alerts in rate-limited batches and keeps the
// retry accounting.
type Dispatcher struct {
	store     DispatcherStore
	notifier  notify.Notifier
	publisher nats.Publisher
	cfg       DispatcherConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil publisher disables outcome events.
func NewDispatcher(store DispatcherStore, notifier notify.Notifier, publisher nats.Publisher, cfg DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 3
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if publisher == nil {
		publisher = nats.NoopPublisher{}
	}
	return &Dispatcher{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "alert_dispatcher"),
	}
}

// Run executes one dispatch cycle. Alerts are taken high priority first, then
// oldest first, and every outcome of the cycle is committed in one batch.
func (d *Dispatcher) Run(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	listCtx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	alerts, err := d.store.ListPendingAlerts(listCtx, d.cfg.MaxRetry, d.cfg.MaxPerCycle)
	cancel()
	if err != nil {
		return result, fmt.Errorf("list pending alerts: %w", err)
	}
	result.Selected = len(alerts)
	if len(alerts) == 0 {
		return result, nil
	}
	d.logger.InfoContext(ctx, "dispatching alerts", "count", len(alerts))

	updates := make([]db.AlertStatusUpdate, 0, len(alerts))
	for _, a := range alerts {
		u := d.attempt(ctx, a)
		switch {
		case u.Status == db.AlertSent:
			result.Sent++
		case u.Status == db.AlertFailed:
			result.Failed++
		default:
			result.Retrying++
		}
		updates = append(updates, u)
	}

	updateCtx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	applied, err := d.store.UpdateAlertStatuses(updateCtx, updates)
	if err != nil {
		return result, fmt.Errorf("update %d alert statuses: %w", len(updates), err)
	}
	result.Applied = len(applied)
	if len(applied) != len(updates) {
		d.logger.WarnContext(ctx, "some alert updates were superseded",
			"attempted", len(updates), "applied", len(applied))
	}

	committed := make(map[int64]bool, len(applied))
	for _, id := range applied {
		committed[id] = true
	}
	for i, u := range updates {
		// A superseded update never reached the store; another writer owns that alert.
		if !committed[u.ID] {
			continue
		}
		d.metrics.RecordAlertDispatched(outcome(u.Status))
		if !u.Status.Terminal() {
			continue
		}
		if err := d.publisher.PublishAlert(ctx, nats.FromDBAlert(alerts[i], u)); err != nil {
			d.logger.WarnContext(ctx, "failed to publish alert outcome", "alert_id", u.ID, "error", err)
		}
	}
	return result, nil
}

// attempt delivers one alert and returns the resulting status update.
func (d *Dispatcher) attempt(ctx context.Context, a *db.Alert) db.AlertStatusUpdate {
	u := db.AlertStatusUpdate{
		ID:          a.ID,
		Status:      db.AlertPending,
		ProcessedBy: d.cfg.WorkerID,
		RetryCount:  a.RetryCount,
	}

	sendCtx, cancel := withTimeout(ctx, d.cfg.NotifyTimeout)
	err := d.notifier.Send(sendCtx, notify.Message{
		Text:                  a.Message,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	cancel()

	if err == nil {
		now := d.cfg.Clock().UTC()
		u.Status = db.AlertSent
		u.Delivered = true
		u.SentAt = &now
		d.logger.InfoContext(ctx, "alert sent", "alert_id", a.ID, "tx_hash", a.RelatedTxHash)
		return u
	}

	msg := err.Error()
	u.ErrorMessage = &msg
	u.RetryCount = a.RetryCount + 1
	if u.RetryCount >= d.cfg.MaxRetry {
		u.Status = db.AlertFailed
		d.logger.ErrorContext(ctx, "alert failed permanently",
			"alert_id", a.ID,
			"tx_hash", a.RelatedTxHash,
			"retry_count", u.RetryCount,
			"error", err,
		)
		return u
	}
	d.logger.WarnContext(ctx, "alert delivery failed, will retry",
		"alert_id", a.ID,
		"retry_count", u.RetryCount,
		"error", err,
	)
	return u
}

func outcome(s db.AlertStatus) string {
	if s == db.AlertPending {
		return "retry"
	}
	return string(s)
}
