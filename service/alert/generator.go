// Package alert turns recorded whales into delivered notifications. It holds
// the generator, dispatcher and retention sweeper cycles and the loop that
// drives them.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/metrics"
	"github.com/brojonat/whalewatch/service/whale"
)

// AlertablePriorities are the whale tiers that produce alerts.
var AlertablePriorities = []whale.Priority{whale.PriorityHigh, whale.PriorityNormal}

// GeneratorStore is the persistence the Generator needs.
type GeneratorStore interface {
	ListRecentWhales(ctx context.Context, since time.Time, priorities []whale.Priority) ([]*db.WhaleTransaction, error)
	AlertExistsForHash(ctx context.Context, txHash string) (bool, error)
	InsertAlerts(ctx context.Context, alerts []db.CreateAlertParams) (int, error)
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Lookback     time.Duration
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// Generator creates one pending alert for every recent whale that has none.
type Generator struct {
	store   GeneratorStore
	cfg     GeneratorConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(store GeneratorStore, cfg GeneratorConfig, m *metrics.Metrics, logger *slog.Logger) *Generator {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Generator{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "alert_generator"),
	}
}

// Run executes one generation cycle and returns the number of alerts created.
// New alerts are committed together; any store error aborts the whole cycle.
func (g *Generator) Run(ctx context.Context) (int, error) {
	since := g.cfg.Clock().Add(-g.cfg.Lookback)

	listCtx, cancel := withTimeout(ctx, g.cfg.StoreTimeout)
	whales, err := g.store.ListRecentWhales(listCtx, since, AlertablePriorities)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("list recent whales: %w", err)
	}
	g.logger.DebugContext(ctx, "recent whales found", "count", len(whales), "since", since)

	var batch []db.CreateAlertParams
	for _, w := range whales {
		existsCtx, cancel := withTimeout(ctx, g.cfg.StoreTimeout)
		exists, err := g.store.AlertExistsForHash(existsCtx, w.TxHash)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("check alert for %s: %w", w.TxHash, err)
		}
		if exists {
			continue
		}

		params, err := NewAlertParams(w)
		if err != nil {
			return 0, err
		}
		batch = append(batch, params)
	}

	if len(batch) == 0 {
		return 0, nil
	}

	insertCtx, cancel := withTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()
	created, err := g.store.InsertAlerts(insertCtx, batch)
	if err != nil {
		return 0, fmt.Errorf("insert %d alerts: %w", len(batch), err)
	}

	g.metrics.RecordAlertsGenerated(created)
	if created > 0 {
		g.logger.InfoContext(ctx, "alerts created", "count", created)
	}
	return created, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
