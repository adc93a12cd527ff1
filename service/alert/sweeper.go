package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/whalewatch/service/metrics"
)

// SweeperStore is the persistence the Sweeper needs.
type SweeperStore interface {
	DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes alerts past the retention window, whatever their status.
type Sweeper struct {
	store        SweeperStore
	retention    time.Duration
	storeTimeout time.Duration
	clock        func() time.Time
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewSweeper creates a Sweeper. A nil clock uses time.Now.
func NewSweeper(store SweeperStore, retention, storeTimeout time.Duration, clock func() time.Time, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		store:        store,
		retention:    retention,
		storeTimeout: storeTimeout,
		clock:        clock,
		metrics:      m,
		logger:       logger.With("component", "retention_sweeper"),
	}
}

// Run deletes expired alerts and returns how many were removed.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.retention)

	ctx2, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	n, err := s.store.DeleteAlertsOlderThan(ctx2, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete alerts older than %s: %w", cutoff.Format(time.RFC3339), err)
	}

	s.metrics.RecordAlertsSwept(n)
	if n > 0 {
		s.logger.InfoContext(ctx, "old alerts deleted", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
