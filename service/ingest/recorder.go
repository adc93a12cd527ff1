package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/metrics"
	"github.com/brojonat/whalewatch/service/nats"
)

// RecordResult is the outcome of recording a whale.
type RecordResult int

const (
	Inserted RecordResult = iota
	AlreadyExists
)

func (r RecordResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// WhaleStore is the persistence the Recorder needs.
type WhaleStore interface {
	InsertWhaleIfAbsent(ctx context.Context, params db.CreateWhaleParams) (*db.WhaleTransaction, bool, error)
}

// Recorder persists classified whales exactly once per transaction hash and
// announces new ones on NATS.
type Recorder struct {
	store     WhaleStore
	publisher nats.Publisher
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. A nil publisher disables event publishing.
func NewRecorder(store WhaleStore, publisher nats.Publisher, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if publisher == nil {
		publisher = nats.NoopPublisher{}
	}
	return &Recorder{
		store:     store,
		publisher: publisher,
		timeout:   timeout,
		metrics:   m,
		logger:    logger.With("component", "recorder"),
	}
}

// Record writes the whale unless its hash is already stored. Repeated calls
// with the same hash return AlreadyExists and leave the stored row as is.
func (r *Recorder) Record(ctx context.Context, params db.CreateWhaleParams) (RecordResult, error) {
	storeCtx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	w, inserted, err := r.store.InsertWhaleIfAbsent(storeCtx, params)
	r.metrics.RecordDBQuery("insert_whale", "whale_transactions", time.Since(start).Seconds(), err)
	if err != nil {
		r.metrics.RecordWhale(string(params.Priority), "error")
		return 0, fmt.Errorf("record whale %s: %w", params.TxHash, err)
	}
	if !inserted {
		r.metrics.RecordWhale(string(params.Priority), "duplicate")
		r.logger.DebugContext(ctx, "whale already recorded", "tx_hash", params.TxHash)
		return AlreadyExists, nil
	}

	r.metrics.RecordWhale(string(params.Priority), "inserted")
	r.logger.InfoContext(ctx, "whale recorded",
		"tx_hash", w.TxHash,
		"block", w.BlockNumber,
		"value_eth", w.ValueETH.String(),
		"priority", w.Priority,
		"exchange_involved", w.ExchangeInvolved,
	)

	if err := r.publisher.PublishWhale(ctx, nats.FromDBWhale(w)); err != nil {
		// Publishing is best effort; the row is the source of truth.
		r.logger.WarnContext(ctx, "failed to publish whale event", "tx_hash", w.TxHash, "error", err)
	}
	return Inserted, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
