// Package ingest turns the live block stream into recorded whale transactions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/ethereum"
	"github.com/brojonat/whalewatch/service/metrics"
	"github.com/brojonat/whalewatch/service/whale"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// State is the connection state of the block stream.
type State int32

const (
	Disconnected State = iota
	Subscribing
	Listening
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Listening:
		return "listening"
	default:
		return "disconnected"
	}
}

// HeadSource opens a new-heads subscription.
type HeadSource interface {
	SubscribeNewHeads(ctx context.Context) (ethereum.Subscription, error)
}

// BlockFetcher retrieves full blocks by height.
type BlockFetcher interface {
	BlockByNumber(ctx context.Context, number uint64) (*ethereum.Block, error)
}

// Config holds the Ingestor's tuning knobs.
type Config struct {
	Thresholds     whale.Thresholds
	Exchanges      whale.ExchangeDirectory
	Rates          whale.RateSource
	Workers        int
	ReconnectDelay time.Duration
	NodeTimeout    time.Duration
	Source         string
}

// Ingestor subscribes to new heads, fetches each block and records every
// whale transfer in it. Block processing runs on a bounded worker pool.
type Ingestor struct {
	heads    HeadSource
	blocks   BlockFetcher
	recorder *Recorder
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	state    atomic.Int32
}

// NewIngestor creates an Ingestor.
func NewIngestor(heads HeadSource, blocks BlockFetcher, recorder *Recorder, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Rates == nil {
		cfg.Rates = whale.DefaultRate
	}
	if cfg.Source == "" {
		cfg.Source = "alchemy"
	}
	i := &Ingestor{
		heads:    heads,
		blocks:   blocks,
		recorder: recorder,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "ingestor"),
	}
	i.setState(Disconnected)
	return i
}

// State returns the current connection state.
func (i *Ingestor) State() State {
	return State(i.state.Load())
}

func (i *Ingestor) setState(s State) {
	i.state.Store(int32(s))
	i.metrics.SetIngestState(s.String())
}

// Run consumes the stream until ctx is cancelled. Subscription failures are
// retried after a fixed delay. On shutdown Run stops reading heads and waits
// for blocks already handed to the pool.
func (i *Ingestor) Run(ctx context.Context) error {
	pool := new(errgroup.Group)
	pool.SetLimit(i.cfg.Workers)
	defer pool.Wait()

	// Block work outlives shutdown so that writes are never cut mid-flight;
	// every call inside still carries its own timeout.
	workCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			i.setState(Disconnected)
			return nil
		}

		i.setState(Subscribing)
		sub, err := i.heads.SubscribeNewHeads(ctx)
		if err != nil {
			i.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			i.logger.WarnContext(ctx, "subscribe failed, retrying", "error", err, "delay", i.cfg.ReconnectDelay)
			if !sleep(ctx, i.cfg.ReconnectDelay) {
				return nil
			}
			i.metrics.RecordReconnect()
			continue
		}

		i.setState(Listening)
		i.logger.InfoContext(ctx, "listening for new blocks")
		err = i.consume(ctx, workCtx, sub, pool)
		_ = sub.Close()
		i.setState(Disconnected)

		if ctx.Err() != nil {
			i.logger.InfoContext(workCtx, "ingestor stopping, waiting for in-flight blocks")
			return nil
		}
		i.logger.WarnContext(ctx, "block stream lost, reconnecting", "error", err, "delay", i.cfg.ReconnectDelay)
		if !sleep(ctx, i.cfg.ReconnectDelay) {
			return nil
		}
		i.metrics.RecordReconnect()
	}
}

func (i *Ingestor) consume(ctx, workCtx context.Context, sub ethereum.Subscription, pool *errgroup.Group) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-sub.Heads():
			if !ok {
				select {
				case err := <-sub.Err():
					return err
				default:
					return errors.New("subscription ended")
				}
			}
			number := head.Number
			// Go blocks while the pool is full, which throttles reading.
			pool.Go(func() error {
				if err := i.processBlockSafely(workCtx, number); err != nil {
					i.logger.ErrorContext(workCtx, "block processing failed", "block", number, "error", err)
				}
				return nil
			})
		}
	}
}

// processBlockSafely turns a panic while handling one block into an error so a
// single malformed block cannot take down the listener.
func (i *Ingestor) processBlockSafely(ctx context.Context, number uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return i.ProcessBlock(ctx, number)
}

// ProcessBlock fetches one block and records its whale transfers. Individual
// transaction failures are logged and do not fail the block.
func (i *Ingestor) ProcessBlock(ctx context.Context, number uint64) error {
	fetchCtx, cancel := withTimeout(ctx, i.cfg.NodeTimeout)
	block, err := i.blocks.BlockByNumber(fetchCtx, number)
	cancel()
	if err != nil {
		i.metrics.RecordBlockProcessed("error", 0)
		return fmt.Errorf("fetch block %d: %w", number, err)
	}

	for _, bad := range block.Malformed {
		i.metrics.RecordClassification("malformed", "malformed")
		i.logger.WarnContext(ctx, "skipping malformed transaction",
			"block", number, "index", bad.Index, "tx_hash", bad.Hash, "error", bad.Err)
	}

	rate, rateErr := i.cfg.Rates.ETHUSD(ctx)
	if rateErr != nil {
		i.logger.WarnContext(ctx, "fiat rate unavailable, recording without estimate", "error", rateErr)
	}

	var whales int
	for _, tx := range block.Transactions {
		recorded, err := i.handleTransaction(ctx, block, tx, rate, rateErr == nil)
		if err != nil {
			i.logger.ErrorContext(ctx, "failed to record whale", "block", number, "tx_hash", tx.Hash, "error", err)
			continue
		}
		if recorded {
			whales++
		}
	}

	i.metrics.RecordBlockProcessed("success", len(block.Transactions))
	i.logger.DebugContext(ctx, "block processed",
		"block", number,
		"transactions", len(block.Transactions),
		"whales", whales,
	)
	return nil
}

func (i *Ingestor) handleTransaction(ctx context.Context, block *ethereum.Block, tx ethereum.Transaction, rate decimal.Decimal, haveRate bool) (bool, error) {
	value := whale.WeiToETH(tx.Value)
	c := whale.Classify(whale.Transaction{Hash: tx.Hash, From: tx.From, To: tx.To, Value: value}, i.cfg.Thresholds, i.cfg.Exchanges)
	i.metrics.RecordClassification(c.Decision.String(), c.SkipReason)
	if c.Decision == whale.Skip {
		return false, nil
	}

	params := db.CreateWhaleParams{
		TxHash:           tx.Hash,
		BlockNumber:      int64(block.Number),
		Timestamp:        block.Timestamp,
		FromAddress:      tx.From,
		ToAddress:        tx.To,
		ValueETH:         value,
		GasUsed:          int64(tx.Gas),
		Priority:         c.Priority(),
		ExchangeInvolved: c.ExchangeInvolved,
		IngestID:         uuid.NewString(),
		Source:           i.cfg.Source,
	}
	if tx.GasPrice != nil {
		params.GasPrice = decimal.NewFromBigInt(tx.GasPrice, 0)
	}
	if haveRate {
		params.ValueUSD = decimal.NewNullDecimal(whale.EstimateFiat(value, rate))
	}

	result, err := i.recorder.Record(ctx, params)
	if err != nil {
		return false, err
	}
	return result == Inserted, nil
}

// sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
