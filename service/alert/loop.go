package alert

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/brojonat/whalewatch/service/metrics"
)

// CycleFunc is one unit of periodic work.
type CycleFunc func(ctx context.Context) error

// RunEvery runs fn immediately and then once per interval until ctx is
// cancelled. A failed or panicking cycle is logged and followed by
// errorBackoff instead of interval. fn runs on a context detached from ctx,
// so a cycle that has started always finishes; cancellation is observed
// between cycles.
func RunEvery(ctx context.Context, name string, interval, errorBackoff time.Duration, fn CycleFunc, m *metrics.Metrics, logger *slog.Logger) error {
	logger = logger.With("component", "loop", "cycle", name)
	if errorBackoff <= 0 {
		errorBackoff = interval
	}
	workCtx := context.WithoutCancel(ctx)

	logger.InfoContext(ctx, "loop started", "interval", interval)
	for {
		if ctx.Err() != nil {
			logger.InfoContext(workCtx, "loop stopped")
			return nil
		}

		start := time.Now()
		err := runCycle(workCtx, fn)
		m.RecordCycle(name, time.Since(start).Seconds(), err)

		wait := interval
		if err != nil {
			logger.ErrorContext(workCtx, "cycle failed", "error", err, "backoff", errorBackoff)
			wait = errorBackoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			logger.InfoContext(workCtx, "loop stopped")
			return nil
		case <-t.C:
		}
	}
}

func runCycle(ctx context.Context, fn CycleFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// GenerateCycle adapts a Generator to a CycleFunc.
func GenerateCycle(g *Generator) CycleFunc {
	return func(ctx context.Context) error {
		_, err := g.Run(ctx)
		return err
	}
}

// DispatchCycle adapts a Dispatcher to a CycleFunc.
func DispatchCycle(d *Dispatcher) CycleFunc {
	return func(ctx context.Context) error {
		_, err := d.Run(ctx)
		return err
	}
}

// AlertCycle runs generation then dispatch, the way the alert worker does
// each tick. A generation failure does not stop dispatch of older alerts.
func AlertCycle(g *Generator, d *Dispatcher) CycleFunc {
	return func(ctx context.Context) error {
		_, genErr := g.Run(ctx)
		_, dispErr := d.Run(ctx)
		if genErr != nil && dispErr != nil {
			return fmt.Errorf("generate: %w; dispatch: %w", genErr, dispErr)
		}
		if genErr != nil {
			return fmt.Errorf("generate: %w", genErr)
		}
		if dispErr != nil {
			return fmt.Errorf("dispatch: %w", dispErr)
		}
		return nil
	}
}

// SweepCycle adapts a Sweeper to a CycleFunc.
func SweepCycle(s *Sweeper) CycleFunc {
	return func(ctx context.Context) error {
		_, err := s.Run(ctx)
		return err
	}
}
