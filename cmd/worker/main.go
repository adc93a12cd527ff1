package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/whalewatch/service/alert"
	"github.com/brojonat/whalewatch/service/config"
	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/db/memory"
	"github.com/brojonat/whalewatch/service/ethereum"
	"github.com/brojonat/whalewatch/service/ingest"
	"github.com/brojonat/whalewatch/service/metrics"
	natspkg "github.com/brojonat/whalewatch/service/nats"
	"github.com/brojonat/whalewatch/service/notify"
	"github.com/brojonat/whalewatch/service/temporal"
	"github.com/brojonat/whalewatch/service/whale"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// pipelineStore is everything the worker's components need from storage.
type pipelineStore interface {
	ingest.WhaleStore
	alert.GeneratorStore
	alert.DispatcherStore
	alert.SweeperStore
}

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting whalewatch worker",
		"worker_id", cfg.WorkerID,
		"store", cfg.Store,
		"scheduler", cfg.Scheduler,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Scheduler == config.SchedulerTemporal && cfg.Store == config.StoreMemory {
		return errors.New("temporal scheduling requires the postgres store")
	}
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var publisher natspkg.Publisher = natspkg.NoopPublisher{}
	if cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			return fmt.Errorf("create NATS publisher: %w", err)
		}
		defer p.Close()
		publisher = p
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, whale and alert events will not be published")
	}

	var notifier notify.Notifier
	if cfg.TelegramEnabled() {
		notifier = notify.NewTelegramNotifier(cfg.TelegramAPIURL, cfg.TelegramBotToken, cfg.TelegramChatID, cfg.NotifyTimeout, metricsCollector)
		logger.Info("telegram delivery enabled")
	} else {
		notifier = notify.NewLogNotifier(logger.With("component", "log_notifier"))
		logger.Warn("telegram not configured, alerts will only be logged")
	}

	exchanges, err := whale.NewDefaultDirectory(cfg.ExchangeAddresses...)
	if err != nil {
		return fmt.Errorf("build exchange directory: %w", err)
	}

	recorder := ingest.NewRecorder(store, publisher, cfg.StoreTimeout, metricsCollector, logger)
	ingestor := ingest.NewIngestor(
		ethereum.NewWSClient(cfg.EthWSURL, nil, logger),
		ethereum.NewRPCClient(cfg.EthRPCURL, cfg.NodeRPS, cfg.NodeTimeout, metricsCollector, logger),
		recorder,
		ingest.Config{
			Thresholds:     whale.Thresholds{High: cfg.HighThreshold, Normal: cfg.NormalThreshold},
			Exchanges:      exchanges,
			Rates:          whale.FixedRate(cfg.ETHUSDRate),
			Workers:        cfg.IngestWorkers,
			ReconnectDelay: cfg.ReconnectDelay,
			NodeTimeout:    cfg.NodeTimeout,
			Source:         cfg.Source,
		},
		metricsCollector,
		logger,
	)

	generator := alert.NewGenerator(store, alert.GeneratorConfig{
		Lookback:     cfg.AlertLookback,
		StoreTimeout: cfg.StoreTimeout,
	}, metricsCollector, logger)
	dispatcher := alert.NewDispatcher(store, notifier, publisher, alert.DispatcherConfig{
		MaxPerCycle:   cfg.MaxAlertsPerCycle,
		MaxRetry:      cfg.MaxRetryAttempts,
		NotifyTimeout: cfg.NotifyTimeout,
		StoreTimeout:  cfg.StoreTimeout,
		WorkerID:      cfg.WorkerID,
	}, metricsCollector, logger)
	sweeper := alert.NewSweeper(store, cfg.AlertRetention, cfg.StoreTimeout, nil, metricsCollector, logger)

	var temporalWorker *temporal.Worker
	if cfg.Scheduler == config.SchedulerTemporal {
		if err := ensureSchedules(ctx, cfg, logger); err != nil {
			return err
		}
		activities := temporal.NewActivities(generator, dispatcher, sweeper, metricsCollector, logger)
		temporalWorker, err = temporal.NewWorker(temporal.WorkerConfig{
			TemporalHost:      cfg.TemporalHost,
			TemporalNamespace: cfg.TemporalNamespace,
			TaskQueue:         cfg.TemporalTaskQueue,
			Activities:        activities,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("create temporal worker: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, logger)
	})

	g.Go(func() error {
		return ingestor.Run(gctx)
	})

	if temporalWorker != nil {
		g.Go(func() error {
			return temporalWorker.Run(gctx)
		})
	} else {
		g.Go(func() error {
			return alert.RunEvery(gctx, "alert", cfg.AlertCycleInterval, cfg.ErrorBackoff,
				alert.AlertCycle(generator, dispatcher), metricsCollector, logger)
		})
		g.Go(func() error {
			return alert.RunEvery(gctx, "sweep", cfg.SweepInterval, cfg.ErrorBackoff,
				alert.SweepCycle(sweeper), metricsCollector, logger)
		})
	}

	logger.Info("worker initialized, all components running",
		"ingest_workers", cfg.IngestWorkers,
		"alert_interval", cfg.AlertCycleInterval,
		"sweep_interval", cfg.SweepInterval,
		"max_alerts_per_cycle", cfg.MaxAlertsPerCycle,
		"max_retry_attempts", cfg.MaxRetryAttempts,
	)
	return g.Wait()
}

// ensureSchedules makes sure the Temporal schedules that drive the alert
// workflows exist with the configured intervals.
func ensureSchedules(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := temporal.EnsureSchedules(ctx, c, cfg.AlertCycleInterval, cfg.SweepInterval); err != nil {
		return fmt.Errorf("ensure schedules: %w", err)
	}
	return nil
}

// openStore returns the configured store and a func that releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipelineStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, data will not survive a restart")
		return memory.New(), func() {}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	store := db.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("connected to database")
	return store, pool.Close, nil
}

// serveMetrics runs the Prometheus endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting metrics HTTP server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
		return nil
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
