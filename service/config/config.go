package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Scheduler modes select who drives the alert cycles.
const (
	SchedulerLocal    = "local"
	SchedulerTemporal = "temporal"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const alchemyMainnet = "eth-mainnet.g.alchemy.com/v2/"

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	LogLevel    string
	MetricsAddr string
	WorkerID    string

	// Storage
	Store       string
	DatabaseURL string

	// Ethereum node
	AlchemyAPIKey  string
	EthWSURL       string
	EthRPCURL      string
	NodeRPS        float64
	NodeTimeout    time.Duration
	ReconnectDelay time.Duration
	IngestWorkers  int
	Source         string

	// Classification
	HighThreshold     decimal.Decimal
	NormalThreshold   decimal.Decimal
	ETHUSDRate        decimal.Decimal
	ExchangeAddresses []string

	// Alert pipeline
	AlertCycleInterval time.Duration
	AlertLookback      time.Duration
	MaxAlertsPerCycle  int
	MaxRetryAttempts   int
	ErrorBackoff       time.Duration
	AlertRetention     time.Duration
	SweepInterval      time.Duration
	StoreTimeout       time.Duration
	NotifyTimeout      time.Duration

	// Telegram (optional, both or neither)
	TelegramBotToken string
	TelegramChatID   string
	TelegramAPIURL   string

	// NATS (optional, empty disables publishing)
	NATSURL string

	// Temporal
	Scheduler         string
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.WorkerID = getEnvOrDefault("WORKER_ID", defaultWorkerID())

	// Storage
	cfg.Store = getEnvOrDefault("STORE", StorePostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Ethereum node
	cfg.AlchemyAPIKey = os.Getenv("ALCHEMY_API_KEY")
	cfg.EthWSURL = os.Getenv("ETH_WS_URL")
	cfg.EthRPCURL = os.Getenv("ETH_RPC_URL")
	if cfg.AlchemyAPIKey != "" {
		if cfg.EthWSURL == "" {
			cfg.EthWSURL = "wss://" + alchemyMainnet + cfg.AlchemyAPIKey
		}
		if cfg.EthRPCURL == "" {
			cfg.EthRPCURL = "https://" + alchemyMainnet + cfg.AlchemyAPIKey
		}
	}
	cfg.Source = getEnvOrDefault("INGEST_SOURCE", "alchemy")

	var err error
	if cfg.NodeRPS, err = parseFloat("NODE_RPS", 10); err != nil {
		errs = append(errs, err)
	}
	if cfg.NodeTimeout, err = parseDuration("NODE_TIMEOUT", "15s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ReconnectDelay, err = parseDuration("RECONNECT_DELAY", "5s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.IngestWorkers, err = parseInt("INGEST_WORKERS", 8); err != nil {
		errs = append(errs, err)
	}

	// Classification
	if cfg.HighThreshold, err = parseDecimal("WHALE_THRESHOLD_HIGH", "500"); err != nil {
		errs = append(errs, err)
	}
	if cfg.NormalThreshold, err = parseDecimal("WHALE_THRESHOLD_NORMAL", "200"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ETHUSDRate, err = parseDecimal("ETH_USD_RATE", "1800"); err != nil {
		errs = append(errs, err)
	}
	cfg.ExchangeAddresses = parseList(os.Getenv("EXCHANGE_ADDRESSES"))

	// Alert pipeline
	if cfg.AlertCycleInterval, err = parseDuration("ALERT_CYCLE_INTERVAL", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.AlertLookback, err = parseDuration("ALERT_LOOKBACK", "5m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxAlertsPerCycle, err = parseInt("MAX_ALERTS_PER_CYCLE", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxRetryAttempts, err = parseInt("MAX_RETRY_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.ErrorBackoff, err = parseDuration("ERROR_BACKOFF", "60s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.AlertRetention, err = parseDuration("ALERT_RETENTION", "168h"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepInterval, err = parseDuration("SWEEP_INTERVAL", "30m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.StoreTimeout, err = parseDuration("STORE_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.NotifyTimeout, err = parseDuration("NOTIFY_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}

	// Telegram
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	cfg.TelegramAPIURL = getEnvOrDefault("TELEGRAM_API_URL", "https://api.telegram.org")

	cfg.NATSURL = os.Getenv("NATS_URL")

	// Temporal
	cfg.Scheduler = getEnvOrDefault("SCHEDULER", SchedulerLocal)
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "whalewatch-alerts")

	// Parse errors first, then semantic validation on whatever parsed.
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for worker initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}

	if c.EthWSURL == "" || c.EthRPCURL == "" {
		errs = append(errs, fmt.Errorf("ALCHEMY_API_KEY or both ETH_WS_URL and ETH_RPC_URL are required"))
	}

	if !c.NormalThreshold.IsPositive() {
		errs = append(errs, fmt.Errorf("WHALE_THRESHOLD_NORMAL must be positive"))
	}
	if c.NormalThreshold.GreaterThan(c.HighThreshold) {
		errs = append(errs, fmt.Errorf("WHALE_THRESHOLD_NORMAL (%s) cannot be greater than WHALE_THRESHOLD_HIGH (%s)",
			c.NormalThreshold, c.HighThreshold))
	}
	if c.ETHUSDRate.IsNegative() {
		errs = append(errs, fmt.Errorf("ETH_USD_RATE cannot be negative"))
	}

	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}

	if c.IngestWorkers < 1 {
		errs = append(errs, fmt.Errorf("INGEST_WORKERS must be at least 1"))
	}
	if c.NodeRPS <= 0 {
		errs = append(errs, fmt.Errorf("NODE_RPS must be positive"))
	}
	if c.MaxAlertsPerCycle < 1 {
		errs = append(errs, fmt.Errorf("MAX_ALERTS_PER_CYCLE must be at least 1"))
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.AlertCycleInterval < time.Second {
		errs = append(errs, fmt.Errorf("ALERT_CYCLE_INTERVAL must be at least 1 second"))
	}
	if c.AlertLookback <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_LOOKBACK must be positive"))
	}
	if c.AlertRetention <= c.AlertLookback {
		errs = append(errs, fmt.Errorf("ALERT_RETENTION (%v) must be longer than ALERT_LOOKBACK (%v)",
			c.AlertRetention, c.AlertLookback))
	}

	switch c.Scheduler {
	case SchedulerLocal:
	case SchedulerTemporal:
		if c.TemporalHost == "" || c.TemporalNamespace == "" || c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TEMPORAL_HOST, TEMPORAL_NAMESPACE and TEMPORAL_TASK_QUEUE are required with SCHEDULER=temporal"))
		}
	default:
		errs = append(errs, fmt.Errorf("SCHEDULER must be %q or %q, got %q", SchedulerLocal, SchedulerTemporal, c.Scheduler))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// TelegramEnabled reports whether alert delivery goes to Telegram.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return d, nil
}

// parseList splits a comma separated value, dropping blanks.
func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "whalewatch"
	}
	return "whalewatch@" + host
}
