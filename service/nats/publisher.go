package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/whalewatch/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing whale and alert events to NATS.
type Publisher interface {
	// PublishWhale publishes a recorded whale to "whales.{priority}".
	PublishWhale(ctx context.Context, event *WhaleEvent) error

	// PublishAlert publishes an alert that reached a terminal state to
	// "alerts.{status}".
	PublishAlert(ctx context.Context, event *AlertEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

const (
	// StreamName is the name of the JetStream stream for whalewatch events.
	StreamName = "WHALEWATCH"

	// WhaleSubjects is the subject pattern for recorded whales.
	WhaleSubjects = "whales.*"

	// AlertSubjects is the subject pattern for terminal alerts.
	AlertSubjects = "alerts.*"

	// StreamRetention is how long messages are retained (7 days, matching alert retention).
	StreamRetention = 7 * 24 * time.Hour
)

// WhaleSubject returns the subject a whale of the given priority is published on.
func WhaleSubject(priority string) string {
	return "whales." + priority
}

// AlertSubject returns the subject an alert in the given status is published on.
func AlertSubject(status string) string {
	return "alerts." + status
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("whalewatch-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: m,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// StreamConfig is the JetStream configuration for the whalewatch stream.
func StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Whale transfers and terminal alert outcomes",
		Subjects:    []string{WhaleSubjects, AlertSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)
	if _, err := p.js.CreateStream(ctx, StreamConfig()); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishWhale publishes a whale event.
func (p *JetStreamPublisher) PublishWhale(ctx context.Context, event *WhaleEvent) error {
	return p.publish(ctx, WhaleSubject(event.Priority), event)
}

// PublishAlert publishes an alert event.
func (p *JetStreamPublisher) PublishAlert(ctx context.Context, event *AlertEvent) error {
	return p.publish(ctx, AlertSubject(event.Status), event)
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.DebugContext(ctx, "published event", "subject", subject)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// NoopPublisher discards events. Used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishWhale(context.Context, *WhaleEvent) error { return nil }
func (NoopPublisher) PublishAlert(context.Context, *AlertEvent) error { return nil }
func (NoopPublisher) Close() error                                     { return nil }
