// Package notify delivers rendered alert messages to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/whalewatch/service/metrics"
)

// Message is a rendered notification.
type Message struct {
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
}

// Notifier sends a message to one channel. A nil error means delivered.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// DeliveryError is returned when the channel answered with a non-success status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	apiURL  string
	token   string
	chatID  string
	client  *http.Client
	metrics *metrics.Metrics
}

// NewTelegramNotifier creates a Telegram notifier. apiURL is normally
// https://api.telegram.org; tests point it at an httptest server.
func NewTelegramNotifier(apiURL, token, chatID string, timeout time.Duration, m *metrics.Metrics) *TelegramNotifier {
	return &TelegramNotifier{
		apiURL:  strings.TrimRight(apiURL, "/"),
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: timeout},
		metrics: m,
	}
}

type telegramPayload struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send implements Notifier. Only HTTP 200 counts as delivered.
func (t *TelegramNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(telegramPayload{
		ChatID:                t.chatID,
		Text:                  msg.Text,
		ParseMode:             msg.ParseMode,
		DisableWebPagePreview: msg.DisableWebPagePreview,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.metrics.RecordNotifyRequest("telegram", 0)
		// The URL embeds the bot token; keep it out of stored error messages.
		return fmt.Errorf("send telegram message: %w", redact(err, t.token))
	}
	defer resp.Body.Close()
	t.metrics.RecordNotifyRequest("telegram", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

// LogNotifier writes messages to the log and always succeeds. It stands in
// for a real channel when none is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (l *LogNotifier) Send(ctx context.Context, msg Message) error {
	l.logger.InfoContext(ctx, "alert notification (no delivery channel configured)", "text", msg.Text)
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "<redacted>"), err: err}
}
