package nats

import (
	"time"

	"github.com/brojonat/whalewatch/service/db"
)

// WhaleEvent represents a recorded whale published to NATS.
// This is published to the subject "whales.{priority}" in JetStream.
type WhaleEvent struct {
	TxHash      string    `json:"tx_hash"`
	BlockNumber int64     `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`

	FromAddress      string `json:"from_address"`
	ToAddress        string `json:"to_address"`
	ExchangeInvolved bool   `json:"exchange_involved"`

	// Amounts are decimal strings to keep full precision.
	ValueETH string `json:"value_eth"`
	ValueUSD string `json:"value_usd,omitempty"`
	Priority string `json:"priority"`

	IngestID    string    `json:"ingest_id"`
	Source      string    `json:"source"`
	RecordedAt  time.Time `json:"recorded_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromDBWhale converts a stored whale into a WhaleEvent.
func FromDBWhale(w *db.WhaleTransaction) *WhaleEvent {
	event := &WhaleEvent{
		TxHash:           w.TxHash,
		BlockNumber:      w.BlockNumber,
		BlockTime:        w.Timestamp,
		FromAddress:      w.FromAddress,
		ToAddress:        w.ToAddress,
		ExchangeInvolved: w.ExchangeInvolved,
		ValueETH:         w.ValueETH.String(),
		Priority:         string(w.Priority),
		IngestID:         w.IngestID,
		Source:           w.Source,
		RecordedAt:       w.CreatedAt,
		PublishedAt:      time.Now().UTC(),
	}
	if w.ValueUSD.Valid {
		event.ValueUSD = w.ValueUSD.Decimal.StringFixed(2)
	}
	return event
}

// AlertEvent represents an alert outcome published to NATS.
// This is published to the subject "alerts.{status}" in JetStream.
type AlertEvent struct {
	AlertID       int64      `json:"alert_id"`
	RelatedTxHash string     `json:"related_tx_hash"`
	Priority      string     `json:"priority"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	PublishedAt   time.Time  `json:"published_at"`
}

// FromDBAlert converts an alert and its latest outcome into an AlertEvent.
func FromDBAlert(a *db.Alert, u db.AlertStatusUpdate) *AlertEvent {
	event := &AlertEvent{
		AlertID:       a.ID,
		RelatedTxHash: a.RelatedTxHash,
		Priority:      string(a.Priority),
		Title:         a.Title,
		Status:        string(u.Status),
		RetryCount:    u.RetryCount,
		SentAt:        u.SentAt,
		PublishedAt:   time.Now().UTC(),
	}
	if u.ErrorMessage != nil {
		event.ErrorMessage = *u.ErrorMessage
	}
	return event
}
