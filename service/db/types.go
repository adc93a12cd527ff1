package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/brojonat/whalewatch/service/whale"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// AlertStatus is the delivery state of an alert. Sent and failed are terminal.
type AlertStatus string

const (
	AlertPending AlertStatus = "pending"
	AlertSent    AlertStatus = "sent"
	AlertFailed  AlertStatus = "failed"
)

// Terminal reports whether no further delivery attempts will be made.
func (s AlertStatus) Terminal() bool {
	return s == AlertSent || s == AlertFailed
}

// AlertTypeWhaleTransfer is the only alert type produced today.
const AlertTypeWhaleTransfer = "whale_transfer"

// WhaleTransaction is a persisted whale transfer. Rows are immutable.
type WhaleTransaction struct {
	ID               int64
	TxHash           string
	BlockNumber      int64
	Timestamp        time.Time
	FromAddress      string
	ToAddress        string
	ValueETH         decimal.Decimal
	ValueUSD         decimal.NullDecimal
	GasUsed          int64
	GasPrice         decimal.Decimal // wei
	Priority         whale.Priority
	ExchangeInvolved bool
	IngestID         string
	Source           string
	CreatedAt        time.Time
}

// CreateWhaleParams contains the parameters for recording a whale transaction.
type CreateWhaleParams struct {
	TxHash           string
	BlockNumber      int64
	Timestamp        time.Time
	FromAddress      string
	ToAddress        string
	ValueETH         decimal.Decimal
	ValueUSD         decimal.NullDecimal
	GasUsed          int64
	GasPrice         decimal.Decimal
	Priority         whale.Priority
	ExchangeInvolved bool
	IngestID         string
	Source           string
}

// ListWhalesParams filters whale listings. Zero values mean no filter.
type ListWhalesParams struct {
	Priority whale.Priority
	Since    time.Time
	Limit    int32
}

// Alert is a notification derived from exactly one whale transaction.
type Alert struct {
	ID            int64
	AlertType     string
	Priority      whale.Priority
	Title         string
	Message       string
	RelatedTxHash string
	RelatedData   json.RawMessage
	Status        AlertStatus
	Delivered     bool
	SentAt        *time.Time
	ErrorMessage  *string
	ProcessedBy   *string
	RetryCount    int
	CreatedAt     time.Time
}

// CreateAlertParams contains the parameters for a new pending alert.
// CreatedAt defaults to the current time when zero.
type CreateAlertParams struct {
	AlertType     string
	Priority      whale.Priority
	Title         string
	Message       string
	RelatedTxHash string
	RelatedData   json.RawMessage
	CreatedAt     time.Time
}

// AlertStatusUpdate is the outcome of one delivery attempt.
type AlertStatusUpdate struct {
	ID           int64
	Status       AlertStatus
	Delivered    bool
	SentAt       *time.Time
	ErrorMessage *string
	ProcessedBy  string
	RetryCount   int
}

// ListAlertsParams filters alert listings. Zero values mean no filter.
type ListAlertsParams struct {
	Status AlertStatus
	Limit  int32
}
