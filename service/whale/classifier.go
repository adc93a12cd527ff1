// Package whale decides which Ethereum transfers count as whale activity.
//
// Everything here is pure: the same transaction, thresholds and exchange
// directory always produce the same classification.
package whale

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Priority levels stored with a whale transaction and its alert.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Rank orders priorities so that high sorts before normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal
}

// Decision is the outcome of classifying one transaction.
type Decision int

const (
	Skip Decision = iota
	Normal
	High
)

func (d Decision) String() string {
	switch d {
	case High:
		return "high"
	case Normal:
		return "normal"
	default:
		return "skip"
	}
}

// Skip reasons, also used as metric label values.
const (
	SkipContractCreation = "contract_creation"
	SkipBelowThreshold   = "below_threshold"
)

// Transaction is the subset of an on-chain transaction the classifier reads.
// To is empty for contract creations.
type Transaction struct {
	Hash  string
	From  string
	To    string
	Value decimal.Decimal // ETH
}

// Thresholds are inclusive lower bounds in ETH. Normal must not exceed High.
type Thresholds struct {
	High   decimal.Decimal
	Normal decimal.Decimal
}

// DefaultThresholds returns the 500 / 200 ETH cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		High:   decimal.NewFromInt(500),
		Normal: decimal.NewFromInt(200),
	}
}

// Classification is the result of Classify.
type Classification struct {
	Decision         Decision
	ExchangeInvolved bool
	SkipReason       string
}

// Priority maps a non-skip decision to its stored priority level.
func (c Classification) Priority() Priority {
	if c.Decision == High {
		return PriorityHigh
	}
	return PriorityNormal
}

// Classify applies the whale rules in order: contract creations and transfers
// below the normal threshold are skipped, anything at or above the high
// threshold is high, the rest normal. Exchange involvement is flagged when
// either endpoint is a known exchange.
func Classify(tx Transaction, th Thresholds, exchanges ExchangeDirectory) Classification {
	if tx.From == "" || tx.To == "" {
		return Classification{Decision: Skip, SkipReason: SkipContractCreation}
	}
	if tx.Value.LessThan(th.Normal) {
		return Classification{Decision: Skip, SkipReason: SkipBelowThreshold}
	}

	c := Classification{Decision: Normal}
	if tx.Value.GreaterThanOrEqual(th.High) {
		c.Decision = High
	}
	if exchanges != nil {
		c.ExchangeInvolved = exchanges.IsExchange(tx.From) || exchanges.IsExchange(tx.To)
	}
	return c
}

// WeiToETH converts an integer wei amount to ETH without losing precision.
func WeiToETH(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}
