package whale

import (
	"context"

	"github.com/shopspring/decimal"
)

// RateSource supplies the ETH to USD conversion rate.
type RateSource interface {
	ETHUSD(ctx context.Context) (decimal.Decimal, error)
}

// FixedRate is a RateSource that always returns the same rate.
type FixedRate decimal.Decimal

// DefaultRate is the placeholder conversion used when nothing else is configured.
var DefaultRate = FixedRate(decimal.NewFromInt(1800))

// ETHUSD implements RateSource.
func (r FixedRate) ETHUSD(context.Context) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

// EstimateFiat converts an ETH amount to USD, rounded to cents.
func EstimateFiat(value, rate decimal.Decimal) decimal.Decimal {
	return value.Mul(rate).Round(2)
}
