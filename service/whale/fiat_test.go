package whale

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateFiat(t *testing.T) {
	rate, err := DefaultRate.ETHUSD(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1080000", EstimateFiat(eth(600), rate).String())
	assert.Equal(t, "1800.02", EstimateFiat(decimal.RequireFromString("1.000011"), rate).String())
}

func TestFixedRate_Pluggable(t *testing.T) {
	var src RateSource = FixedRate(decimal.RequireFromString("2500.5"))
	rate, err := src.ETHUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "500100", EstimateFiat(eth(200), rate).String())
}
