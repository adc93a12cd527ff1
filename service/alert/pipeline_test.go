package alert

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/db/memory"
	"github.com/brojonat/whalewatch/service/ethereum"
	"github.com/brojonat/whalewatch/service/ingest"
	"github.com/brojonat/whalewatch/service/notify"
	"github.com/brojonat/whalewatch/service/whale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBlocks map[uint64]*ethereum.Block

func (s staticBlocks) BlockByNumber(ctx context.Context, n uint64) (*ethereum.Block, error) {
	b, ok := s[n]
	if !ok {
		return nil, ethereum.ErrBlockNotFound
	}
	return b, nil
}

func TestPipeline_WhaleToFailedAlert(t *testing.T) {
	var requests atomic.Int32
	telegram := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer telegram.Close()

	wei, ok := new(big.Int).SetString("600000000000000000000", 10)
	require.True(t, ok)
	const hash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
	block := &ethereum.Block{
		Number:    19_000_000,
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Transactions: []ethereum.Transaction{{
			Hash:     hash,
			From:     "0x1111111111111111111111111111111111111111",
			To:       "0x2222222222222222222222222222222222222222",
			Value:    wei,
			Gas:      21000,
			GasPrice: big.NewInt(20_000_000_000),
		}},
	}

	store := memory.New()
	dir, err := whale.NewDefaultDirectory()
	require.NoError(t, err)
	ing := ingest.NewIngestor(nil, staticBlocks{block.Number: block},
		ingest.NewRecorder(store, nil, time.Second, nil, testLogger()),
		ingest.Config{Thresholds: whale.DefaultThresholds(), Exchanges: dir, NodeTimeout: time.Second},
		nil, testLogger())

	// The same block arriving twice still records one whale.
	require.NoError(t, ing.ProcessBlock(context.Background(), block.Number))
	require.NoError(t, ing.ProcessBlock(context.Background(), block.Number))

	w, err := store.GetWhale(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, whale.PriorityHigh, w.Priority)
	assert.False(t, w.ExchangeInvolved)

	gen := NewGenerator(store, GeneratorConfig{Lookback: 5 * time.Minute}, nil, testLogger())
	notifier := notify.NewTelegramNotifier(telegram.URL, "test-token", "-100123", time.Second, nil)
	disp := newDispatcher(store, notifier, nil, 3)
	cycle := AlertCycle(gen, disp)

	for i := 0; i < 6; i++ {
		require.NoError(t, cycle(context.Background()))
	}

	alerts, err := store.ListAlerts(context.Background(), db.ListAlertsParams{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, hash, a.RelatedTxHash)
	assert.Contains(t, a.Title, "600.00 ETH")
	assert.Equal(t, db.AlertFailed, a.Status)
	assert.Equal(t, 3, a.RetryCount)
	assert.False(t, a.Delivered)
	require.NotNil(t, a.ErrorMessage)
	assert.Equal(t, `HTTP 500: {"ok":false}`, *a.ErrorMessage)
	assert.Equal(t, int32(3), requests.Load())
}
