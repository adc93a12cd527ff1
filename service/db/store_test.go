package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/whalewatch/service/whale"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whaleParams(hash string, eth int64, priority whale.Priority) CreateWhaleParams {
	return CreateWhaleParams{
		TxHash:      hash,
		BlockNumber: 19_000_000,
		Timestamp:   time.Now().UTC().Truncate(time.Second),
		FromAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   "0x2222222222222222222222222222222222222222",
		ValueETH:    decimal.NewFromInt(eth),
		ValueUSD:    decimal.NewNullDecimal(decimal.NewFromInt(eth * 1800)),
		GasUsed:     21000,
		GasPrice:    decimal.NewFromInt(30_000_000_000),
		Priority:    priority,
		IngestID:    "6f1c2f3e-1111-4a4a-9c9c-000000000001",
		Source:      "alchemy",
	}
}

func alertParams(hash string, priority whale.Priority, createdAt time.Time) CreateAlertParams {
	return CreateAlertParams{
		AlertType:     AlertTypeWhaleTransfer,
		Priority:      priority,
		Title:         "Large Whale Transfer: " + hash,
		Message:       "message",
		RelatedTxHash: hash,
		RelatedData:   json.RawMessage(`{"value_eth":"600"}`),
		CreatedAt:     createdAt,
	}
}

func TestInsertWhaleIfAbsent(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	t.Run("first insert creates the row", func(t *testing.T) {
		w, inserted, err := store.InsertWhaleIfAbsent(ctx, whaleParams("0xaaa", 600, whale.PriorityHigh))
		require.NoError(t, err)
		require.True(t, inserted)
		require.NotNil(t, w)

		assert.Equal(t, "0xaaa", w.TxHash)
		assert.True(t, decimal.NewFromInt(600).Equal(w.ValueETH))
		require.True(t, w.ValueUSD.Valid)
		assert.Equal(t, "1080000", w.ValueUSD.Decimal.String())
		assert.Equal(t, whale.PriorityHigh, w.Priority)
		assert.WithinDuration(t, time.Now(), w.CreatedAt, 5*time.Second)
	})

	t.Run("second insert reports already exists", func(t *testing.T) {
		w, inserted, err := store.InsertWhaleIfAbsent(ctx, whaleParams("0xaaa", 999, whale.PriorityHigh))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Nil(t, w)

		stored, err := store.GetWhale(ctx, "0xaaa")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(600).Equal(stored.ValueETH), "existing row must not change")
	})

	t.Run("null fiat estimate", func(t *testing.T) {
		params := whaleParams("0xbbb", 300, whale.PriorityNormal)
		params.ValueUSD = decimal.NullDecimal{}
		w, inserted, err := store.InsertWhaleIfAbsent(ctx, params)
		require.NoError(t, err)
		require.True(t, inserted)
		assert.False(t, w.ValueUSD.Valid)
	})

	t.Run("missing whale", func(t *testing.T) {
		_, err := store.GetWhale(ctx, "0xnope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInsertWhaleIfAbsent_Concurrent(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.InsertWhaleIfAbsent(ctx, whaleParams("0xrace", 700, whale.PriorityHigh))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
}

func TestListRecentWhales(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	for i, p := range []whale.Priority{whale.PriorityHigh, whale.PriorityNormal, whale.PriorityHigh} {
		_, _, err := store.InsertWhaleIfAbsent(ctx, whaleParams(fmt.Sprintf("0x%d", i), 600, p))
		require.NoError(t, err)
	}
	store.MustExec(t, `UPDATE whale_transactions SET created_at = now() - interval '10 minutes' WHERE tx_hash = '0x2'`)

	recent, err := store.ListRecentWhales(ctx, time.Now().Add(-5*time.Minute), []whale.Priority{whale.PriorityHigh, whale.PriorityNormal})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "0x0", recent[0].TxHash)
	assert.Equal(t, "0x1", recent[1].TxHash)

	highOnly, err := store.ListRecentWhales(ctx, time.Now().Add(-5*time.Minute), []whale.Priority{whale.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, highOnly, 1)

	all, err := store.ListWhales(ctx, ListWhalesParams{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestInsertAlerts_OnePerHash(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	n, err := store.InsertAlerts(ctx, []CreateAlertParams{
		alertParams("0xa", whale.PriorityHigh, time.Time{}),
		alertParams("0xb", whale.PriorityNormal, time.Time{}),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exists, err := store.AlertExistsForHash(ctx, "0xa")
	require.NoError(t, err)
	assert.True(t, exists)

	// A repeated batch creates nothing new.
	n, err = store.InsertAlerts(ctx, []CreateAlertParams{
		alertParams("0xa", whale.PriorityHigh, time.Time{}),
		alertParams("0xc", whale.PriorityHigh, time.Time{}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	alerts, err := store.ListAlerts(ctx, ListAlertsParams{})
	require.NoError(t, err)
	assert.Len(t, alerts, 3)
	for _, a := range alerts {
		assert.Equal(t, AlertPending, a.Status)
		assert.Equal(t, 0, a.RetryCount)
		assert.JSONEq(t, `{"value_eth":"600"}`, string(a.RelatedData))
	}
}

func TestInsertAlerts_RollsBackOnError(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	bad := alertParams("0xbad", whale.Priority("urgent"), time.Time{})
	_, err := store.InsertAlerts(ctx, []CreateAlertParams{alertParams("0xgood", whale.PriorityHigh, time.Time{}), bad})
	require.Error(t, err)

	exists, err := store.AlertExistsForHash(ctx, "0xgood")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListPendingAlerts_OrderingAndLimit(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	_, err := store.InsertAlerts(ctx, []CreateAlertParams{
		alertParams("0xn1", whale.PriorityNormal, base),
		alertParams("0xh3", whale.PriorityHigh, base.Add(3*time.Second)),
		alertParams("0xh1", whale.PriorityHigh, base.Add(1*time.Second)),
		alertParams("0xn2", whale.PriorityNormal, base.Add(2*time.Second)),
		alertParams("0xh2", whale.PriorityHigh, base.Add(2*time.Second)),
	})
	require.NoError(t, err)

	pending, err := store.ListPendingAlerts(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "0xh1", pending[0].RelatedTxHash)
	assert.Equal(t, "0xh2", pending[1].RelatedTxHash)
	assert.Equal(t, "0xh3", pending[2].RelatedTxHash)
}

func TestUpdateAlertStatuses(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	_, err := store.InsertAlerts(ctx, []CreateAlertParams{
		alertParams("0xa", whale.PriorityHigh, time.Time{}),
		alertParams("0xb", whale.PriorityHigh, time.Time{}),
	})
	require.NoError(t, err)
	pending, err := store.ListPendingAlerts(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	now := time.Now().UTC()
	msg := "HTTP 500: boom"
	applied, err := store.UpdateAlertStatuses(ctx, []AlertStatusUpdate{
		{ID: pending[0].ID, Status: AlertSent, Delivered: true, SentAt: &now, ProcessedBy: "test"},
		{ID: pending[1].ID, Status: AlertPending, ErrorMessage: &msg, ProcessedBy: "test", RetryCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{pending[0].ID, pending[1].ID}, applied)

	sent, err := store.GetAlert(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, AlertSent, sent.Status)
	assert.True(t, sent.Delivered)
	require.NotNil(t, sent.SentAt)
	require.NotNil(t, sent.ProcessedBy)
	assert.Equal(t, "test", *sent.ProcessedBy)

	retried, err := store.GetAlert(ctx, pending[1].ID)
	require.NoError(t, err)
	assert.Equal(t, AlertPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	require.NotNil(t, retried.ErrorMessage)
	assert.Equal(t, msg, *retried.ErrorMessage)

	// Terminal alerts are not touched again.
	err = store.UpdateAlertStatus(ctx, AlertStatusUpdate{ID: sent.ID, Status: AlertFailed, RetryCount: 3})
	assert.ErrorIs(t, err, ErrNotFound)

	// Retry count never moves backwards.
	applied, err = store.UpdateAlertStatuses(ctx, []AlertStatusUpdate{{ID: retried.ID, Status: AlertPending, RetryCount: 0}})
	require.NoError(t, err)
	assert.Empty(t, applied)

	counts, err := store.CountAlertsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[AlertSent])
	assert.Equal(t, int64(1), counts[AlertPending])
}

func TestListPendingAlerts_RetryCeiling(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	_, err := store.InsertAlerts(ctx, []CreateAlertParams{alertParams("0xa", whale.PriorityHigh, time.Time{})})
	require.NoError(t, err)
	store.MustExec(t, `UPDATE alerts SET retry_count = 3 WHERE related_tx_hash = '0xa'`)

	pending, err := store.ListPendingAlerts(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteAlertsOlderThan(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.InsertAlerts(ctx, []CreateAlertParams{
		alertParams("0xold", whale.PriorityHigh, now.Add(-8*24*time.Hour)),
		alertParams("0xkeep", whale.PriorityHigh, now.Add(-6*24*time.Hour)),
	})
	require.NoError(t, err)
	store.MustExec(t, `UPDATE alerts SET status = 'sent' WHERE related_tx_hash = '0xold'`)

	n, err := store.DeleteAlertsOlderThan(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := store.AlertExistsForHash(ctx, "0xold")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = store.AlertExistsForHash(ctx, "0xkeep")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMigrate_Idempotent(t *testing.T) {
	store := NewTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Migrate(context.Background()))
}
