package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/whalewatch/service/alert"
	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/db/memory"
	"github.com/brojonat/whalewatch/service/notify"
	"github.com/brojonat/whalewatch/service/whale"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Run(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestActivities_GenerateAndDispatch(t *testing.T) {
	store := memory.New()
	_, _, err := store.InsertWhaleIfAbsent(context.Background(), db.CreateWhaleParams{
		TxHash:   "0xh1",
		ValueETH: decimal.NewFromInt(600),
		Priority: whale.PriorityHigh,
	})
	require.NoError(t, err)

	gen := alert.NewGenerator(store, alert.GeneratorConfig{}, nil, testLogger())
	disp := alert.NewDispatcher(store, notify.NewLogNotifier(testLogger()), nil, alert.DispatcherConfig{
		MaxPerCycle: 3,
		MaxRetry:    3,
		WorkerID:    "temporal-test",
	}, nil, testLogger())
	sweep := alert.NewSweeper(store, 7*24*time.Hour, time.Second, nil, nil, testLogger())
	acts := NewActivities(gen, disp, sweep, nil, testLogger())

	genRes, err := acts.GenerateAlerts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, genRes.Created)

	dispRes, err := acts.DispatchAlerts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &DispatchAlertsResult{Selected: 1, Sent: 1}, dispRes)

	sweepRes, err := acts.SweepAlerts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sweepRes.Deleted)

	counts, err := store.CountAlertsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[db.AlertSent])
}

func TestActivities_SweepError(t *testing.T) {
	sweeper := new(MockSweeper)
	sweeper.On("Run", mock.Anything).Return(int64(0), errors.New("timeout"))

	acts := NewActivities(nil, nil, sweeper, nil, testLogger())
	res, err := acts.SweepAlerts(context.Background())
	assert.Error(t, err)
	assert.Nil(t, res)
	sweeper.AssertExpectations(t)
}

// cancelOnSend delivers the message and then cancels the activity context,
// the way a worker shutdown does while a batch is in flight.
type cancelOnSend struct {
	cancel context.CancelFunc
	sends  int
}

func (n *cancelOnSend) Send(ctx context.Context, msg notify.Message) error {
	n.sends++
	n.cancel()
	return nil
}

func TestActivities_DispatchCompletesAfterCancel(t *testing.T) {
	store := memory.New()
	_, err := store.InsertAlerts(context.Background(), []db.CreateAlertParams{{
		AlertType:     db.AlertTypeWhaleTransfer,
		Priority:      whale.PriorityHigh,
		Title:         "Large Whale Transfer: 600.00 ETH",
		Message:       "whale",
		RelatedTxHash: "0xh1",
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &cancelOnSend{cancel: cancel}
	disp := alert.NewDispatcher(store, n, nil, alert.DispatcherConfig{
		MaxPerCycle:  3,
		MaxRetry:     3,
		StoreTimeout: time.Second,
		WorkerID:     "temporal-test",
	}, nil, testLogger())
	acts := NewActivities(nil, disp, nil, nil, testLogger())

	res, err := acts.DispatchAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, n.sends)

	a, err := store.GetAlert(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, db.AlertSent, a.Status)
	assert.True(t, a.Delivered)
}

func TestWorkerOptions_StopWaitsForActivities(t *testing.T) {
	opts := workerOptions()
	assert.GreaterOrEqual(t, opts.WorkerStopTimeout, activityOptions().StartToCloseTimeout)
	assert.Equal(t, 1, opts.MaxConcurrentActivityExecutionSize)
}
