package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/db/memory"
	"github.com/brojonat/whalewatch/service/ethereum"
	"github.com/brojonat/whalewatch/service/nats"
	"github.com/brojonat/whalewatch/service/whale"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func weiFromETH(eth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(eth), big.NewInt(1_000_000_000_000_000_000))
}

const (
	binance = "0x28c6c06298d514db089934071355e5743bf21d60"
	alice   = "0x1111111111111111111111111111111111111111"
	bob     = "0x2222222222222222222222222222222222222222"
)

type fakeBlocks struct {
	mu      sync.Mutex
	blocks  map[uint64]*ethereum.Block
	fetched []uint64
}

func (f *fakeBlocks) BlockByNumber(ctx context.Context, n uint64) (*ethereum.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, n)
	b, ok := f.blocks[n]
	if !ok {
		return nil, ethereum.ErrBlockNotFound
	}
	return b, nil
}

func (f *fakeBlocks) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type fakeSub struct {
	heads  chan ethereum.Head
	errc   chan error
	closed atomic.Bool
}

func newFakeSub(numbers ...uint64) *fakeSub {
	s := &fakeSub{heads: make(chan ethereum.Head, len(numbers)+1), errc: make(chan error, 1)}
	for _, n := range numbers {
		s.heads <- ethereum.Head{Number: n}
	}
	return s
}

func (s *fakeSub) fail(err error) {
	s.errc <- err
	close(s.heads)
}

func (s *fakeSub) Heads() <-chan ethereum.Head { return s.heads }
func (s *fakeSub) Err() <-chan error           { return s.errc }
func (s *fakeSub) Close() error                { s.closed.Store(true); return nil }

type fakeSource struct {
	mu    sync.Mutex
	subs  []*fakeSub
	errs  []error
	calls int
}

func (f *fakeSource) SubscribeNewHeads(ctx context.Context) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.subs) {
		return f.subs[idx], nil
	}
	// Park forever once the script runs out.
	return newFakeSub(), nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testBlock(number uint64) *ethereum.Block {
	return &ethereum.Block{
		Number:    number,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		Transactions: []ethereum.Transaction{
			{Hash: fmt.Sprintf("0xhigh%d", number), From: binance, To: bob, Value: weiFromETH(600), Gas: 21000, GasPrice: big.NewInt(30_000_000_000)},
			{Hash: fmt.Sprintf("0xnormal%d", number), From: alice, To: bob, Value: weiFromETH(300), Gas: 21000},
			{Hash: fmt.Sprintf("0xsmall%d", number), From: alice, To: bob, Value: weiFromETH(150)},
			{Hash: fmt.Sprintf("0xcreate%d", number), From: alice, Value: weiFromETH(10_000)},
		},
	}
}

func newTestIngestor(t *testing.T, source HeadSource, blocks BlockFetcher, store WhaleStore, pub nats.Publisher) *Ingestor {
	t.Helper()
	dir, err := whale.NewDefaultDirectory()
	require.NoError(t, err)

	recorder := NewRecorder(store, pub, time.Second, nil, testLogger())
	return NewIngestor(source, blocks, recorder, Config{
		Thresholds:     whale.DefaultThresholds(),
		Exchanges:      dir,
		Rates:          whale.DefaultRate,
		Workers:        2,
		ReconnectDelay: 10 * time.Millisecond,
		NodeTimeout:    time.Second,
	}, nil, testLogger())
}

func TestProcessBlock_ClassifiesAndRecords(t *testing.T) {
	store := memory.New()
	pub := nats.NewMockPublisher()
	blocks := &fakeBlocks{blocks: map[uint64]*ethereum.Block{100: testBlock(100)}}
	ing := newTestIngestor(t, &fakeSource{}, blocks, store, pub)

	require.NoError(t, ing.ProcessBlock(context.Background(), 100))

	high, err := store.GetWhale(context.Background(), "0xhigh100")
	require.NoError(t, err)
	assert.Equal(t, whale.PriorityHigh, high.Priority)
	assert.True(t, high.ExchangeInvolved)
	assert.Equal(t, "600", high.ValueETH.String())
	require.True(t, high.ValueUSD.Valid)
	assert.Equal(t, "1080000", high.ValueUSD.Decimal.String())
	assert.Equal(t, int64(21000), high.GasUsed)
	assert.Equal(t, "30000000000", high.GasPrice.String())
	assert.Equal(t, "alchemy", high.Source)
	assert.Len(t, high.IngestID, 36)

	normal, err := store.GetWhale(context.Background(), "0xnormal100")
	require.NoError(t, err)
	assert.Equal(t, whale.PriorityNormal, normal.Priority)
	assert.False(t, normal.ExchangeInvolved)

	_, err = store.GetWhale(context.Background(), "0xsmall100")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.GetWhale(context.Background(), "0xcreate100")
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.Len(t, pub.WhaleEvents(), 2)
}

func TestProcessBlock_Idempotent(t *testing.T) {
	store := memory.New()
	pub := nats.NewMockPublisher()
	blocks := &fakeBlocks{blocks: map[uint64]*ethereum.Block{100: testBlock(100)}}
	ing := newTestIngestor(t, &fakeSource{}, blocks, store, pub)

	for i := 0; i < 3; i++ {
		require.NoError(t, ing.ProcessBlock(context.Background(), 100))
	}

	whales, err := store.ListWhales(context.Background(), db.ListWhalesParams{})
	require.NoError(t, err)
	assert.Len(t, whales, 2)
	assert.Len(t, pub.WhaleEvents(), 2, "duplicates are not republished")
}

func TestProcessBlock_FetchError(t *testing.T) {
	ing := newTestIngestor(t, &fakeSource{}, &fakeBlocks{blocks: map[uint64]*ethereum.Block{}}, memory.New(), nil)
	err := ing.ProcessBlock(context.Background(), 5)
	assert.ErrorIs(t, err, ethereum.ErrBlockNotFound)
}

type failingRates struct{}

func (failingRates) ETHUSD(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("oracle down")
}

func TestProcessBlock_NoRateRecordsNullEstimate(t *testing.T) {
	store := memory.New()
	blocks := &fakeBlocks{blocks: map[uint64]*ethereum.Block{7: testBlock(7)}}
	ing := newTestIngestor(t, &fakeSource{}, blocks, store, nil)
	ing.cfg.Rates = failingRates{}

	require.NoError(t, ing.ProcessBlock(context.Background(), 7))

	w, err := store.GetWhale(context.Background(), "0xhigh7")
	require.NoError(t, err)
	assert.False(t, w.ValueUSD.Valid)
}

func TestRecorder_PublishFailureDoesNotFailRecord(t *testing.T) {
	store := memory.New()
	pub := nats.NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))
	rec := NewRecorder(store, pub, time.Second, nil, testLogger())

	params := db.CreateWhaleParams{TxHash: "0xa", ValueETH: decimal.NewFromInt(600), Priority: whale.PriorityHigh}
	result, err := rec.Record(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	result, err = rec.Record(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, result)
}

func TestRun_ReconnectsAndProcessesBlocks(t *testing.T) {
	first := newFakeSub(1, 2)
	first.fail(errors.New("connection reset"))
	second := newFakeSub(3)
	source := &fakeSource{
		subs: []*fakeSub{first, second},
	}
	blocks := &fakeBlocks{blocks: map[uint64]*ethereum.Block{1: testBlock(1), 2: testBlock(2), 3: testBlock(3)}}
	store := memory.New()
	ing := newTestIngestor(t, source, blocks, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	require.Eventually(t, func() bool { return blocks.fetchCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ing.State() == Listening }, time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())
	assert.Equal(t, 2, source.callCount())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.Equal(t, Disconnected, ing.State())
	assert.True(t, second.closed.Load())

	whales, err := store.ListWhales(context.Background(), db.ListWhalesParams{})
	require.NoError(t, err)
	assert.Len(t, whales, 6)
}

func TestRun_RetriesFailedSubscribe(t *testing.T) {
	source := &fakeSource{
		errs: []error{errors.New("dial refused"), errors.New("dial refused")},
		subs: []*fakeSub{nil, nil, newFakeSub(9)},
	}
	blocks := &fakeBlocks{blocks: map[uint64]*ethereum.Block{9: testBlock(9)}}
	ing := newTestIngestor(t, source, blocks, memory.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	require.Eventually(t, func() bool { return blocks.fetchCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, source.callCount())

	cancel()
	assert.NoError(t, <-done)
}

// slowBlocks holds each fetch until released so shutdown can be observed
// with work in flight.
type slowBlocks struct {
	started chan struct{}
	release chan struct{}
}

func (s *slowBlocks) BlockByNumber(ctx context.Context, n uint64) (*ethereum.Block, error) {
	s.started <- struct{}{}
	<-s.release
	return testBlock(n), nil
}

func TestRun_WaitsForInFlightBlocks(t *testing.T) {
	blocks := &slowBlocks{started: make(chan struct{}, 1), release: make(chan struct{})}
	store := memory.New()
	ing := newTestIngestor(t, &fakeSource{subs: []*fakeSub{newFakeSub(42)}}, blocks, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	<-blocks.started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight block finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(blocks.release)
	require.NoError(t, <-done)

	_, err := store.GetWhale(context.Background(), "0xhigh42")
	assert.NoError(t, err, "in-flight block completes after shutdown")
}

// panickyBlocks panics when asked for one block and serves the rest normally.
type panickyBlocks struct {
	*fakeBlocks
	bad uint64
}

func (p *panickyBlocks) BlockByNumber(ctx context.Context, n uint64) (*ethereum.Block, error) {
	if n == p.bad {
		panic("malformed block")
	}
	return p.fakeBlocks.BlockByNumber(ctx, n)
}

func TestRun_SurvivesPanickingBlock(t *testing.T) {
	blocks := &panickyBlocks{
		fakeBlocks: &fakeBlocks{blocks: map[uint64]*ethereum.Block{8: testBlock(8)}},
		bad:        7,
	}
	store := memory.New()
	ing := newTestIngestor(t, &fakeSource{subs: []*fakeSub{newFakeSub(7, 8)}}, blocks, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.GetWhale(context.Background(), "0xhigh8")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Listening, ing.State())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestProcessBlockSafely_RecoversPanic(t *testing.T) {
	blocks := &panickyBlocks{fakeBlocks: &fakeBlocks{}, bad: 3}
	ing := newTestIngestor(t, &fakeSource{}, blocks, memory.New(), nil)

	var err error
	assert.NotPanics(t, func() { err = ing.processBlockSafely(context.Background(), 3) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: malformed block")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "subscribing", Subscribing.String())
	assert.Equal(t, "listening", Listening.String())
}
