package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbsync/cache"
	"arbsync/dispatch"
	"arbsync/ledger"
	"arbsync/ledger/ledgertest"
	"arbsync/queue"
)

var (
	arbitrator = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	arbitrable = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(_ context.Context, e ledger.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, fmt.Sprintf("%d/%d", e.BlockNumber, e.LogIndex))
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type fixture struct {
	ledger   *ledgertest.Fake
	store    *cache.MemoryStore
	registry *dispatch.Registry
	rec      *recorder
}

func newFixture(t *testing.T, opts ...queue.Option) *fixture {
	q := queue.New(append([]queue.Option{queue.WithName("watcher-test")}, opts...)...)
	t.Cleanup(q.Close)
	store := cache.NewMemoryStore()
	f := &fixture{
		ledger:   ledgertest.New(),
		store:    store,
		registry: dispatch.NewRegistry("viewer", q, store),
		rec:      &recorder{},
	}
	f.registry.Register(ledger.EventDisputeCreation, f.rec.handle)
	return f
}

func (f *fixture) watermark(t *testing.T) uint64 {
	block, _, err := f.registry.Watermark(context.Background())
	require.NoError(t, err)
	return block
}

func TestCatchupReplaysInOrderAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddLogs(
		ledgertest.DisputeCreation(arbitrator, 7, 1, 3, arbitrable),
		ledgertest.DisputeCreation(arbitrator, 3, 0, 1, arbitrable),
		ledgertest.DisputeCreation(arbitrator, 7, 0, 2, arbitrable),
		ledgertest.DisputeCreation(arbitrator, 5, 4, 4, arbitrable),
	)
	f.ledger.SetHead(10)

	w := New(f.ledger, WithMaxBlockRange(2), WithPollInterval(time.Hour))
	t.Cleanup(w.StopAll)

	_, err := w.Watch(context.Background(), arbitrator, f.registry)
	require.NoError(t, err)

	assert.Equal(t, []string{"3/0", "5/4", "7/0", "7/1"}, f.rec.snapshot())
	assert.Equal(t, uint64(10), f.watermark(t))

	queries := f.ledger.LogQueries()
	require.Len(t, queries, 6)
	assert.Equal(t, uint64(0), queries[0].FromBlock)
	assert.Equal(t, uint64(1), queries[0].ToBlock)
	assert.Equal(t, uint64(10), queries[5].ToBlock)
}

func TestWatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetHead(4)
	w := New(f.ledger, WithPollInterval(time.Hour))
	t.Cleanup(w.StopAll)

	first, err := w.Watch(context.Background(), arbitrator, f.registry)
	require.NoError(t, err)
	calls := f.ledger.Calls("GetLogs")

	second, err := w.Watch(context.Background(), arbitrator, f.registry)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, calls, f.ledger.Calls("GetLogs"))
	assert.True(t, w.Watching(arbitrator))
}

func TestCatchupFailureKeepsWatermarkAndRetries(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddLogs(
		ledgertest.DisputeCreation(arbitrator, 1, 0, 1, arbitrable),
		ledgertest.DisputeCreation(arbitrator, 6, 0, 2, arbitrable),
	)
	f.ledger.SetHead(8)

	w := New(f.ledger, WithMaxBlockRange(4), WithPollInterval(time.Hour))
	t.Cleanup(w.StopAll)

	// first chunk [0,3] succeeds, second [4,7] fails
	f.ledger.FailNextLogs(nil)
	f.ledger.FailNextLogs(fmt.Errorf("%w: timeout", ledger.ErrTransient))

	_, err := w.Watch(context.Background(), arbitrator, f.registry)
	require.ErrorIs(t, err, ErrCatchup)
	require.ErrorIs(t, err, ledger.ErrTransient)
	assert.False(t, w.Watching(arbitrator))

	// let the queued advance for the first chunk settle
	h, err := f.registry.Advance(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, uint64(3), f.watermark(t))

	_, err = w.Watch(context.Background(), arbitrator, f.registry)
	require.NoError(t, err)
	assert.Equal(t, []string{"1/0", "6/0"}, f.rec.snapshot())
	assert.Equal(t, uint64(8), f.watermark(t))
}

func TestCatchupWaitsForRoomInBoundedQueue(t *testing.T) {
	f := newFixture(t, queue.WithMaxDepth(2))
	slow := &recorder{}
	f.registry.Register(ledger.EventDisputeCreation, func(ctx context.Context, e ledger.LogEntry) error {
		time.Sleep(time.Millisecond)
		return slow.handle(ctx, e)
	})
	var want []string
	for block := uint64(1); block <= 12; block++ {
		f.ledger.AddLogs(ledgertest.DisputeCreation(arbitrator, block, 0, block, arbitrable))
		want = append(want, fmt.Sprintf("%d/0", block))
	}

	w := New(f.ledger, WithMaxBlockRange(100), WithPollInterval(time.Hour))
	t.Cleanup(w.StopAll)

	_, err := w.Watch(context.Background(), arbitrator, f.registry)
	require.NoError(t, err)
	assert.Equal(t, want, f.rec.snapshot())
	assert.Equal(t, want, slow.snapshot())
	assert.Equal(t, uint64(12), f.watermark(t))
}

func TestResumesFromStoredWatermark(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetWatermark(context.Background(), "viewer", 5))
	f.ledger.AddLogs(
		ledgertest.DisputeCreation(arbitrator, 3, 0, 1, arbitrable),
		ledgertest.DisputeCreation(arbitrator, 7, 0, 2, arbitrable),
	)

	w := New(f.ledger, WithPollInterval(time.Hour))
	t.Cleanup(w.StopAll)
	_, err := w.Watch(context.Background(), arbitrator, f.registry)
	require.NoError(t, err)
	assert.Equal(t, []string{"7/0"}, f.rec.snapshot())
}

func TestLiveTailingAndStop(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetHead(2)

	w := New(f.ledger, WithPollInterval(5*time.Millisecond))
	sub, err := w.Watch(context.Background(), arbitrator, f.registry)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	f.ledger.AddLogs(ledgertest.DisputeCreation(arbitrator, 4, 0, 1, arbitrable))
	require.Eventually(t, func() bool {
		return len(f.rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		block, _, err := f.registry.Watermark(context.Background())
		return err == nil && block == 4
	}, time.Second, 5*time.Millisecond)

	w.StopWatching(arbitrator)
	<-sub.Done()
	assert.NoError(t, sub.Err())
	assert.False(t, w.Watching(arbitrator))

	f.ledger.AddLogs(ledgertest.DisputeCreation(arbitrator, 6, 0, 2, arbitrable))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.rec.snapshot(), 1)
}

func TestGroupByBlock(t *testing.T) {
	entries := []ledger.LogEntry{
		{BlockNumber: 1, LogIndex: 0},
		{BlockNumber: 1, LogIndex: 3},
		{BlockNumber: 4, LogIndex: 0},
	}
	groups := groupByBlock(entries)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Nil(t, groupByBlock(nil))
}
