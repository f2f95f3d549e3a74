package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbsync/cache"
	"arbsync/ledger"
	"arbsync/ledger/ledgertest"
	"arbsync/model"
	"arbsync/watcher"
)

var (
	arbitrator = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	agreement  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	viewer     = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

type pushes struct {
	mu  sync.Mutex
	got []model.Notification
}

func (p *pushes) push(_ context.Context, n model.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, n)
}

func (p *pushes) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func newService(t *testing.T) (*Service, *ledgertest.Fake, *cache.MemoryStore) {
	f := ledgertest.New()
	store := cache.NewMemoryStore()
	_, err := store.UpdateContractRecord(context.Background(), viewer, model.ContractRecord{
		Address: agreement, Arbitrator: arbitrator, PartyA: viewer,
	})
	require.NoError(t, err)
	s := New(f, store, Config{
		Arbitrator:   arbitrator,
		PollInterval: 5 * time.Millisecond,
		RetryBase:    time.Millisecond,
		RetryMax:     3,
	})
	t.Cleanup(s.Close)
	return s, f, store
}

func TestWatchForEventsCatchesUpAndTails(t *testing.T) {
	s, f, _ := newService(t)
	f.AddLogs(ledgertest.DisputeCreation(arbitrator, 4, 0, 1, agreement))

	p := &pushes{}
	ctx := context.Background()
	require.NoError(t, s.WatchForEvents(ctx, viewer, p.push))
	assert.True(t, s.Watching(viewer))
	assert.Equal(t, 1, p.len())

	unread, err := s.GetUnreadNotifications(ctx, viewer)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, model.TypeDisputeCreated, unread[0].Type)

	// second watch is a no-op
	require.NoError(t, s.WatchForEvents(ctx, viewer, p.push))

	f.AddLogs(ledgertest.AppealPossible(arbitrator, 9, 0, 1, agreement))
	require.Eventually(t, func() bool { return p.len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.MarkNotificationRead(ctx, viewer, unread[0].Key))
	unread, err = s.GetUnreadNotifications(ctx, viewer)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, model.TypeAppealPossible, unread[0].Type)

	s.StopWatchingForEvents(viewer)
	assert.False(t, s.Watching(viewer))
}

func TestWatchForEventsRetriesTransientCatchup(t *testing.T) {
	s, f, _ := newService(t)
	f.SetHead(3)
	f.FailNextLogs(fmt.Errorf("%w: timeout", ledger.ErrTransient), fmt.Errorf("%w: timeout", ledger.ErrTransient))

	require.NoError(t, s.WatchForEvents(context.Background(), viewer, nil))
	assert.True(t, s.Watching(viewer))
	assert.GreaterOrEqual(t, f.Calls("GetLogs"), 3)
}

func TestWatchForEventsSurfacesTerminalFailure(t *testing.T) {
	s, f, _ := newService(t)
	f.SetHead(3)
	f.FailNextLogs(errors.New("malformed response"))

	err := s.WatchForEvents(context.Background(), viewer, nil)
	require.ErrorIs(t, err, watcher.ErrCatchup)
	assert.False(t, IsTransient(err))
	assert.False(t, s.Watching(viewer))
	assert.Equal(t, 1, f.Calls("GetLogs"))
}

func TestWatermarkSurvivesRestart(t *testing.T) {
	s, f, store := newService(t)
	f.AddLogs(ledgertest.DisputeCreation(arbitrator, 4, 0, 1, agreement))
	require.NoError(t, s.WatchForEvents(context.Background(), viewer, nil))
	s.StopWatchingForEvents(viewer)
	s.Close()

	block, ok, err := store.GetWatermark(context.Background(), consumer(viewer))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), block)

	f.SetHead(6)
	restarted := New(f, store, Config{Arbitrator: arbitrator, PollInterval: time.Hour})
	t.Cleanup(restarted.Close)
	before := len(f.LogQueries())
	require.NoError(t, restarted.WatchForEvents(context.Background(), viewer, nil))
	queries := f.LogQueries()[before:]
	require.NotEmpty(t, queries)
	assert.Equal(t, uint64(5), queries[0].FromBlock)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ledger.ErrTransient)))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", cache.ErrTransient)))
	assert.False(t, IsTransient(ledger.ErrDisputeNotFound))
	assert.False(t, IsTransient(nil))
}
