// Package syncer is the entry point callers use: it owns one pipeline
// (queue, dispatch registry, notification engine and log watcher) per
// watched viewer and forwards reads to the aggregator and the cache.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"

	"arbsync/cache"
	"arbsync/dispatch"
	"arbsync/dispute"
	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/model"
	"arbsync/notification"
	"arbsync/queue"
	"arbsync/watcher"
)

// Facade lists every operation exposed to callers.
type Facade interface {
	WatchForEvents(ctx context.Context, viewer common.Address, push notification.PushFunc) error
	StopWatchingForEvents(viewer common.Address)
	Watching(viewer common.Address) bool
	GetDisputeView(ctx context.Context, arbitrator common.Address, disputeID uint64, viewer common.Address) (dispute.View, error)
	GetStatefulNotifications(ctx context.Context, viewer common.Address, isJuror bool) ([]model.Notification, error)
	GetUnreadNotifications(ctx context.Context, viewer common.Address) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, viewer common.Address, key model.NotificationKey) error
}

// Config tunes the pipelines.
type Config struct {
	Arbitrator    common.Address
	PollInterval  time.Duration
	MaxBlockRange uint64
	MaxQueueDepth int
	RetryBase     time.Duration
	RetryMax      int
	// Concurrency bounds parallel ledger reads of the stateful and vote
	// round fan-outs.
	Concurrency int
}

type pipeline struct {
	queue    *queue.Queue
	registry *dispatch.Registry
	watcher  *watcher.Watcher
}

type Service struct {
	conf       Config
	ledger     ledger.Client
	store      cache.Store
	index      *dispute.Index
	aggregator *dispute.Service

	mu        sync.Mutex
	pipelines map[common.Address]*pipeline
	draining  sync.WaitGroup
}

var _ Facade = (*Service)(nil)

func New(l ledger.Client, store cache.Store, conf Config) *Service {
	if conf.RetryBase <= 0 {
		conf.RetryBase = 500 * time.Millisecond
	}
	if conf.RetryMax <= 0 {
		conf.RetryMax = 5
	}
	return &Service{
		conf:   conf,
		ledger: l,
		store:  store,
		index: dispute.NewIndex(l, conf.Arbitrator,
			dispute.WithIndexRange(conf.MaxBlockRange),
			dispute.WithIndexConcurrency(conf.Concurrency)),
		aggregator: dispute.NewService(l, dispute.WithStore(store)),
		pipelines:  map[common.Address]*pipeline{},
	}
}

// IsTransient reports whether err is a TransientSourceError of the ledger or
// the cache, in which case the operation may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ledger.ErrTransient) || errors.Is(err, cache.ErrTransient)
}

func consumer(viewer common.Address) string {
	return "viewer:" + viewer.Hex()
}

// WatchForEvents catches the viewer up from its watermark and then tails the
// arbitrator's logs, pushing every new notification to push. Transient
// failures during catch-up are retried with exponential backoff; watching a
// viewer twice is a no-op.
func (s *Service) WatchForEvents(ctx context.Context, viewer common.Address, push notification.PushFunc) error {
	if s.Watching(viewer) {
		return nil
	}
	ctx = logging.WithLogField(ctx, "viewer", viewer.Hex())

	name := consumer(viewer)
	q := queue.New(
		queue.WithName(name),
		queue.WithMaxDepth(s.conf.MaxQueueDepth),
		queue.WithContext(logging.WithLogField(context.Background(), "viewer", viewer.Hex())),
	)
	p := &pipeline{
		queue:    q,
		registry: dispatch.NewRegistry(name, q, s.store),
		watcher:  watcher.New(s.ledger, watcher.WithPollInterval(s.conf.PollInterval), watcher.WithMaxBlockRange(s.conf.MaxBlockRange)),
	}
	notification.NewEngine(viewer, s.conf.Arbitrator, s.ledger, s.store, s.index,
		notification.WithPush(push), notification.WithConcurrency(s.conf.Concurrency)).Register(p.registry)

	backoff := retry.NewExponential(s.conf.RetryBase)
	backoff = retry.WithMaxRetries(uint64(s.conf.RetryMax), backoff)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := p.watcher.Watch(ctx, s.conf.Arbitrator, p.registry)
		if IsTransient(err) {
			logging.L(ctx).Warnf("Catch-up failed, retrying: %s", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		p.watcher.StopAll()
		q.Close()
		return fmt.Errorf("syncer: watch %s: %w", viewer.Hex(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[viewer]; ok {
		// a concurrent call won; its pipeline already covers this viewer
		s.teardown(p)
		return nil
	}
	s.pipelines[viewer] = p
	logging.L(ctx).Infof("Watching for events")
	return nil
}

// StopWatchingForEvents ends the viewer's live subscription. Tasks already
// queued still run to completion.
func (s *Service) StopWatchingForEvents(viewer common.Address) {
	s.mu.Lock()
	p, ok := s.pipelines[viewer]
	delete(s.pipelines, viewer)
	if ok {
		s.teardown(p)
	}
	s.mu.Unlock()
}

// teardown must be called with mu held.
func (s *Service) teardown(p *pipeline) {
	p.watcher.StopAll()
	s.draining.Add(1)
	go func() {
		defer s.draining.Done()
		p.queue.Close()
		p.registry.Clear()
	}()
}

func (s *Service) Watching(viewer common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pipelines[viewer]
	return ok
}

// Close stops every pipeline and waits for their queues to drain.
func (s *Service) Close() {
	s.mu.Lock()
	for viewer, p := range s.pipelines {
		delete(s.pipelines, viewer)
		s.teardown(p)
	}
	s.mu.Unlock()
	s.draining.Wait()
}

func (s *Service) GetDisputeView(ctx context.Context, arbitrator common.Address, disputeID uint64, viewer common.Address) (dispute.View, error) {
	return s.aggregator.GetDisputeView(ctx, arbitrator, disputeID, viewer)
}

func (s *Service) GetStatefulNotifications(ctx context.Context, viewer common.Address, isJuror bool) ([]model.Notification, error) {
	return notification.NewEngine(viewer, s.conf.Arbitrator, s.ledger, s.store, s.index,
		notification.WithConcurrency(s.conf.Concurrency)).
		GetStatefulNotifications(ctx, isJuror)
}

func (s *Service) GetUnreadNotifications(ctx context.Context, viewer common.Address) ([]model.Notification, error) {
	out, err := s.store.GetNotifications(ctx, viewer, true)
	if err != nil {
		return nil, fmt.Errorf("syncer: unread notifications of %s: %w", viewer.Hex(), err)
	}
	return out, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, viewer common.Address, key model.NotificationKey) error {
	if err := s.store.MarkNotificationRead(ctx, viewer, key); err != nil {
		return fmt.Errorf("syncer: mark read: %w", err)
	}
	return nil
}
