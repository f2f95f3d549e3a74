// Package notification turns arbitrator logs into persisted notifications
// and cache updates for one viewer, and computes the viewer's stateful
// notifications on demand.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/cache"
	"arbsync/dispatch"
	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/metrics"
	"arbsync/model"
)

// PushFunc receives every notification the engine persists.
type PushFunc func(ctx context.Context, n model.Notification)

// OpenDisputes lists the disputes open in a session. *dispute.Index
// implements it.
type OpenDisputes interface {
	OpenInSession(ctx context.Context, session uint64) ([]ledger.Dispute, error)
}

type Engine struct {
	viewer     common.Address
	arbitrator common.Address
	ledger     ledger.Client
	store      cache.Store
	open       OpenDisputes
	push       PushFunc
	now        func() time.Time
	limit      int
}

type Option func(*Engine)

func WithPush(push PushFunc) Option {
	return func(e *Engine) { e.push = push }
}

// WithClock replaces the clock stamped on stateful notifications.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConcurrency bounds the parallel ledger reads of one stateful poll.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

func NewEngine(viewer, arbitrator common.Address, l ledger.Client, store cache.Store, open OpenDisputes, opts ...Option) *Engine {
	e := &Engine{
		viewer:     viewer,
		arbitrator: arbitrator,
		ledger:     l,
		store:      store,
		open:       open,
		now:        time.Now,
		limit:      8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds the engine's handlers to r. For events that both update the
// cache and notify, the cache update is registered first so that it has
// settled when the notification is built.
func (e *Engine) Register(r *dispatch.Registry) {
	r.Register(ledger.EventDisputeCreation, e.cacheDisputeCreation)
	r.Register(ledger.EventDisputeCreation, e.onDisputeCreation)
	r.Register(ledger.EventAppealPossible, e.onAppealPossible)
	r.Register(ledger.EventAppealDecision, e.cacheAppealDecision)
	r.Register(ledger.EventAppealDecision, e.onAppealDecision)
	r.Register(ledger.EventTokenShift, e.cacheTokenShift)
	r.Register(ledger.EventTokenShift, e.onTokenShift)
	r.Register(ledger.EventArbitrationReward, e.onArbitrationReward)
	r.Register(ledger.EventNewPeriod, e.onNewPeriod)
}

// notify persists one event-driven notification. A key that already exists
// is a successful no-op and is not pushed again.
func (e *Engine) notify(ctx context.Context, entry ledger.LogEntry, subject string, typ model.NotificationType, message string, payload map[string]any) error {
	at, err := e.ledger.GetBlockTimestamp(ctx, entry.BlockNumber)
	if err != nil {
		return fmt.Errorf("notification: timestamp of block %d: %w", entry.BlockNumber, err)
	}
	n := model.Notification{
		Account: e.viewer,
		Key: model.NotificationKey{
			TxHash:   entry.TxHash,
			LogIndex: entry.LogIndex,
			Subject:  subject,
		},
		BlockNumber: entry.BlockNumber,
		Type:        typ,
		Message:     message,
		Payload:     payload,
		CreatedAt:   at.UTC(),
	}
	err = e.store.NewNotification(ctx, n)
	switch {
	case errors.Is(err, cache.ErrDuplicateNotification):
		metrics.Notifications.WithLabelValues(string(typ), "duplicate").Inc()
		logging.L(ctx).Debugf("Notification %s for %s already exists", typ, entry.Key())
		return nil
	case err != nil:
		return fmt.Errorf("notification: persist %s: %w", typ, err)
	}
	metrics.Notifications.WithLabelValues(string(typ), "created").Inc()
	if e.push != nil {
		e.push(ctx, n)
	}
	return nil
}

// profile returns the viewer's cached profile; an account never written has
// an empty one.
func (e *Engine) profile(ctx context.Context) (model.Profile, error) {
	p, err := e.store.GetUserProfile(ctx, e.viewer)
	if errors.Is(err, cache.ErrNotFound) {
		return model.Profile{Account: e.viewer}, nil
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("notification: profile %s: %w", e.viewer.Hex(), err)
	}
	return p, nil
}

func disputeSubject(arbitrator common.Address, disputeID uint64) string {
	return fmt.Sprintf("%s/%d", arbitrator.Hex(), disputeID)
}
