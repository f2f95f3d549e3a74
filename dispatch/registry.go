// Package dispatch routes decoded log entries to the handlers registered for
// their event name and advances the consumer's watermark once a block's
// handlers have all settled.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/metrics"
	"arbsync/queue"
)

// Handler reacts to one log entry.
type Handler func(ctx context.Context, entry ledger.LogEntry) error

// WatermarkStore persists the last fully processed block per consumer.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, consumer string) (uint64, bool, error)
	SetWatermark(ctx context.Context, consumer string, block uint64) error
}

// Registry is instance-owned: one per pipeline, torn down with Clear.
type Registry struct {
	consumer string
	queue    *queue.Queue
	store    WatermarkStore

	mu       sync.RWMutex
	handlers map[string][]Handler

	wmMu      sync.Mutex
	watermark uint64
	has       bool
	loaded    bool
}

// NewRegistry submits handler work to q. A nil store keeps the watermark in
// memory only.
func NewRegistry(consumer string, q *queue.Queue, store WatermarkStore) *Registry {
	return &Registry{
		consumer: consumer,
		queue:    q,
		store:    store,
		handlers: map[string][]Handler{},
	}
}

// Register appends h to the handlers for eventName.
func (r *Registry) Register(eventName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventName] = append(r.handlers[eventName], h)
}

// Deregister removes every handler for eventName.
func (r *Registry) Deregister(eventName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, eventName)
}

// Clear removes every handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = map[string][]Handler{}
}

// Events lists the event names that have handlers, sorted.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(eventName string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers[eventName]...)
}

// Dispatch queues one task per handler registered for entry.EventName and
// returns without waiting for them. A queue admission error is returned as is.
func (r *Registry) Dispatch(ctx context.Context, entry ledger.LogEntry) error {
	return r.dispatch(ctx, entry, r.queue.Push)
}

func (r *Registry) dispatch(ctx context.Context, entry ledger.LogEntry, push func(queue.Task) error) error {
	for _, h := range r.lookup(entry.EventName) {
		if err := push(r.task(h, entry)); err != nil {
			logging.L(ctx).Warnf("Dropped %s at block %d (tx=%s idx=%d): %s",
				entry.EventName, entry.BlockNumber, entry.TxHash.Hex(), entry.LogIndex, err)
			return fmt.Errorf("dispatch: %s at block %d: %w", entry.EventName, entry.BlockNumber, err)
		}
	}
	return nil
}

// DispatchBlock dispatches every entry of one block and then queues the
// watermark advance to block. The returned handle settles once that advance
// has run, which is after every handler task queued before it. A bounded
// queue that is full holds DispatchBlock back until it has room.
func (r *Registry) DispatchBlock(ctx context.Context, block uint64, entries []ledger.LogEntry) (*queue.Handle, error) {
	push := func(t queue.Task) error { return r.queue.PushWait(ctx, t) }
	for _, e := range entries {
		if e.BlockNumber != block {
			return nil, fmt.Errorf("dispatch: entry from block %d in batch for block %d", e.BlockNumber, block)
		}
		if err := r.dispatch(ctx, e, push); err != nil {
			return nil, err
		}
	}
	return r.Advance(ctx, block)
}

// Advance queues a watermark move to block behind all queued handler work,
// waiting for room in a full queue.
func (r *Registry) Advance(ctx context.Context, block uint64) (*queue.Handle, error) {
	h, err := r.queue.FetchWait(ctx, func(ctx context.Context) error {
		return r.setWatermark(ctx, block)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: advance to %d: %w", block, err)
	}
	return h, nil
}

// Watermark returns the last fully processed block and whether one exists.
func (r *Registry) Watermark(ctx context.Context) (uint64, bool, error) {
	r.wmMu.Lock()
	defer r.wmMu.Unlock()
	if err := r.load(ctx); err != nil {
		return 0, false, err
	}
	return r.watermark, r.has, nil
}

func (r *Registry) task(h Handler, entry ledger.LogEntry) queue.Task {
	return func(ctx context.Context) error {
		ctx = logging.WithLogField(ctx, "consumer", r.consumer)
		ctx = logging.WithLogField(ctx, "event", entry.EventName)
		start := time.Now()
		err := h(ctx, entry)
		metrics.HandlerDuration.WithLabelValues(entry.EventName).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.HandlerFailures.WithLabelValues(entry.EventName).Inc()
			logging.L(ctx).Errorf("Handler failed for block=%d tx=%s idx=%d: %s",
				entry.BlockNumber, entry.TxHash.Hex(), entry.LogIndex, err)
		}
		// failures settle like successes; the notification is dropped
		return nil
	}
}

// load must be called with wmMu held.
func (r *Registry) load(ctx context.Context) error {
	if r.loaded || r.store == nil {
		r.loaded = true
		return nil
	}
	block, ok, err := r.store.GetWatermark(ctx, r.consumer)
	if err != nil {
		return fmt.Errorf("dispatch: load watermark for %s: %w", r.consumer, err)
	}
	r.watermark, r.has, r.loaded = block, ok, true
	if ok {
		metrics.Watermark.WithLabelValues(r.consumer).Set(float64(block))
	}
	return nil
}

func (r *Registry) setWatermark(ctx context.Context, block uint64) error {
	r.wmMu.Lock()
	defer r.wmMu.Unlock()
	if err := r.load(ctx); err != nil {
		return err
	}
	if r.has && block <= r.watermark {
		return nil
	}
	if r.store != nil {
		if err := r.store.SetWatermark(ctx, r.consumer, block); err != nil {
			return fmt.Errorf("dispatch: set watermark for %s to %d: %w", r.consumer, block, err)
		}
	}
	r.watermark, r.has = block, true
	metrics.Watermark.WithLabelValues(r.consumer).Set(float64(block))
	logging.L(ctx).Debugf("Watermark for %s advanced to %d", r.consumer, block)
	return nil
}
