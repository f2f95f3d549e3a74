// Package watcher tails a contract's logs: a synchronous catch-up over
// [fromBlock, head] followed by live polling from head+1.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/metrics"
	"arbsync/queue"
)

// ErrCatchup wraps the cause of an aborted catch-up. The watermark has not
// moved past any log that was not dispatched, so the caller may retry with the
// same starting block.
var ErrCatchup = errors.New("watcher: catch-up aborted")

// LogSource is the ledger surface the watcher reads.
type LogSource interface {
	GetLogs(ctx context.Context, q ledger.Query) ([]ledger.LogEntry, error)
	CurrentBlockHeight(ctx context.Context) (uint64, error)
}

// Sink receives entries grouped by block. *dispatch.Registry implements it.
type Sink interface {
	DispatchBlock(ctx context.Context, block uint64, entries []ledger.LogEntry) (*queue.Handle, error)
	Advance(ctx context.Context, block uint64) (*queue.Handle, error)
	Watermark(ctx context.Context) (uint64, bool, error)
}

type Watcher struct {
	source       LogSource
	pollInterval time.Duration
	maxRange     uint64

	mu   sync.Mutex
	subs map[common.Address]*Subscription
}

type Option func(*Watcher)

func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithMaxBlockRange bounds the block span of a single log query.
func WithMaxBlockRange(n uint64) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.maxRange = n
		}
	}
}

func New(source LogSource, opts ...Option) *Watcher {
	w := &Watcher{
		source:       source,
		pollInterval: 4 * time.Second,
		maxRange:     5000,
		subs:         map[common.Address]*Subscription{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscription is the handle of one live tail.
type Subscription struct {
	ID       string
	Contract common.Address

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when live tailing stops.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why live tailing stopped, nil after StopWatching.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

type watchConfig struct {
	fromBlock *uint64
}

type WatchOption func(*watchConfig)

// WithFromBlock overrides the starting block derived from the watermark.
func WithFromBlock(block uint64) WatchOption {
	return func(c *watchConfig) { c.fromBlock = &block }
}

// Watch catches up contract's logs into sink and then tails them. It returns
// once catch-up has been dispatched and fully handled. Watching a contract
// that already has an active subscription returns that subscription.
func (w *Watcher) Watch(ctx context.Context, contract common.Address, sink Sink, opts ...WatchOption) (*Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sub, ok := w.subs[contract]; ok {
		select {
		case <-sub.done:
			delete(w.subs, contract)
		default:
			return sub, nil
		}
	}

	var conf watchConfig
	for _, opt := range opts {
		opt(&conf)
	}
	ctx = logging.WithLogField(ctx, "contract", contract.Hex())

	from, err := w.startBlock(ctx, sink, conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatchup, err)
	}
	head, err := w.source.CurrentBlockHeight(ctx)
	if err != nil {
		metrics.CatchupErrors.Inc()
		return nil, fmt.Errorf("%w: head: %w", ErrCatchup, err)
	}
	if err := w.replay(ctx, contract, sink, from, head); err != nil {
		metrics.CatchupErrors.Inc()
		return nil, fmt.Errorf("%w: [%d,%d]: %w", ErrCatchup, from, head, err)
	}
	logging.L(ctx).Infof("Caught up blocks %d..%d, tailing from %d", from, head, head+1)

	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		ID:       uuid.NewString(),
		Contract: contract,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.subs[contract] = sub
	go w.tail(logging.WithLogField(liveCtx, "subscription", sub.ID), sub, sink, head+1)
	return sub, nil
}

func (w *Watcher) startBlock(ctx context.Context, sink Sink, conf watchConfig) (uint64, error) {
	if conf.fromBlock != nil {
		return *conf.fromBlock, nil
	}
	block, ok, err := sink.Watermark(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return block + 1, nil
}

// replay dispatches [from, to] in chunks, ascending by block then log index,
// and waits until every queued handler has settled.
func (w *Watcher) replay(ctx context.Context, contract common.Address, sink Sink, from, to uint64) error {
	if from > to {
		return nil
	}
	var last *queue.Handle
	for start := from; start <= to; {
		end := to
		if end-start+1 > w.maxRange {
			end = start + w.maxRange - 1
		}
		entries, err := w.source.GetLogs(ctx, ledger.Query{Contract: contract, FromBlock: start, ToBlock: end})
		if err != nil {
			return err
		}
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].BlockNumber != entries[j].BlockNumber {
				return entries[i].BlockNumber < entries[j].BlockNumber
			}
			return entries[i].LogIndex < entries[j].LogIndex
		})
		for _, batch := range groupByBlock(entries) {
			if _, err := sink.DispatchBlock(ctx, batch[0].BlockNumber, batch); err != nil {
				return err
			}
		}
		if last, err = sink.Advance(ctx, end); err != nil {
			return err
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return last.Wait(ctx)
}

func (w *Watcher) tail(ctx context.Context, sub *Subscription, sink Sink, next uint64) {
	defer close(sub.done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		head, err := w.source.CurrentBlockHeight(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.CatchupErrors.Inc()
			logging.L(ctx).Warnf("Polling head failed: %s", err)
			continue
		}
		if head < next {
			continue
		}
		if err := w.replay(ctx, sub.Contract, sink, next, head); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				sub.err = err
				return
			}
			metrics.CatchupErrors.Inc()
			logging.L(ctx).Warnf("Live range %d..%d failed, retrying: %s", next, head, err)
			continue
		}
		next = head + 1
	}
}

// StopWatching ends live tailing for contract. Queued handler work drains.
func (w *Watcher) StopWatching(contract common.Address) {
	w.mu.Lock()
	sub, ok := w.subs[contract]
	delete(w.subs, contract)
	w.mu.Unlock()
	if ok {
		sub.cancel()
		<-sub.done
	}
}

// StopAll ends every live tail.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	subs := w.subs
	w.subs = map[common.Address]*Subscription{}
	w.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

// Watching reports whether contract has an active subscription.
func (w *Watcher) Watching(contract common.Address) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[contract]
	if !ok {
		return false
	}
	select {
	case <-sub.done:
		return false
	default:
		return true
	}
}

func groupByBlock(entries []ledger.LogEntry) [][]ledger.LogEntry {
	var out [][]ledger.LogEntry
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1][0].BlockNumber == e.BlockNumber {
			out[n-1] = append(out[n-1], e)
			continue
		}
		out = append(out, []ledger.LogEntry{e})
	}
	return out
}
