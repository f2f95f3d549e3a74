package dispute

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"arbsync/ledger"
	"arbsync/logging"
)

// IndexSource is the ledger surface the index reads.
type IndexSource interface {
	GetLogs(ctx context.Context, q ledger.Query) ([]ledger.LogEntry, error)
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	GetDispute(ctx context.Context, arbitrator common.Address, disputeID uint64) (ledger.Dispute, error)
}

// Index tracks the dispute ids of one arbitrator from its DisputeCreation
// logs and remembers which of them are executed, so that finding the
// disputes open in a session never walks ids that cannot match.
type Index struct {
	source      IndexSource
	arbitrator  common.Address
	maxRange    uint64
	concurrency int

	mu       sync.Mutex
	next     uint64
	ids      []uint64
	executed map[uint64]bool
}

type IndexOption func(*Index)

// WithIndexRange bounds the block span of one DisputeCreation query.
func WithIndexRange(n uint64) IndexOption {
	return func(ix *Index) {
		if n > 0 {
			ix.maxRange = n
		}
	}
}

// WithIndexConcurrency bounds the parallel GetDispute reads.
func WithIndexConcurrency(n int) IndexOption {
	return func(ix *Index) {
		if n > 0 {
			ix.concurrency = n
		}
	}
}

func NewIndex(source IndexSource, arbitrator common.Address, opts ...IndexOption) *Index {
	ix := &Index{
		source:      source,
		arbitrator:  arbitrator,
		maxRange:    5000,
		concurrency: 8,
		executed:    map[uint64]bool{},
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Add records a dispute id seen outside of Refresh.
func (ix *Index) Add(disputeID uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.add(disputeID)
}

func (ix *Index) add(id uint64) {
	if i, found := slices.BinarySearch(ix.ids, id); !found {
		ix.ids = slices.Insert(ix.ids, i, id)
	}
}

// Refresh pulls DisputeCreation logs up to the current head.
func (ix *Index) Refresh(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	head, err := ix.source.CurrentBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("dispute: index head: %w", err)
	}
	for ix.next <= head {
		end := min(head, ix.next+ix.maxRange-1)
		entries, err := ix.source.GetLogs(ctx, ledger.Query{
			Contract:  ix.arbitrator,
			EventName: ledger.EventDisputeCreation,
			FromBlock: ix.next,
			ToBlock:   end,
		})
		if err != nil {
			return fmt.Errorf("dispute: index [%d,%d]: %w", ix.next, end, err)
		}
		for _, e := range entries {
			id, err := e.Uint64("_disputeID")
			if err != nil {
				logging.L(ctx).Warnf("Skipping DisputeCreation tx=%s: %s", e.TxHash.Hex(), err)
				continue
			}
			ix.add(id)
		}
		ix.next = end + 1
	}
	return nil
}

// OpenInSession returns the disputes whose last session is session and whose
// state is OPEN or RESOLVING, ordered by id.
func (ix *Index) OpenInSession(ctx context.Context, session uint64) ([]ledger.Dispute, error) {
	if err := ix.Refresh(ctx); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	candidates := make([]uint64, 0, len(ix.ids))
	for _, id := range ix.ids {
		if !ix.executed[id] {
			candidates = append(candidates, id)
		}
	}
	ix.mu.Unlock()

	disputes := make([]ledger.Dispute, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)
	for i, id := range candidates {
		g.Go(func() error {
			d, err := ix.source.GetDispute(gctx, ix.arbitrator, id)
			if err != nil {
				return fmt.Errorf("dispute: index read %d: %w", id, err)
			}
			disputes[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	var open []ledger.Dispute
	for _, d := range disputes {
		if d.State == ledger.StateExecuted {
			ix.executed[d.ID] = true
			continue
		}
		if d.LastSession() == session && d.State <= ledger.StateResolving {
			open = append(open, d)
		}
	}
	return open, nil
}
