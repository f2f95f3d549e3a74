// Package dispute aggregates ledger-side dispute facts with the viewer's
// cached facts into a View, and indexes the disputes open in a session.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"arbsync/cache"
	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/model"
)

var ErrNotFound = errors.New("dispute: not found")

// ProfileReader is the part of the cache the aggregator reads.
type ProfileReader interface {
	GetUserProfile(ctx context.Context, account common.Address) (model.Profile, error)
}

type Service struct {
	ledger ledger.Client
	store  ProfileReader
}

type Option func(*Service)

// WithStore sets the cache the aggregator merges from. Without one, every
// view is built as if the viewer had no cached record.
func WithStore(store ProfileReader) Option {
	return func(s *Service) { s.store = store }
}

func NewService(l ledger.Client, opts ...Option) *Service {
	s := &Service{ledger: l}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetDisputeView returns the merged view of the dispute for viewer. A
// dispute unknown to the ledger yields ErrNotFound; a dispute the viewer
// has no cached record for is built with empty appeal data.
func (s *Service) GetDisputeView(ctx context.Context, arbitrator common.Address, disputeID uint64, viewer common.Address) (View, error) {
	ctx = logging.WithLogField(ctx, "dispute", fmt.Sprintf("%s/%d", arbitrator.Hex(), disputeID))

	var (
		d       ledger.Dispute
		period  ledger.Period
		session uint64
		status  ledger.DisputeStatus
		profile model.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d, err = s.ledger.GetDispute(gctx, arbitrator, disputeID)
		return err
	})
	g.Go(func() (err error) {
		period, err = s.ledger.GetPeriod(gctx, arbitrator)
		return err
	})
	g.Go(func() (err error) {
		session, err = s.ledger.GetSession(gctx, arbitrator)
		return err
	})
	g.Go(func() (err error) {
		status, err = s.ledger.GetDisputeStatus(gctx, arbitrator, disputeID)
		return err
	})
	g.Go(func() (err error) {
		profile, err = s.profile(gctx, viewer)
		return err
	})
	if err := g.Wait(); err != nil {
		return View{}, s.wrap(arbitrator, disputeID, err)
	}

	rec, hasRecord := profile.Dispute(arbitrator, disputeID)
	if hasRecord {
		if err := rec.Validate(d.NumberOfAppeals); err != nil {
			logging.L(ctx).Warnf("Ignoring cached appeal data for %s: %s", viewer.Hex(), err)
			rec = withoutAppeals(rec)
		}
	}
	contract, _ := profile.Contract(d.Arbitrated)

	n := d.NumberOfAppeals
	view := View{
		Arbitrator:        arbitrator,
		DisputeID:         disputeID,
		ArbitrableAddress: d.Arbitrated,
		Viewer:            viewer,
		FirstSession:      d.FirstSession,
		LastSession:       d.LastSession(),
		NumberOfAppeals:   n,
		RulingChoices:     d.RulingChoices,
		State:             d.State,
		Status:            status,
		Period:            period,
		Session:           session,
		Evidence:          contract.Evidence,
		NetTokenShift:     new(big.Int),
		AppealJurors:      make([]AppealJuror, n+1),
		AppealRulings:     make([]AppealRuling, n+1),
	}
	if hasRecord {
		view.Description, view.Email = rec.Description, rec.Email
		if rec.NetTokenShift != nil {
			view.NetTokenShift.Set(rec.NetTokenShift)
		}
	}
	if view.Description == nil && contract.Description != "" {
		view.Description = &contract.Description
	}
	if view.Email == nil && contract.Email != "" {
		view.Email = &contract.Email
	}

	lastDraws := rec.DrawsAt(n)
	var (
		agreement   ledger.Agreement
		counts      = make([][]*big.Int, n+1)
		lastRuling  uint64
		lastCanRule bool
	)
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		agreement, err = s.ledger.GetAgreementData(gctx, d.Arbitrated)
		return err
	})
	for i := 0; i <= n; i++ {
		g.Go(func() (err error) {
			counts[i], err = s.ledger.GetVoteCounts(gctx, arbitrator, disputeID, i, d.RulingChoices)
			return err
		})
	}
	g.Go(func() (err error) {
		lastRuling, err = s.ledger.CurrentRulingForDispute(gctx, arbitrator, disputeID)
		return err
	})
	if len(lastDraws) > 0 {
		g.Go(func() (err error) {
			lastCanRule, err = s.ledger.CanRuleDispute(gctx, arbitrator, disputeID, lastDraws, viewer)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return View{}, s.wrap(arbitrator, disputeID, err)
	}

	view.PartyA, view.PartyB, view.AgreementStatus = agreement.PartyA, agreement.PartyB, agreement.Status

	for i := 0; i <= n; i++ {
		draws := rec.DrawsAt(i)
		juror := AppealJuror{
			Fee:       fee(d.ArbitrationFeePerJuror, len(draws)),
			Draws:     append([]uint64{}, draws...),
			CreatedAt: timeAt(rec.CreatedAt, i),
			Deadline:  timeAt(rec.Deadlines, i),
		}
		ruling := AppealRuling{
			Ruling:     winningChoice(counts[i]),
			VoteCounts: counts[i],
			RuledAt:    timeAt(rec.RuledAt, i),
		}
		if i == n {
			juror.CanRule = lastCanRule
			ruling.Ruling = lastRuling
			ruling.CanRepartition = canRepartition(d, period, session)
			ruling.CanExecute = canExecute(d)
		}
		view.AppealJurors[i] = juror
		view.AppealRulings[i] = ruling
	}
	return view, nil
}

func (s *Service) profile(ctx context.Context, viewer common.Address) (model.Profile, error) {
	if s.store == nil {
		return model.Profile{Account: viewer}, nil
	}
	p, err := s.store.GetUserProfile(ctx, viewer)
	if errors.Is(err, cache.ErrNotFound) {
		return model.Profile{Account: viewer}, nil
	}
	return p, err
}

func (s *Service) wrap(arbitrator common.Address, disputeID uint64, err error) error {
	if errors.Is(err, ledger.ErrDisputeNotFound) {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, arbitrator.Hex(), disputeID)
	}
	return fmt.Errorf("dispute: view %s/%d: %w", arbitrator.Hex(), disputeID, err)
}

func canRepartition(d ledger.Dispute, period ledger.Period, session uint64) bool {
	return d.LastSession() <= session && period == ledger.PeriodExecute && d.State == ledger.StateOpen
}

func canExecute(d ledger.Dispute) bool {
	return d.State == ledger.StateExecutable
}

func fee(perJuror *big.Int, draws int) *big.Int {
	if perJuror == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(perJuror, big.NewInt(int64(draws)))
}

// winningChoice is the choice with the most votes; ties and empty tallies
// rule 0.
func winningChoice(counts []*big.Int) uint64 {
	var (
		best   uint64
		top    = new(big.Int)
		unique bool
	)
	for i, c := range counts {
		if c == nil {
			continue
		}
		switch c.Cmp(top) {
		case 1:
			best, unique = uint64(i), true
			top = c
		case 0:
			unique = false
		}
	}
	if !unique {
		return 0
	}
	return best
}

func timeAt(ts []time.Time, i int) *time.Time {
	t, ok := model.TimeAt(ts, i)
	if !ok {
		return nil
	}
	return &t
}

func withoutAppeals(r model.DisputeRecord) model.DisputeRecord {
	r.CreatedAt, r.RuledAt, r.Deadlines, r.Draws = nil, nil, nil, nil
	return r
}
