package notification

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/model"
)

// GetStatefulNotifications computes the viewer's actionable notifications
// from the current ledger state. They are never persisted.
func (e *Engine) GetStatefulNotifications(ctx context.Context, isJuror bool) ([]model.Notification, error) {
	var (
		period  ledger.Period
		session uint64
		profile model.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		period, err = e.ledger.GetPeriod(gctx, e.arbitrator)
		return err
	})
	g.Go(func() (err error) {
		session, err = e.ledger.GetSession(gctx, e.arbitrator)
		return err
	})
	g.Go(func() (err error) {
		profile, err = e.profile(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("notification: stateful: %w", err)
	}

	var out []model.Notification
	if isJuror && period == ledger.PeriodActivation {
		n, err := e.canActivate(ctx, session)
		if err != nil {
			return nil, err
		}
		out = append(out, n...)
	}
	if isJuror && period == ledger.PeriodVote {
		n, err := e.canVote(ctx, profile, session)
		if err != nil {
			return nil, err
		}
		out = append(out, n...)
	}
	if !isJuror {
		n, err := e.canPayFee(ctx, profile)
		if err != nil {
			return nil, err
		}
		out = append(out, n...)
	}
	if period == ledger.PeriodExecute {
		n, err := e.canRepartitionOrExecute(ctx, profile, session)
		if err != nil {
			return nil, err
		}
		out = append(out, n...)
	}
	return out, nil
}

func (e *Engine) stateful(typ model.NotificationType, message string, payload map[string]any) model.Notification {
	return model.Notification{
		Account:   e.viewer,
		Type:      typ,
		Message:   message,
		Payload:   payload,
		CreatedAt: e.now().UTC(),
	}
}

func (e *Engine) canActivate(ctx context.Context, session uint64) ([]model.Notification, error) {
	j, err := e.ledger.GetJuror(ctx, e.arbitrator, e.viewer)
	if err != nil {
		return nil, fmt.Errorf("notification: juror %s: %w", e.viewer.Hex(), err)
	}
	if j.LastSession >= session {
		return nil, nil
	}
	return []model.Notification{e.stateful(model.TypeCanActivate,
		fmt.Sprintf("Tokens can be activated for session %d", session),
		map[string]any{"arbitratorAddress": e.arbitrator.Hex(), "session": session})}, nil
}

// cachedDisputes reads the ledger side of every dispute of the arbitrator in
// the viewer's profile. A dispute the ledger no longer knows is skipped.
func (e *Engine) cachedDisputes(ctx context.Context, profile model.Profile) ([]model.DisputeRecord, []*ledger.Dispute, error) {
	var records []model.DisputeRecord
	for _, rec := range profile.Disputes {
		if rec.Arbitrator == e.arbitrator {
			records = append(records, rec)
		}
	}
	disputes := make([]*ledger.Dispute, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, rec := range records {
		g.Go(func() error {
			d, err := e.ledger.GetDispute(gctx, e.arbitrator, rec.DisputeID)
			if errors.Is(err, ledger.ErrDisputeNotFound) {
				logging.L(ctx).Warnf("Ignoring cached dispute %d: %s", rec.DisputeID, err)
				return nil
			}
			if err != nil {
				return err
			}
			disputes[i] = &d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("notification: cached disputes: %w", err)
	}
	return records, disputes, nil
}

func (e *Engine) canVote(ctx context.Context, profile model.Profile, session uint64) ([]model.Notification, error) {
	records, disputes, err := e.cachedDisputes(ctx, profile)
	if err != nil {
		return nil, err
	}
	votable := make([]bool, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, rec := range records {
		d := disputes[i]
		if d == nil || d.LastSession() != session {
			continue
		}
		draws := rec.DrawsAt(d.NumberOfAppeals)
		if len(draws) == 0 {
			continue
		}
		g.Go(func() (err error) {
			votable[i], err = e.ledger.CanRuleDispute(gctx, e.arbitrator, d.ID, draws, e.viewer)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("notification: can vote: %w", err)
	}

	var out []model.Notification
	for i, ok := range votable {
		if !ok {
			continue
		}
		d := disputes[i]
		payload := disputePayload(e.arbitrator, d.ID, d.Arbitrated)
		payload["draws"] = records[i].DrawsAt(d.NumberOfAppeals)
		out = append(out, e.stateful(model.TypeCanVote,
			fmt.Sprintf("You can vote in dispute %d", d.ID), payload))
	}
	return out, nil
}

// canPayFee reports agreements of the viewer whose posted fee is below the
// current arbitration cost. Agreements already in dispute or resolved are
// skipped.
func (e *Engine) canPayFee(ctx context.Context, profile model.Profile) ([]model.Notification, error) {
	contracts := profile.Contracts
	shortfalls := make([]*big.Int, len(contracts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, c := range contracts {
		g.Go(func() error {
			a, err := e.ledger.GetAgreementData(gctx, c.Address)
			if errors.Is(err, ledger.ErrAgreementNotFound) {
				logging.L(ctx).Warnf("Cached agreement %s is unknown to the ledger", c.Address.Hex())
				return nil
			}
			if err != nil {
				return err
			}
			if a.Status == ledger.AgreementDisputeCreated || a.Status == ledger.AgreementResolved {
				return nil
			}
			posted, party := a.FeeOf(e.viewer)
			if !party {
				return nil
			}
			if posted == nil {
				posted = new(big.Int)
			}
			cost, err := e.ledger.GetArbitrationCost(gctx, a.Arbitrator, a.ArbitratorExtraData)
			if err != nil {
				return err
			}
			if posted.Cmp(cost) < 0 {
				shortfalls[i] = new(big.Int).Sub(cost, posted)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("notification: can pay fee: %w", err)
	}

	var out []model.Notification
	for i, short := range shortfalls {
		if short == nil {
			continue
		}
		c := contracts[i]
		out = append(out, e.stateful(model.TypeCanPayFee,
			fmt.Sprintf("Arbitration fee of %s is missing for agreement %s", short, c.Address.Hex()),
			map[string]any{
				"arbitrableContractAddress": c.Address.Hex(),
				"feeToPay":                  short.String(),
			}))
	}
	return out, nil
}

func (e *Engine) canRepartitionOrExecute(ctx context.Context, profile model.Profile, session uint64) ([]model.Notification, error) {
	_, disputes, err := e.cachedDisputes(ctx, profile)
	if err != nil {
		return nil, err
	}
	var out []model.Notification
	for _, d := range disputes {
		if d == nil || d.LastSession() != session {
			continue
		}
		payload := disputePayload(e.arbitrator, d.ID, d.Arbitrated)
		switch {
		case d.State <= ledger.StateResolving:
			out = append(out, e.stateful(model.TypeCanRepartition,
				fmt.Sprintf("Tokens of dispute %d can be repartitioned", d.ID), payload))
		case d.State == ledger.StateExecutable:
			out = append(out, e.stateful(model.TypeCanExecute,
				fmt.Sprintf("The ruling of dispute %d can be executed", d.ID), payload))
		}
	}
	return out, nil
}
