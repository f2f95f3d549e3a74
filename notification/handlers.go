package notification

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/model"
)

type disputeArgs struct {
	id         uint64
	arbitrable common.Address
}

func parseDisputeArgs(entry ledger.LogEntry) (disputeArgs, error) {
	id, err := entry.Uint64("_disputeID")
	if err != nil {
		return disputeArgs{}, err
	}
	arbitrable, err := entry.Address("_arbitrable")
	if err != nil {
		return disputeArgs{}, err
	}
	return disputeArgs{id: id, arbitrable: arbitrable}, nil
}

type accountArgs struct {
	account common.Address
	id      uint64
	amount  *big.Int
}

func parseAccountArgs(entry ledger.LogEntry) (accountArgs, error) {
	account, err := entry.Address("_account")
	if err != nil {
		return accountArgs{}, err
	}
	id, err := entry.Uint64("_disputeID")
	if err != nil {
		return accountArgs{}, err
	}
	amount, err := entry.BigInt("_amount")
	if err != nil {
		return accountArgs{}, err
	}
	return accountArgs{account: account, id: id, amount: amount}, nil
}

func (e *Engine) cacheDisputeCreation(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseDisputeArgs(entry)
	if err != nil {
		return err
	}
	p, err := e.profile(ctx)
	if err != nil {
		return err
	}
	if !p.IsParty(args.arbitrable) {
		return nil
	}
	at, err := e.ledger.GetBlockTimestamp(ctx, entry.BlockNumber)
	if err != nil {
		return fmt.Errorf("notification: timestamp of block %d: %w", entry.BlockNumber, err)
	}
	if _, err := e.store.UpdateDisputeRecord(ctx, e.arbitrator, args.id, e.viewer, model.DisputeUpdate{
		ArbitrableAddress: &args.arbitrable,
		CreatedAt:         &model.AppealTime{Appeal: 0, At: at},
	}); err != nil {
		return fmt.Errorf("notification: cache dispute %d: %w", args.id, err)
	}
	id := args.id
	if _, err := e.store.UpdateContractRecord(ctx, e.viewer, model.ContractRecord{
		Address:    args.arbitrable,
		Arbitrator: e.arbitrator,
		DisputeID:  &id,
	}); err != nil {
		return fmt.Errorf("notification: cache contract %s: %w", args.arbitrable.Hex(), err)
	}
	return nil
}

func (e *Engine) onDisputeCreation(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseDisputeArgs(entry)
	if err != nil {
		return err
	}
	p, err := e.profile(ctx)
	if err != nil {
		return err
	}
	if !p.IsParty(args.arbitrable) {
		return nil
	}
	return e.notify(ctx, entry, "", model.TypeDisputeCreated,
		fmt.Sprintf("Dispute %d has been created", args.id),
		disputePayload(e.arbitrator, args.id, args.arbitrable))
}

// onAppealPossible notifies parties only; jurors learn of appeals through the
// ruling-appealed notification.
func (e *Engine) onAppealPossible(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseDisputeArgs(entry)
	if err != nil {
		return err
	}
	p, err := e.profile(ctx)
	if err != nil {
		return err
	}
	if !p.IsParty(args.arbitrable) {
		return nil
	}
	return e.notify(ctx, entry, "", model.TypeAppealPossible,
		fmt.Sprintf("The ruling of dispute %d can be appealed", args.id),
		disputePayload(e.arbitrator, args.id, args.arbitrable))
}

func (e *Engine) involved(p model.Profile, args disputeArgs) bool {
	if p.IsParty(args.arbitrable) {
		return true
	}
	_, ok := p.Dispute(e.arbitrator, args.id)
	return ok
}

func (e *Engine) cacheAppealDecision(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseDisputeArgs(entry)
	if err != nil {
		return err
	}
	p, err := e.profile(ctx)
	if err != nil {
		return err
	}
	if !e.involved(p, args) {
		return nil
	}

	// The appeal index comes from the decisions logged up to this one, so a
	// replayed log lands on the round it closed rather than the latest one.
	var (
		decisions []ledger.LogEntry
		at        time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		decisions, err = e.ledger.GetLogs(gctx, ledger.Query{
			Contract:  e.arbitrator,
			EventName: ledger.EventAppealDecision,
			Indexed:   map[string]any{"_disputeID": new(big.Int).SetUint64(args.id)},
			FromBlock: 0,
			ToBlock:   entry.BlockNumber,
		})
		return err
	})
	g.Go(func() (err error) {
		at, err = e.ledger.GetBlockTimestamp(gctx, entry.BlockNumber)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("notification: appeal of dispute %d: %w", args.id, err)
	}

	n := appealIndex(decisions, entry)
	if _, err := e.store.UpdateDisputeRecord(ctx, e.arbitrator, args.id, e.viewer, model.DisputeUpdate{
		NumberOfAppeals: n,
		CreatedAt:       &model.AppealTime{Appeal: n, At: at},
		RuledAt:         &model.AppealTime{Appeal: n - 1, At: at},
	}); err != nil {
		return fmt.Errorf("notification: cache appeal of dispute %d: %w", args.id, err)
	}
	return nil
}

// appealIndex is the appeal opened by entry: one past the number of
// decisions logged for the dispute before it.
func appealIndex(decisions []ledger.LogEntry, entry ledger.LogEntry) int {
	n := 1
	for _, d := range decisions {
		if d.BlockNumber < entry.BlockNumber ||
			(d.BlockNumber == entry.BlockNumber && d.LogIndex < entry.LogIndex) {
			n++
		}
	}
	return n
}

func (e *Engine) onAppealDecision(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseDisputeArgs(entry)
	if err != nil {
		return err
	}
	p, err := e.profile(ctx)
	if err != nil {
		return err
	}
	if !e.involved(p, args) {
		return nil
	}
	return e.notify(ctx, entry, "", model.TypeRulingAppealed,
		fmt.Sprintf("The ruling of dispute %d has been appealed", args.id),
		disputePayload(e.arbitrator, args.id, args.arbitrable))
}

func (e *Engine) cacheTokenShift(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseAccountArgs(entry)
	if err != nil {
		return err
	}
	if args.account != e.viewer {
		return nil
	}
	if _, err := e.store.UpdateDisputeRecord(ctx, e.arbitrator, args.id, e.viewer, model.DisputeUpdate{
		TokenShift: &model.TokenShift{Key: entry.Key(), Amount: args.amount},
	}); err != nil {
		return fmt.Errorf("notification: cache token shift of dispute %d: %w", args.id, err)
	}
	return nil
}

func (e *Engine) onTokenShift(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseAccountArgs(entry)
	if err != nil {
		return err
	}
	if args.account != e.viewer {
		return nil
	}
	payload := disputePayload(e.arbitrator, args.id, common.Address{})
	payload["amount"] = args.amount.String()
	return e.notify(ctx, entry, "", model.TypeTokenShift,
		fmt.Sprintf("%s tokens shifted in dispute %d", args.amount, args.id), payload)
}

func (e *Engine) onArbitrationReward(ctx context.Context, entry ledger.LogEntry) error {
	args, err := parseAccountArgs(entry)
	if err != nil {
		return err
	}
	if args.account != e.viewer {
		return nil
	}
	payload := disputePayload(e.arbitrator, args.id, common.Address{})
	payload["amount"] = args.amount.String()
	return e.notify(ctx, entry, "", model.TypeArbitrationReward,
		fmt.Sprintf("Arbitration reward of %s for dispute %d", args.amount, args.id), payload)
}

func (e *Engine) onNewPeriod(ctx context.Context, entry ledger.LogEntry) error {
	period, err := entry.Uint64("_period")
	if err != nil {
		return err
	}
	session, err := entry.Uint64("_session")
	if err != nil {
		return err
	}
	ctx = logging.WithLogField(ctx, "session", fmt.Sprint(session))
	switch ledger.Period(period) {
	case ledger.PeriodAppeal:
		return e.appealsPossible(ctx, entry, session)
	case ledger.PeriodVote:
		return e.refreshVoteRound(ctx, entry, session)
	}
	return nil
}

// appealsPossible fans one APPEAL_POSSIBLE out per open dispute of the
// session the viewer is a party to.
func (e *Engine) appealsPossible(ctx context.Context, entry ledger.LogEntry, session uint64) error {
	open, err := e.open.OpenInSession(ctx, session)
	if err != nil {
		return fmt.Errorf("notification: open disputes of session %d: %w", session, err)
	}
	p, err := e.profile(ctx)
	if err != nil {
		return err
	}
	for _, d := range open {
		if !p.IsParty(d.Arbitrated) {
			continue
		}
		if err := e.notify(ctx, entry, disputeSubject(e.arbitrator, d.ID), model.TypeAppealPossible,
			fmt.Sprintf("The ruling of dispute %d can be appealed", d.ID),
			disputePayload(e.arbitrator, d.ID, d.Arbitrated)); err != nil {
			return err
		}
	}
	return nil
}

// refreshVoteRound caches the viewer's draws and the vote deadline for the
// latest appeal of every open dispute of the session the viewer is drawn in
// or a party to. The deadline counts from the block that opened the vote
// period so that replays agree with live handling.
func (e *Engine) refreshVoteRound(ctx context.Context, entry ledger.LogEntry, session uint64) error {
	open, err := e.open.OpenInSession(ctx, session)
	if err != nil {
		return fmt.Errorf("notification: open disputes of session %d: %w", session, err)
	}
	if len(open) == 0 {
		return nil
	}
	p, err := e.profile(ctx)
	if err != nil {
		return err
	}

	var (
		openedAt  time.Time
		votePhase time.Duration
		draws     = make([][]uint64, len(open))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	g.Go(func() (err error) {
		openedAt, err = e.ledger.GetBlockTimestamp(gctx, entry.BlockNumber)
		return err
	})
	g.Go(func() (err error) {
		votePhase, err = e.ledger.GetTimePerPeriod(gctx, e.arbitrator, ledger.PeriodVote)
		return err
	})
	for i, d := range open {
		g.Go(func() (err error) {
			draws[i], err = e.ledger.GetDrawsForJuror(gctx, e.arbitrator, d.ID, e.viewer)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("notification: vote round of session %d: %w", session, err)
	}

	deadline := openedAt.Add(votePhase)
	for i, d := range open {
		// appealed since the log; the round's draws are no longer readable
		if d.LastSession() != session {
			continue
		}
		if len(draws[i]) == 0 && !p.IsParty(d.Arbitrated) {
			continue
		}
		n := d.NumberOfAppeals
		arbitrable := d.Arbitrated
		u := model.DisputeUpdate{
			NumberOfAppeals:   n,
			ArbitrableAddress: &arbitrable,
			Deadline:          &model.AppealTime{Appeal: n, At: deadline},
		}
		if len(draws[i]) > 0 {
			u.Draws = &model.AppealDraws{Appeal: n, Draws: draws[i]}
		}
		if _, err := e.store.UpdateDisputeRecord(ctx, e.arbitrator, d.ID, e.viewer, u); err != nil {
			return fmt.Errorf("notification: cache vote round of dispute %d: %w", d.ID, err)
		}
	}
	return nil
}

func disputePayload(arbitrator common.Address, disputeID uint64, arbitrable common.Address) map[string]any {
	payload := map[string]any{
		"arbitratorAddress": arbitrator.Hex(),
		"disputeId":         disputeID,
	}
	if arbitrable != (common.Address{}) {
		payload["arbitrableContractAddress"] = arbitrable.Hex()
	}
	return payload
}
