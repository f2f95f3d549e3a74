package notification

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbsync/cache"
	"arbsync/dispatch"
	"arbsync/dispute"
	"arbsync/ledger"
	"arbsync/ledger/ledgertest"
	"arbsync/model"
	"arbsync/queue"
)

var (
	arbitrator = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	viewer     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	other      = common.HexToAddress("0x0000000000000000000000000000000000000002")
	agreementA = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	agreementB = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	agreementC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type harness struct {
	ledger   *ledgertest.Fake
	store    *cache.MemoryStore
	engine   *Engine
	registry *dispatch.Registry

	mu     sync.Mutex
	pushed []model.Notification
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		ledger: ledgertest.New(),
		store:  cache.NewMemoryStore(),
	}
	q := queue.New(queue.WithName("notification-test"))
	t.Cleanup(q.Close)
	h.registry = dispatch.NewRegistry("viewer", q, h.store)
	h.engine = NewEngine(viewer, arbitrator, h.ledger, h.store, dispute.NewIndex(h.ledger, arbitrator),
		WithPush(func(_ context.Context, n model.Notification) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.pushed = append(h.pushed, n)
		}),
		WithClock(func() time.Time { return ledgertest.Genesis }),
	)
	h.engine.Register(h.registry)
	return h
}

// party makes the viewer a party to agreement in the cache.
func (h *harness) party(t *testing.T, agreement common.Address) {
	_, err := h.store.UpdateContractRecord(context.Background(), viewer, model.ContractRecord{
		Address:    agreement,
		Arbitrator: arbitrator,
		PartyA:     viewer,
		PartyB:     other,
	})
	require.NoError(t, err)
}

func (h *harness) dispatch(t *testing.T, entries ...ledger.LogEntry) {
	ctx := context.Background()
	for _, e := range entries {
		handle, err := h.registry.DispatchBlock(ctx, e.BlockNumber, []ledger.LogEntry{e})
		require.NoError(t, err)
		require.NoError(t, handle.Wait(ctx))
	}
}

func (h *harness) notifications(t *testing.T) []model.Notification {
	out, err := h.store.GetNotifications(context.Background(), viewer, false)
	require.NoError(t, err)
	return out
}

func (h *harness) record(t *testing.T, disputeID uint64) model.DisputeRecord {
	rec, err := h.store.GetDisputeRecord(context.Background(), arbitrator, disputeID, viewer)
	require.NoError(t, err)
	return rec
}

func TestRepeatedDisputeCreationNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.party(t, agreementA)

	entry := ledgertest.DisputeCreation(arbitrator, 12, 2, 7, agreementA)
	h.dispatch(t, entry, entry)

	got := h.notifications(t)
	require.Len(t, got, 1)
	assert.Equal(t, model.TypeDisputeCreated, got[0].Type)
	assert.Equal(t, entry.TxHash, got[0].Key.TxHash)
	assert.Equal(t, uint(2), got[0].Key.LogIndex)
	assert.Equal(t, uint64(12), got[0].BlockNumber)
	assert.False(t, got[0].Read)
	assert.Len(t, h.pushed, 1)

	rec := h.record(t, 7)
	assert.Equal(t, agreementA, rec.ArbitrableAddress)
	createdAt, ok := model.TimeAt(rec.CreatedAt, 0)
	require.True(t, ok)
	assert.Equal(t, ledgertest.Genesis.Add(12*time.Second), createdAt)

	profile, err := h.store.GetUserProfile(context.Background(), viewer)
	require.NoError(t, err)
	contract, ok := profile.Contract(agreementA)
	require.True(t, ok)
	require.NotNil(t, contract.DisputeID)
	assert.Equal(t, uint64(7), *contract.DisputeID)
}

func TestDisputeCreationIgnoresStrangers(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, ledgertest.DisputeCreation(arbitrator, 3, 0, 1, agreementA))

	assert.Empty(t, h.notifications(t))
	_, err := h.store.GetDisputeRecord(context.Background(), arbitrator, 1, viewer)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestPeriodRolloverToAppeal(t *testing.T) {
	h := newHarness(t)
	h.party(t, agreementA)
	h.party(t, agreementB)
	h.party(t, agreementC)

	const session = 6
	for _, d := range []ledger.Dispute{
		{ID: 1, Arbitrated: agreementA, FirstSession: session, State: ledger.StateOpen},
		{ID: 2, Arbitrated: agreementB, FirstSession: session - 1, NumberOfAppeals: 1, State: ledger.StateResolving},
		{ID: 3, Arbitrated: agreementC, FirstSession: session - 2, State: ledger.StateOpen},
		{ID: 4, Arbitrated: common.HexToAddress("0xdd"), FirstSession: session, State: ledger.StateOpen},
	} {
		h.ledger.SetDispute(d)
		h.ledger.AddLogs(ledgertest.DisputeCreation(arbitrator, d.ID, 0, d.ID, d.Arbitrated))
	}

	rollover := ledgertest.NewPeriod(arbitrator, 20, 0, ledger.PeriodAppeal, session)
	h.ledger.AddLogs(rollover)
	h.dispatch(t, rollover, rollover)

	var disputes []any
	for _, n := range h.notifications(t) {
		require.Equal(t, model.TypeAppealPossible, n.Type)
		assert.Equal(t, rollover.TxHash, n.Key.TxHash)
		disputes = append(disputes, n.Payload["disputeId"])
	}
	assert.ElementsMatch(t, []any{uint64(1), uint64(2)}, disputes)
}

func TestVoteRoundCachesDrawsAndDeadline(t *testing.T) {
	h := newHarness(t)
	const session = 4
	h.ledger.SetPeriod(ledger.PeriodVote, session, ledgertest.Genesis.Add(30*time.Second))
	h.ledger.SetTimePerPeriod(ledger.PeriodVote, 30*time.Minute)
	h.ledger.SetDispute(ledger.Dispute{ID: 9, Arbitrated: agreementA, FirstSession: session - 1, NumberOfAppeals: 1, State: ledger.StateOpen})
	h.ledger.SetDispute(ledger.Dispute{ID: 10, Arbitrated: agreementB, FirstSession: session, State: ledger.StateOpen})
	h.ledger.AddLogs(
		ledgertest.DisputeCreation(arbitrator, 1, 0, 9, agreementA),
		ledgertest.DisputeCreation(arbitrator, 2, 0, 10, agreementB),
	)
	h.ledger.SetDraws(9, viewer, 2, 5)

	h.dispatch(t, ledgertest.NewPeriod(arbitrator, 30, 0, ledger.PeriodVote, session))

	rec := h.record(t, 9)
	assert.Equal(t, []uint64{2, 5}, rec.DrawsAt(1))
	deadline, ok := model.TimeAt(rec.Deadlines, 1)
	require.True(t, ok)
	assert.Equal(t, ledgertest.Genesis.Add(30*time.Second+30*time.Minute), deadline)

	_, err := h.store.GetDisputeRecord(context.Background(), arbitrator, 10, viewer)
	assert.ErrorIs(t, err, cache.ErrNotFound, "not drawn and not a party")
}

func TestAppealDecisionClosesRound(t *testing.T) {
	h := newHarness(t)
	h.party(t, agreementA)
	h.ledger.SetDispute(ledger.Dispute{ID: 7, Arbitrated: agreementA, NumberOfAppeals: 1})

	h.dispatch(t, ledgertest.AppealDecision(arbitrator, 40, 1, 7, agreementA))

	rec := h.record(t, 7)
	at := ledgertest.Genesis.Add(40 * time.Second)
	ruled, ok := model.TimeAt(rec.RuledAt, 0)
	require.True(t, ok)
	assert.Equal(t, at, ruled)
	created, ok := model.TimeAt(rec.CreatedAt, 1)
	require.True(t, ok)
	assert.Equal(t, at, created)

	got := h.notifications(t)
	require.Len(t, got, 1)
	assert.Equal(t, model.TypeRulingAppealed, got[0].Type)
}

func TestCatchupResolvesLogsAtTheirOwnBlock(t *testing.T) {
	t.Run("appeal decisions", func(t *testing.T) {
		h := newHarness(t)
		h.party(t, agreementA)
		h.ledger.SetDispute(ledger.Dispute{ID: 7, Arbitrated: agreementA, FirstSession: 2, NumberOfAppeals: 2, State: ledger.StateOpen})
		first := ledgertest.AppealDecision(arbitrator, 40, 0, 7, agreementA)
		second := ledgertest.AppealDecision(arbitrator, 80, 0, 7, agreementA)
		h.ledger.AddLogs(first, second, ledgertest.AppealDecision(arbitrator, 60, 0, 8, agreementB))

		h.dispatch(t, first, second, first)

		rec := h.record(t, 7)
		assert.Equal(t, 2, rec.NumberOfAppeals)
		for appeal, at := range map[int]time.Time{
			1: ledgertest.Genesis.Add(40 * time.Second),
			2: ledgertest.Genesis.Add(80 * time.Second),
		} {
			created, ok := model.TimeAt(rec.CreatedAt, appeal)
			require.True(t, ok, "createdAt[%d]", appeal)
			assert.Equal(t, at, created, "createdAt[%d]", appeal)
			ruled, ok := model.TimeAt(rec.RuledAt, appeal-1)
			require.True(t, ok, "ruledAt[%d]", appeal-1)
			assert.Equal(t, at, ruled, "ruledAt[%d]", appeal-1)
		}
	})

	t.Run("vote period", func(t *testing.T) {
		h := newHarness(t)
		h.party(t, agreementA)
		const session = 4
		h.ledger.SetPeriod(ledger.PeriodExecute, session, ledgertest.Genesis.Add(10*time.Hour))
		h.ledger.SetTimePerPeriod(ledger.PeriodVote, 30*time.Minute)
		h.ledger.SetDispute(ledger.Dispute{ID: 9, Arbitrated: agreementA, FirstSession: session, State: ledger.StateResolving})
		// appealed into session 5 after the vote period being replayed
		h.ledger.SetDispute(ledger.Dispute{ID: 10, Arbitrated: agreementA, FirstSession: session, NumberOfAppeals: 1, State: ledger.StateOpen})
		h.ledger.AddLogs(
			ledgertest.DisputeCreation(arbitrator, 1, 0, 9, agreementA),
			ledgertest.DisputeCreation(arbitrator, 2, 0, 10, agreementA),
		)
		h.ledger.SetDraws(9, viewer, 1)
		h.ledger.SetDraws(10, viewer, 3)

		h.dispatch(t, ledgertest.NewPeriod(arbitrator, 30, 0, ledger.PeriodVote, session))

		rec := h.record(t, 9)
		deadline, ok := model.TimeAt(rec.Deadlines, 0)
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 30, 30, 0, time.UTC), deadline.UTC())
		assert.Equal(t, []uint64{1}, rec.DrawsAt(0))

		_, err := h.store.GetDisputeRecord(context.Background(), arbitrator, 10, viewer)
		assert.ErrorIs(t, err, cache.ErrNotFound, "round moved on since the log")
	})
}

func TestTokenShiftAccumulatesOncePerLog(t *testing.T) {
	h := newHarness(t)
	first := ledgertest.TokenShift(arbitrator, 50, 0, viewer, 7, -20)
	second := ledgertest.TokenShift(arbitrator, 51, 3, viewer, 7, 5)
	h.dispatch(t, first, second, first,
		ledgertest.TokenShift(arbitrator, 52, 0, other, 7, 100),
		ledgertest.ArbitrationReward(arbitrator, 53, 0, viewer, 7, 9),
	)

	assert.Equal(t, int64(-15), h.record(t, 7).NetTokenShift.Int64())

	var types []model.NotificationType
	for _, n := range h.notifications(t) {
		types = append(types, n.Type)
	}
	assert.Equal(t, []model.NotificationType{model.TypeTokenShift, model.TypeTokenShift, model.TypeArbitrationReward}, types)
}

func TestStatefulNotifications(t *testing.T) {
	ctx := context.Background()

	t.Run("can activate", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.SetPeriod(ledger.PeriodActivation, 8, ledgertest.Genesis)
		h.ledger.SetJuror(viewer, ledger.Juror{Balance: big.NewInt(10), AtStake: big.NewInt(0), LastSession: 7})

		got, err := h.engine.GetStatefulNotifications(ctx, true)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.TypeCanActivate, got[0].Type)
		assert.False(t, got[0].Persisted())

		got, err = h.engine.GetStatefulNotifications(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("can vote", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.SetPeriod(ledger.PeriodVote, 5, ledgertest.Genesis)
		h.ledger.SetDispute(ledger.Dispute{ID: 1, Arbitrated: agreementA, FirstSession: 5})
		h.ledger.SetDispute(ledger.Dispute{ID: 2, Arbitrated: agreementB, FirstSession: 5})
		h.ledger.SetDraws(1, viewer, 3)
		h.ledger.SetDraws(2, viewer, 1)
		h.ledger.SetVoted(2, viewer, true)
		for _, id := range []uint64{1, 2} {
			_, err := h.store.UpdateDisputeRecord(ctx, arbitrator, id, viewer, model.DisputeUpdate{
				Draws: &model.AppealDraws{Appeal: 0, Draws: h.drawsOf(id)},
			})
			require.NoError(t, err)
		}

		got, err := h.engine.GetStatefulNotifications(ctx, true)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.TypeCanVote, got[0].Type)
		assert.Equal(t, uint64(1), got[0].Payload["disputeId"])
	})

	t.Run("can pay fee", func(t *testing.T) {
		h := newHarness(t)
		h.party(t, agreementA)
		h.party(t, agreementB)
		h.ledger.SetArbitrationCost(big.NewInt(100))
		h.ledger.SetAgreement(ledger.Agreement{Address: agreementA, Arbitrator: arbitrator, PartyA: viewer, PartyB: other,
			PartyAFee: big.NewInt(30), PartyBFee: big.NewInt(100), Status: ledger.AgreementWaitingPartyA})
		h.ledger.SetAgreement(ledger.Agreement{Address: agreementB, Arbitrator: arbitrator, PartyA: viewer, PartyB: other,
			PartyAFee: big.NewInt(0), PartyBFee: big.NewInt(0), Status: ledger.AgreementDisputeCreated})

		got, err := h.engine.GetStatefulNotifications(ctx, false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.TypeCanPayFee, got[0].Type)
		assert.Equal(t, "70", got[0].Payload["feeToPay"])
	})

	t.Run("execute period", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.SetPeriod(ledger.PeriodExecute, 5, ledgertest.Genesis)
		h.ledger.SetDispute(ledger.Dispute{ID: 1, FirstSession: 5, State: ledger.StateResolving})
		h.ledger.SetDispute(ledger.Dispute{ID: 2, FirstSession: 4, NumberOfAppeals: 1, State: ledger.StateExecutable})
		h.ledger.SetDispute(ledger.Dispute{ID: 3, FirstSession: 3, State: ledger.StateOpen})
		for _, id := range []uint64{1, 2, 3, 99} {
			_, err := h.store.UpdateDisputeRecord(ctx, arbitrator, id, viewer, model.DisputeUpdate{})
			require.NoError(t, err)
		}

		got, err := h.engine.GetStatefulNotifications(ctx, true)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, model.TypeCanRepartition, got[0].Type)
		assert.Equal(t, model.TypeCanExecute, got[1].Type)
		assert.Equal(t, ledgertest.Genesis, got[0].CreatedAt)
	})
}

func (h *harness) drawsOf(id uint64) []uint64 {
	draws, _ := h.ledger.GetDrawsForJuror(context.Background(), arbitrator, id, viewer)
	return draws
}
