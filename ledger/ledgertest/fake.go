// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/ledger"
)

// Genesis is the timestamp of block zero. Block n is n seconds later.
var Genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type drawKey struct {
	dispute uint64
	juror   common.Address
}

// Fake is a single-arbitrator ledger. Every setter is safe for concurrent
// use with the reads.
type Fake struct {
	mu sync.Mutex

	head             uint64
	logs             []ledger.LogEntry
	period           ledger.Period
	session          uint64
	lastPeriodChange time.Time
	timePerPeriod    map[ledger.Period]time.Duration
	disputes         map[uint64]ledger.Dispute
	statuses         map[uint64]ledger.DisputeStatus
	rulings          map[uint64]uint64
	votes            map[uint64][][]*big.Int
	draws            map[drawKey][]uint64
	voted            map[drawKey]bool
	jurors           map[common.Address]ledger.Juror
	agreements       map[common.Address]ledger.Agreement
	cost             *big.Int

	logErrs   []error
	failAll   error
	logCalls  []ledger.Query
	callCount map[string]int
}

func New() *Fake {
	return &Fake{
		timePerPeriod: map[ledger.Period]time.Duration{},
		disputes:      map[uint64]ledger.Dispute{},
		statuses:      map[uint64]ledger.DisputeStatus{},
		rulings:       map[uint64]uint64{},
		votes:         map[uint64][][]*big.Int{},
		draws:         map[drawKey][]uint64{},
		voted:         map[drawKey]bool{},
		jurors:        map[common.Address]ledger.Juror{},
		agreements:    map[common.Address]ledger.Agreement{},
		cost:          big.NewInt(0),
		callCount:     map[string]int{},
	}
}

// SetHead moves the chain head.
func (f *Fake) SetHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

// AddLogs appends logs. They are returned ordered by block and log index.
func (f *Fake) AddLogs(entries ...ledger.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entries...)
	if n := len(f.logs); n > 0 && f.logs[n-1].BlockNumber > f.head {
		f.head = f.logs[n-1].BlockNumber
	}
}

// FailNextLogs makes the next GetLogs calls fail with errs, one per call. A
// nil entry lets that call succeed.
func (f *Fake) FailNextLogs(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logErrs = append(f.logErrs, errs...)
}

// FailAll makes every read fail with err until cleared with nil.
func (f *Fake) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

func (f *Fake) SetPeriod(p ledger.Period, session uint64, changedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.period = p
	f.session = session
	f.lastPeriodChange = changedAt
}

func (f *Fake) SetTimePerPeriod(p ledger.Period, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timePerPeriod[p] = d
}

func (f *Fake) SetDispute(d ledger.Dispute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disputes[d.ID] = d
}

func (f *Fake) SetStatus(disputeID uint64, s ledger.DisputeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[disputeID] = s
}

func (f *Fake) SetRuling(disputeID, ruling uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rulings[disputeID] = ruling
}

// SetVotes sets the tallies for one appeal round, indexed by choice.
func (f *Fake) SetVotes(disputeID uint64, appeal int, counts ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rounds := f.votes[disputeID]
	for len(rounds) <= appeal {
		rounds = append(rounds, nil)
	}
	tally := make([]*big.Int, len(counts))
	for i, c := range counts {
		tally[i] = big.NewInt(c)
	}
	rounds[appeal] = tally
	f.votes[disputeID] = rounds
}

func (f *Fake) SetDraws(disputeID uint64, juror common.Address, draws ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draws[drawKey{disputeID, juror}] = draws
}

// SetVoted marks juror as having voted in the dispute's current round.
func (f *Fake) SetVoted(disputeID uint64, juror common.Address, voted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voted[drawKey{disputeID, juror}] = voted
}

func (f *Fake) SetJuror(account common.Address, j ledger.Juror) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jurors[account] = j
}

func (f *Fake) SetAgreement(a ledger.Agreement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agreements[a.Address] = a
}

func (f *Fake) SetArbitrationCost(c *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cost = c
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[method]
}

// LogQueries returns every GetLogs query seen so far.
func (f *Fake) LogQueries() []ledger.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Query(nil), f.logCalls...)
}

func (f *Fake) enter(method string) error {
	f.callCount[method]++
	return f.failAll
}

func (f *Fake) GetLogs(_ context.Context, q ledger.Query) ([]ledger.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetLogs"); err != nil {
		return nil, err
	}
	f.logCalls = append(f.logCalls, q)
	if len(f.logErrs) > 0 {
		err := f.logErrs[0]
		f.logErrs = f.logErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []ledger.LogEntry
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock || l.BlockNumber > q.ToBlock {
			continue
		}
		if l.Contract != q.Contract {
			continue
		}
		if q.EventName != "" && l.EventName != q.EventName {
			continue
		}
		if !matchesIndexed(l, q.Indexed) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func matchesIndexed(l ledger.LogEntry, indexed map[string]any) bool {
	for name, want := range indexed {
		got, ok := l.Args[name]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (f *Fake) CurrentBlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CurrentBlockHeight"); err != nil {
		return 0, err
	}
	return f.head, nil
}

func (f *Fake) GetBlockTimestamp(_ context.Context, block uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetBlockTimestamp"); err != nil {
		return time.Time{}, err
	}
	return Genesis.Add(time.Duration(block) * time.Second), nil
}

func (f *Fake) GetPeriod(context.Context, common.Address) (ledger.Period, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetPeriod"); err != nil {
		return 0, err
	}
	return f.period, nil
}

func (f *Fake) GetSession(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetSession"); err != nil {
		return 0, err
	}
	return f.session, nil
}

func (f *Fake) GetLastPeriodChange(context.Context, common.Address) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetLastPeriodChange"); err != nil {
		return time.Time{}, err
	}
	return f.lastPeriodChange, nil
}

func (f *Fake) GetTimePerPeriod(_ context.Context, _ common.Address, p ledger.Period) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetTimePerPeriod"); err != nil {
		return 0, err
	}
	return f.timePerPeriod[p], nil
}

func (f *Fake) GetDispute(_ context.Context, arbitrator common.Address, id uint64) (ledger.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetDispute"); err != nil {
		return ledger.Dispute{}, err
	}
	d, ok := f.disputes[id]
	if !ok {
		return ledger.Dispute{}, fmt.Errorf("%w: %s/%d", ledger.ErrDisputeNotFound, arbitrator.Hex(), id)
	}
	return d, nil
}

func (f *Fake) GetDisputeStatus(_ context.Context, arbitrator common.Address, id uint64) (ledger.DisputeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetDisputeStatus"); err != nil {
		return 0, err
	}
	if _, ok := f.disputes[id]; !ok {
		return 0, fmt.Errorf("%w: %s/%d", ledger.ErrDisputeNotFound, arbitrator.Hex(), id)
	}
	return f.statuses[id], nil
}

func (f *Fake) CurrentRulingForDispute(_ context.Context, _ common.Address, id uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CurrentRulingForDispute"); err != nil {
		return 0, err
	}
	return f.rulings[id], nil
}

func (f *Fake) GetVoteCounts(_ context.Context, _ common.Address, id uint64, appeal int, choices uint64) ([]*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetVoteCounts"); err != nil {
		return nil, err
	}
	counts := make([]*big.Int, choices+1)
	var tally []*big.Int
	if rounds := f.votes[id]; appeal < len(rounds) {
		tally = rounds[appeal]
	}
	for i := range counts {
		if i < len(tally) {
			counts[i] = new(big.Int).Set(tally[i])
		} else {
			counts[i] = big.NewInt(0)
		}
	}
	return counts, nil
}

func (f *Fake) GetDrawsForJuror(_ context.Context, _ common.Address, id uint64, juror common.Address) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetDrawsForJuror"); err != nil {
		return nil, err
	}
	return append([]uint64(nil), f.draws[drawKey{id, juror}]...), nil
}

// CanRuleDispute is true when draws is non-empty, matches the juror's
// current draws and the juror has not voted.
func (f *Fake) CanRuleDispute(_ context.Context, _ common.Address, id uint64, draws []uint64, juror common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CanRuleDispute"); err != nil {
		return false, err
	}
	key := drawKey{id, juror}
	current := f.draws[key]
	if len(draws) == 0 || len(draws) != len(current) {
		return false, nil
	}
	for i := range draws {
		if draws[i] != current[i] {
			return false, nil
		}
	}
	return !f.voted[key], nil
}

func (f *Fake) GetJuror(_ context.Context, _ common.Address, account common.Address) (ledger.Juror, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetJuror"); err != nil {
		return ledger.Juror{}, err
	}
	j, ok := f.jurors[account]
	if !ok {
		return ledger.Juror{Balance: big.NewInt(0), AtStake: big.NewInt(0)}, nil
	}
	return j, nil
}

func (f *Fake) GetArbitrationCost(context.Context, common.Address, []byte) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetArbitrationCost"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.cost), nil
}

func (f *Fake) GetAgreementData(_ context.Context, agreement common.Address) (ledger.Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetAgreementData"); err != nil {
		return ledger.Agreement{}, err
	}
	a, ok := f.agreements[agreement]
	if !ok {
		return ledger.Agreement{}, fmt.Errorf("%w: %s", ledger.ErrAgreementNotFound, agreement.Hex())
	}
	return a, nil
}

var _ ledger.Client = (*Fake)(nil)
