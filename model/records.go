package model

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInconsistentState marks a cached record that disagrees with the ledger,
// typically an appeal index above the dispute's number of appeals.
var ErrInconsistentState = errors.New("model: inconsistent cache state")

// Profile is the cached view of one account.
type Profile struct {
	Account   common.Address   `json:"account"`
	Email     string           `json:"email,omitempty"`
	Disputes  []DisputeRecord  `json:"disputes"`
	Contracts []ContractRecord `json:"contracts"`
}

// Dispute returns the cached record for the dispute, if any.
func (p Profile) Dispute(arbitrator common.Address, disputeID uint64) (DisputeRecord, bool) {
	for _, d := range p.Disputes {
		if d.Arbitrator == arbitrator && d.DisputeID == disputeID {
			return d, true
		}
	}
	return DisputeRecord{}, false
}

// Contract returns the cached agreement at address, if any.
func (p Profile) Contract(address common.Address) (ContractRecord, bool) {
	for _, c := range p.Contracts {
		if c.Address == address {
			return c, true
		}
	}
	return ContractRecord{}, false
}

// IsParty reports whether the account is a named party of the agreement.
func (p Profile) IsParty(arbitrable common.Address) bool {
	c, ok := p.Contract(arbitrable)
	if !ok {
		return false
	}
	return c.PartyA == p.Account || c.PartyB == p.Account
}

// Evidence is a document submitted for an agreement.
type Evidence struct {
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	Description string         `json:"description,omitempty"`
	Submitter   common.Address `json:"submitter"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// ContractRecord is an arbitrable agreement the account takes part in.
type ContractRecord struct {
	Address     common.Address `json:"address"`
	Arbitrator  common.Address `json:"arbitrator"`
	PartyA      common.Address `json:"partyA"`
	PartyB      common.Address `json:"partyB"`
	DisputeID   *uint64        `json:"disputeId,omitempty"`
	Description string         `json:"description,omitempty"`
	Email       string         `json:"email,omitempty"`
	Evidence    []Evidence     `json:"evidence,omitempty"`
}

// DisputeRecord holds the viewer-scoped facts for one dispute. Appeal-indexed
// slices use the zero value for "not yet observed".
type DisputeRecord struct {
	Arbitrator        common.Address `json:"arbitrator"`
	DisputeID         uint64         `json:"disputeId"`
	ArbitrableAddress common.Address `json:"arbitrableAddress"`
	NumberOfAppeals   int            `json:"numberOfAppeals"`
	Description       *string        `json:"description,omitempty"`
	Email             *string        `json:"email,omitempty"`
	CreatedAt         []time.Time    `json:"appealCreatedAt"`
	RuledAt           []time.Time    `json:"appealRuledAt"`
	Deadlines         []time.Time    `json:"appealDeadlines"`
	Draws             [][]uint64     `json:"appealDraws"`
	NetTokenShift     *big.Int       `json:"netTokenShift"`
	TokenShiftKeys    []string       `json:"tokenShiftKeys,omitempty"`
}

// NewDisputeRecord returns an empty record for the dispute.
func NewDisputeRecord(arbitrator common.Address, disputeID uint64) DisputeRecord {
	return DisputeRecord{
		Arbitrator:    arbitrator,
		DisputeID:     disputeID,
		NetTokenShift: new(big.Int),
	}
}

// DrawsAt returns the draws held for appeal i (nil when none).
func (r DisputeRecord) DrawsAt(i int) []uint64 {
	if i < 0 || i >= len(r.Draws) {
		return nil
	}
	return r.Draws[i]
}

// TimeAt returns the timestamp at appeal i of ts and whether it is set.
func TimeAt(ts []time.Time, i int) (time.Time, bool) {
	if i < 0 || i >= len(ts) || ts[i].IsZero() {
		return time.Time{}, false
	}
	return ts[i], true
}

// Validate checks that no appeal index beyond numberOfAppeals is populated.
func (r DisputeRecord) Validate(numberOfAppeals int) error {
	limit := numberOfAppeals + 1
	for name, n := range map[string]int{
		"createdAt": len(r.CreatedAt),
		"ruledAt":   len(r.RuledAt),
		"deadline":  len(r.Deadlines),
		"draws":     len(r.Draws),
	} {
		if n > limit {
			return fmt.Errorf("%w: %s has %d appeals, ledger reports %d", ErrInconsistentState, name, n, limit)
		}
	}
	return nil
}

// AppealTime sets a timestamp for one appeal round.
type AppealTime struct {
	Appeal int       `json:"appeal"`
	At     time.Time `json:"at"`
}

// AppealDraws adds draw slots for one appeal round.
type AppealDraws struct {
	Appeal int      `json:"appeal"`
	Draws  []uint64 `json:"draws"`
}

// TokenShift is one token redistribution keyed by its originating log.
type TokenShift struct {
	Key    string   `json:"key"`
	Amount *big.Int `json:"amount"`
}

// DisputeUpdate is a partial write to a DisputeRecord. NumberOfAppeals is the
// ledger-side appeal count the update was derived from and bounds every
// appeal index it carries.
type DisputeUpdate struct {
	NumberOfAppeals   int             `json:"numberOfAppeals"`
	ArbitrableAddress *common.Address `json:"arbitrableAddress,omitempty"`
	Description       *string         `json:"description,omitempty"`
	Email             *string         `json:"email,omitempty"`
	CreatedAt         *AppealTime     `json:"createdAt,omitempty"`
	RuledAt           *AppealTime     `json:"ruledAt,omitempty"`
	Deadline          *AppealTime     `json:"deadline,omitempty"`
	Draws             *AppealDraws    `json:"draws,omitempty"`
	TokenShift        *TokenShift     `json:"tokenShift,omitempty"`
}

// Apply merges u into r. Appeal timestamps are write-once, draws only grow,
// and a token shift is added once per key.
func (r *DisputeRecord) Apply(u DisputeUpdate) error {
	for _, idx := range []int{appealOf(u.CreatedAt), appealOf(u.RuledAt), appealOf(u.Deadline), drawsAppealOf(u.Draws)} {
		if idx > u.NumberOfAppeals {
			return fmt.Errorf("%w: appeal %d beyond %d", ErrInconsistentState, idx, u.NumberOfAppeals)
		}
	}

	if u.NumberOfAppeals > r.NumberOfAppeals {
		r.NumberOfAppeals = u.NumberOfAppeals
	}
	if u.ArbitrableAddress != nil && r.ArbitrableAddress == (common.Address{}) {
		r.ArbitrableAddress = *u.ArbitrableAddress
	}
	if u.Description != nil {
		r.Description = u.Description
	}
	if u.Email != nil {
		r.Email = u.Email
	}
	if u.CreatedAt != nil {
		r.CreatedAt = setOnce(r.CreatedAt, *u.CreatedAt)
	}
	if u.RuledAt != nil {
		r.RuledAt = setOnce(r.RuledAt, *u.RuledAt)
	}
	if u.Deadline != nil {
		r.Deadlines = setOnce(r.Deadlines, *u.Deadline)
	}
	if u.Draws != nil {
		for len(r.Draws) <= u.Draws.Appeal {
			r.Draws = append(r.Draws, nil)
		}
		r.Draws[u.Draws.Appeal] = unionDraws(r.Draws[u.Draws.Appeal], u.Draws.Draws)
	}
	if u.TokenShift != nil && u.TokenShift.Amount != nil {
		if r.NetTokenShift == nil {
			r.NetTokenShift = new(big.Int)
		}
		if !slices.Contains(r.TokenShiftKeys, u.TokenShift.Key) {
			r.NetTokenShift = new(big.Int).Add(r.NetTokenShift, u.TokenShift.Amount)
			r.TokenShiftKeys = append(r.TokenShiftKeys, u.TokenShift.Key)
		}
	}
	return nil
}

func appealOf(t *AppealTime) int {
	if t == nil {
		return -1
	}
	return t.Appeal
}

func drawsAppealOf(d *AppealDraws) int {
	if d == nil {
		return -1
	}
	return d.Appeal
}

func setOnce(ts []time.Time, v AppealTime) []time.Time {
	if v.Appeal < 0 {
		return ts
	}
	for len(ts) <= v.Appeal {
		ts = append(ts, time.Time{})
	}
	if ts[v.Appeal].IsZero() {
		ts[v.Appeal] = v.At.UTC()
	}
	return ts
}

func unionDraws(have, add []uint64) []uint64 {
	out := slices.Clone(have)
	for _, d := range add {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// ApplyDispute merges u into the profile's record for the dispute, creating
// the record when absent, and returns the merged record.
func (p *Profile) ApplyDispute(arbitrator common.Address, disputeID uint64, u DisputeUpdate) (DisputeRecord, error) {
	for i := range p.Disputes {
		d := &p.Disputes[i]
		if d.Arbitrator == arbitrator && d.DisputeID == disputeID {
			if err := d.Apply(u); err != nil {
				return DisputeRecord{}, err
			}
			return *d, nil
		}
	}
	rec := NewDisputeRecord(arbitrator, disputeID)
	if err := rec.Apply(u); err != nil {
		return DisputeRecord{}, err
	}
	p.Disputes = append(p.Disputes, rec)
	return rec, nil
}

// PutContract inserts c or merges it into the existing record at the same
// address. Empty fields of c leave the stored values untouched and evidence
// is appended by URL.
func (p *Profile) PutContract(c ContractRecord) ContractRecord {
	for i := range p.Contracts {
		have := &p.Contracts[i]
		if have.Address != c.Address {
			continue
		}
		if c.Arbitrator != (common.Address{}) {
			have.Arbitrator = c.Arbitrator
		}
		if c.PartyA != (common.Address{}) {
			have.PartyA = c.PartyA
		}
		if c.PartyB != (common.Address{}) {
			have.PartyB = c.PartyB
		}
		if c.DisputeID != nil {
			have.DisputeID = c.DisputeID
		}
		if c.Description != "" {
			have.Description = c.Description
		}
		if c.Email != "" {
			have.Email = c.Email
		}
		for _, ev := range c.Evidence {
			if !slices.ContainsFunc(have.Evidence, func(e Evidence) bool { return e.URL == ev.URL }) {
				have.Evidence = append(have.Evidence, ev)
			}
		}
		return *have
	}
	p.Contracts = append(p.Contracts, c)
	return c
}

// Clone returns a deep copy of the record.
func (r DisputeRecord) Clone() DisputeRecord {
	out := r
	out.CreatedAt = slices.Clone(r.CreatedAt)
	out.RuledAt = slices.Clone(r.RuledAt)
	out.Deadlines = slices.Clone(r.Deadlines)
	out.TokenShiftKeys = slices.Clone(r.TokenShiftKeys)
	if r.Draws != nil {
		out.Draws = make([][]uint64, len(r.Draws))
		for i, d := range r.Draws {
			out.Draws[i] = slices.Clone(d)
		}
	}
	if r.NetTokenShift != nil {
		out.NetTokenShift = new(big.Int).Set(r.NetTokenShift)
	}
	return out
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	out := p
	if p.Disputes != nil {
		out.Disputes = make([]DisputeRecord, len(p.Disputes))
		for i, d := range p.Disputes {
			out.Disputes[i] = d.Clone()
		}
	}
	if p.Contracts != nil {
		out.Contracts = make([]ContractRecord, len(p.Contracts))
		for i, c := range p.Contracts {
			c.Evidence = slices.Clone(c.Evidence)
			out.Contracts[i] = c
		}
	}
	return out
}
