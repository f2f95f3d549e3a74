package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrTransient marks a ledger read that may succeed if retried.
	ErrTransient          = errors.New("ledger: transient source error")
	ErrDisputeNotFound    = errors.New("ledger: dispute not found")
	ErrAgreementNotFound  = errors.New("ledger: agreement not found")
	ErrUnknownEvent       = errors.New("ledger: unknown event")
	errUnexpectedResponse = errors.New("ledger: unexpected response")
)

// Event names emitted by the arbitrator.
const (
	EventNewPeriod         = "NewPeriod"
	EventTokenShift        = "TokenShift"
	EventArbitrationReward = "ArbitrationReward"
	EventDisputeCreation   = "DisputeCreation"
	EventAppealPossible    = "AppealPossible"
	EventAppealDecision    = "AppealDecision"
)

// Period is a phase of the arbitrator's session cycle.
type Period uint8

const (
	PeriodActivation Period = iota
	PeriodDraw
	PeriodVote
	PeriodAppeal
	PeriodExecute
)

func (p Period) String() string {
	switch p {
	case PeriodActivation:
		return "ACTIVATION"
	case PeriodDraw:
		return "DRAW"
	case PeriodVote:
		return "VOTE"
	case PeriodAppeal:
		return "APPEAL"
	case PeriodExecute:
		return "EXECUTE"
	default:
		return fmt.Sprintf("PERIOD(%d)", uint8(p))
	}
}

// DisputeState is the arbitrator-side lifecycle of a dispute. EXECUTED is
// terminal.
type DisputeState uint8

const (
	StateOpen DisputeState = iota
	StateResolving
	StateExecutable
	StateExecuted
)

func (s DisputeState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateResolving:
		return "RESOLVING"
	case StateExecutable:
		return "EXECUTABLE"
	case StateExecuted:
		return "EXECUTED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// DisputeStatus mirrors the arbitrator's disputeStatus view, which is
// independent of DisputeState.
type DisputeStatus uint8

const (
	StatusWaiting DisputeStatus = iota
	StatusAppealable
	StatusSolved
)

func (s DisputeStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusAppealable:
		return "APPEALABLE"
	case StatusSolved:
		return "SOLVED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// AgreementStatus is the arbitrable agreement's own status.
type AgreementStatus uint8

const (
	AgreementNoDispute AgreementStatus = iota
	AgreementWaitingPartyA
	AgreementWaitingPartyB
	AgreementDisputeCreated
	AgreementResolved
)

func (s AgreementStatus) String() string {
	switch s {
	case AgreementNoDispute:
		return "NO_DISPUTE"
	case AgreementWaitingPartyA:
		return "WAITING_PARTY_A"
	case AgreementWaitingPartyB:
		return "WAITING_PARTY_B"
	case AgreementDisputeCreated:
		return "DISPUTE_CREATED"
	case AgreementResolved:
		return "RESOLVED"
	default:
		return fmt.Sprintf("AGREEMENT(%d)", uint8(s))
	}
}

// LogEntry is one decoded event log.
type LogEntry struct {
	Contract    common.Address `json:"contract"`
	EventName   string         `json:"eventName"`
	BlockNumber uint64         `json:"blockNumber"`
	LogIndex    uint           `json:"logIndex"`
	TxHash      common.Hash    `json:"txHash"`
	Args        map[string]any `json:"args"`
}

// Key identifies the log uniquely on the chain.
func (e LogEntry) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Uint64 reads an unsigned integer argument.
func (e LogEntry) Uint64(name string) (uint64, error) {
	switch v := e.Args[name].(type) {
	case *big.Int:
		if v == nil || !v.IsUint64() {
			return 0, fmt.Errorf("%w: %s.%s out of range", errUnexpectedResponse, e.EventName, name)
		}
		return v.Uint64(), nil
	case uint8:
		return uint64(v), nil
	case uint64:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: %s.%s is %T", errUnexpectedResponse, e.EventName, name, e.Args[name])
	}
}

// BigInt reads a (possibly signed) 256-bit integer argument.
func (e LogEntry) BigInt(name string) (*big.Int, error) {
	v, ok := e.Args[name].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s.%s is %T", errUnexpectedResponse, e.EventName, name, e.Args[name])
	}
	return v, nil
}

// Address reads an address argument.
func (e LogEntry) Address(name string) (common.Address, error) {
	v, ok := e.Args[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s.%s is %T", errUnexpectedResponse, e.EventName, name, e.Args[name])
	}
	return v, nil
}

// Dispute is the arbitrator-side record of one dispute.
type Dispute struct {
	ID                     uint64         `json:"disputeId"`
	Arbitrated             common.Address `json:"arbitrableContractAddress"`
	FirstSession           uint64         `json:"firstSession"`
	NumberOfAppeals        int            `json:"numberOfAppeals"`
	RulingChoices          uint64         `json:"rulingChoices"`
	InitialNumberJurors    uint64         `json:"initialNumberJurors"`
	ArbitrationFeePerJuror *big.Int       `json:"arbitrationFeePerJuror"`
	State                  DisputeState   `json:"state"`
}

// LastSession is derived from its two inputs, never stored.
func (d Dispute) LastSession() uint64 {
	return d.FirstSession + uint64(d.NumberOfAppeals)
}

// Juror is the arbitrator's record of a juror's stake.
type Juror struct {
	Balance      *big.Int `json:"balance"`
	AtStake      *big.Int `json:"atStake"`
	LastSession  uint64   `json:"lastSession"`
	SegmentStart uint64   `json:"segmentStart"`
	SegmentEnd   uint64   `json:"segmentEnd"`
}

// Agreement is the arbitrable contract's state.
type Agreement struct {
	Address             common.Address  `json:"address"`
	Arbitrator          common.Address  `json:"arbitrator"`
	PartyA              common.Address  `json:"partyA"`
	PartyB              common.Address  `json:"partyB"`
	PartyAFee           *big.Int        `json:"partyAFee"`
	PartyBFee           *big.Int        `json:"partyBFee"`
	Status              AgreementStatus `json:"status"`
	DisputeID           uint64          `json:"disputeId"`
	ArbitratorExtraData []byte          `json:"arbitratorExtraData"`
	Amount              *big.Int        `json:"amount"`
}

// FeeOf returns the fee posted by account and whether account is a party.
func (a Agreement) FeeOf(account common.Address) (*big.Int, bool) {
	switch account {
	case a.PartyA:
		return a.PartyAFee, true
	case a.PartyB:
		return a.PartyBFee, true
	default:
		return nil, false
	}
}
