package dispute

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/ledger"
	"arbsync/model"
)

// View merges ledger-side dispute facts with the viewer's cached facts.
// Fields sourced only from the cache are nil when no record exists.
type View struct {
	Arbitrator        common.Address `json:"arbitratorAddress"`
	DisputeID         uint64         `json:"disputeId"`
	ArbitrableAddress common.Address `json:"arbitrableContractAddress"`
	Viewer            common.Address `json:"viewer"`

	FirstSession    uint64               `json:"firstSession"`
	LastSession     uint64               `json:"lastSession"`
	NumberOfAppeals int                  `json:"numberOfAppeals"`
	RulingChoices   uint64               `json:"rulingChoices"`
	State           ledger.DisputeState  `json:"state"`
	Status          ledger.DisputeStatus `json:"status"`

	Period  ledger.Period `json:"period"`
	Session uint64        `json:"session"`

	PartyA          common.Address         `json:"partyA"`
	PartyB          common.Address         `json:"partyB"`
	AgreementStatus ledger.AgreementStatus `json:"arbitrableContractStatus"`

	Description   *string          `json:"description,omitempty"`
	Email         *string          `json:"email,omitempty"`
	Evidence      []model.Evidence `json:"evidence"`
	NetTokenShift *big.Int         `json:"netPNK"`

	AppealJurors  []AppealJuror  `json:"appealJuror"`
	AppealRulings []AppealRuling `json:"appealRulings"`
}

// AppealJuror is the viewer's side of one appeal round.
type AppealJuror struct {
	Fee       *big.Int   `json:"fee"`
	Draws     []uint64   `json:"draws"`
	CanRule   bool       `json:"canRule"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// AppealRuling is the outcome side of one appeal round.
type AppealRuling struct {
	Ruling         uint64     `json:"ruling"`
	VoteCounts     []*big.Int `json:"voteCounter"`
	RuledAt        *time.Time `json:"ruledAt,omitempty"`
	CanRepartition bool       `json:"canRepartition"`
	CanExecute     bool       `json:"canExecute"`
}

// Ref names a dispute on an arbitrator.
type Ref struct {
	Arbitrator common.Address
	DisputeID  uint64
}
