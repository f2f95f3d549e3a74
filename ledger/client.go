package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Query selects logs of one contract in an inclusive block range. An empty
// EventName selects every known event; Indexed filters on indexed arguments
// of EventName by name.
type Query struct {
	Contract  common.Address
	EventName string
	FromBlock uint64
	ToBlock   uint64
	Indexed   map[string]any
}

// Client is the ledger collaborator: raw log queries and contract reads.
type Client interface {
	GetLogs(ctx context.Context, q Query) ([]LogEntry, error)
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	GetBlockTimestamp(ctx context.Context, block uint64) (time.Time, error)

	GetPeriod(ctx context.Context, arbitrator common.Address) (Period, error)
	GetSession(ctx context.Context, arbitrator common.Address) (uint64, error)
	GetLastPeriodChange(ctx context.Context, arbitrator common.Address) (time.Time, error)
	GetTimePerPeriod(ctx context.Context, arbitrator common.Address, period Period) (time.Duration, error)

	GetDispute(ctx context.Context, arbitrator common.Address, disputeID uint64) (Dispute, error)
	GetDisputeStatus(ctx context.Context, arbitrator common.Address, disputeID uint64) (DisputeStatus, error)
	CurrentRulingForDispute(ctx context.Context, arbitrator common.Address, disputeID uint64) (uint64, error)
	GetVoteCounts(ctx context.Context, arbitrator common.Address, disputeID uint64, appeal int, choices uint64) ([]*big.Int, error)
	GetDrawsForJuror(ctx context.Context, arbitrator common.Address, disputeID uint64, juror common.Address) ([]uint64, error)
	CanRuleDispute(ctx context.Context, arbitrator common.Address, disputeID uint64, draws []uint64, juror common.Address) (bool, error)
	GetJuror(ctx context.Context, arbitrator common.Address, juror common.Address) (Juror, error)
	GetArbitrationCost(ctx context.Context, arbitrator common.Address, extraData []byte) (*big.Int, error)

	GetAgreementData(ctx context.Context, agreement common.Address) (Agreement, error)
}
