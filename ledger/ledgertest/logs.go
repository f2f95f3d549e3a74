package ledgertest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/ledger"
)

// TxHash derives a deterministic transaction hash for a log position.
func TxHash(block uint64, index uint) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(block*1_000_000 + uint64(index) + 1))
}

func entry(contract common.Address, event string, block uint64, index uint, args map[string]any) ledger.LogEntry {
	return ledger.LogEntry{
		Contract:    contract,
		EventName:   event,
		BlockNumber: block,
		LogIndex:    index,
		TxHash:      TxHash(block, index),
		Args:        args,
	}
}

func NewPeriod(arbitrator common.Address, block uint64, index uint, p ledger.Period, session uint64) ledger.LogEntry {
	return entry(arbitrator, ledger.EventNewPeriod, block, index, map[string]any{
		"_period":  uint8(p),
		"_session": new(big.Int).SetUint64(session),
	})
}

func DisputeCreation(arbitrator common.Address, block uint64, index uint, disputeID uint64, arbitrable common.Address) ledger.LogEntry {
	return disputeEvent(arbitrator, ledger.EventDisputeCreation, block, index, disputeID, arbitrable)
}

func AppealPossible(arbitrator common.Address, block uint64, index uint, disputeID uint64, arbitrable common.Address) ledger.LogEntry {
	return disputeEvent(arbitrator, ledger.EventAppealPossible, block, index, disputeID, arbitrable)
}

func AppealDecision(arbitrator common.Address, block uint64, index uint, disputeID uint64, arbitrable common.Address) ledger.LogEntry {
	return disputeEvent(arbitrator, ledger.EventAppealDecision, block, index, disputeID, arbitrable)
}

func disputeEvent(arbitrator common.Address, event string, block uint64, index uint, disputeID uint64, arbitrable common.Address) ledger.LogEntry {
	return entry(arbitrator, event, block, index, map[string]any{
		"_disputeID":  new(big.Int).SetUint64(disputeID),
		"_arbitrable": arbitrable,
	})
}

func TokenShift(arbitrator common.Address, block uint64, index uint, account common.Address, disputeID uint64, amount int64) ledger.LogEntry {
	return entry(arbitrator, ledger.EventTokenShift, block, index, map[string]any{
		"_account":   account,
		"_disputeID": new(big.Int).SetUint64(disputeID),
		"_amount":    big.NewInt(amount),
	})
}

func ArbitrationReward(arbitrator common.Address, block uint64, index uint, account common.Address, disputeID uint64, amount int64) ledger.LogEntry {
	return entry(arbitrator, ledger.EventArbitrationReward, block, index, map[string]any{
		"_account":   account,
		"_disputeID": new(big.Int).SetUint64(disputeID),
		"_amount":    big.NewInt(amount),
	})
}
