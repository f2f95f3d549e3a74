package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NotificationType classifies a notification surfaced to an account.
type NotificationType string

const (
	TypeDisputeCreated    NotificationType = "DISPUTE_CREATED"
	TypeAppealPossible    NotificationType = "APPEAL_POSSIBLE"
	TypeRulingAppealed    NotificationType = "RULING_APPEALED"
	TypeTokenShift        NotificationType = "TOKEN_SHIFT"
	TypeArbitrationReward NotificationType = "ARBITRATION_REWARD"
	TypeCanActivate       NotificationType = "CAN_ACTIVATE"
	TypeCanVote           NotificationType = "CAN_VOTE"
	TypeCanPayFee         NotificationType = "CAN_PAY_FEE"
	TypeCanRepartition    NotificationType = "CAN_REPARTITION"
	TypeCanExecute        NotificationType = "CAN_EXECUTE"
)

// NotificationKey de-duplicates event-driven notifications. Subject is empty
// for notifications produced directly from a log; it carries the dispute
// reference when one log fans out to several disputes (period changes).
type NotificationKey struct {
	TxHash   common.Hash `json:"txHash"`
	LogIndex uint        `json:"logIndex"`
	Subject  string      `json:"subject,omitempty"`
}

// Notification is either persisted (event-driven, keyed) or ephemeral
// (stateful, zero key).
type Notification struct {
	Account     common.Address   `json:"account"`
	Key         NotificationKey  `json:"key"`
	BlockNumber uint64           `json:"blockNumber,omitempty"`
	Type        NotificationType `json:"type"`
	Message     string           `json:"message"`
	Payload     map[string]any   `json:"payload,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Persisted reports whether the notification came from a log entry.
func (n Notification) Persisted() bool {
	return n.Key.TxHash != (common.Hash{})
}
