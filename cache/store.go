// Package cache is the off-chain store of per-account facts: profiles,
// dispute records, contract records, notifications and watermarks.
package cache

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/model"
)

var (
	ErrTransient = errors.New("cache: transient store error")
	ErrNotFound  = errors.New("cache: not found")
	// ErrDuplicateNotification is returned by NewNotification when the
	// account already holds a notification with the same key.
	ErrDuplicateNotification = errors.New("cache: duplicate notification")
)

// Store is the off-chain cache collaborator.
type Store interface {
	// GetUserProfile returns ErrNotFound for an account never written.
	GetUserProfile(ctx context.Context, account common.Address) (model.Profile, error)
	GetDisputeRecord(ctx context.Context, arbitrator common.Address, disputeID uint64, account common.Address) (model.DisputeRecord, error)
	// UpdateDisputeRecord merges u with the rules of model.DisputeRecord.Apply.
	UpdateDisputeRecord(ctx context.Context, arbitrator common.Address, disputeID uint64, account common.Address, u model.DisputeUpdate) (model.DisputeRecord, error)
	UpdateContractRecord(ctx context.Context, account common.Address, c model.ContractRecord) (model.ContractRecord, error)

	NewNotification(ctx context.Context, n model.Notification) error
	MarkNotificationRead(ctx context.Context, account common.Address, key model.NotificationKey) error
	GetNotifications(ctx context.Context, account common.Address, unreadOnly bool) ([]model.Notification, error)

	// GetWatermark reports false when consumer has no watermark yet.
	GetWatermark(ctx context.Context, consumer string) (uint64, bool, error)
	// SetWatermark never lowers a stored watermark.
	SetWatermark(ctx context.Context, consumer string, block uint64) error
}
