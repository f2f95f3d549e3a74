package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/model"
)

type notificationID struct {
	account common.Address
	key     model.NotificationKey
}

// MemoryStore keeps everything in process memory. Reads return deep copies.
type MemoryStore struct {
	mu            sync.RWMutex
	profiles      map[common.Address]*model.Profile
	notifications map[notificationID]*model.Notification
	order         map[common.Address][]notificationID
	watermarks    map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:      map[common.Address]*model.Profile{},
		notifications: map[notificationID]*model.Notification{},
		order:         map[common.Address][]notificationID{},
		watermarks:    map[string]uint64{},
	}
}

// PutProfile replaces the stored profile for p.Account.
func (s *MemoryStore) PutProfile(p model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := p.Clone()
	s.profiles[p.Account] = &c
}

func (s *MemoryStore) GetUserProfile(_ context.Context, account common.Address) (model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[account]
	if !ok {
		return model.Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, account.Hex())
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetDisputeRecord(_ context.Context, arbitrator common.Address, disputeID uint64, account common.Address) (model.DisputeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[account]
	if !ok {
		return model.DisputeRecord{}, fmt.Errorf("%w: profile %s", ErrNotFound, account.Hex())
	}
	rec, ok := p.Dispute(arbitrator, disputeID)
	if !ok {
		return model.DisputeRecord{}, fmt.Errorf("%w: dispute %s/%d", ErrNotFound, arbitrator.Hex(), disputeID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateDisputeRecord(_ context.Context, arbitrator common.Address, disputeID uint64, account common.Address, u model.DisputeUpdate) (model.DisputeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profile(account)
	// apply on a copy so a rejected update leaves the stored record untouched
	next := p.Clone()
	rec, err := next.ApplyDispute(arbitrator, disputeID, u)
	if err != nil {
		return model.DisputeRecord{}, fmt.Errorf("cache: update dispute %s/%d: %w", arbitrator.Hex(), disputeID, err)
	}
	*p = next
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateContractRecord(_ context.Context, account common.Address, c model.ContractRecord) (model.ContractRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile(account).PutContract(c), nil
}

// profile must be called with mu held for writing.
func (s *MemoryStore) profile(account common.Address) *model.Profile {
	p, ok := s.profiles[account]
	if !ok {
		p = &model.Profile{Account: account}
		s.profiles[account] = p
	}
	return p
}

func (s *MemoryStore) NewNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := notificationID{account: n.Account, key: n.Key}
	if _, ok := s.notifications[id]; ok {
		return ErrDuplicateNotification
	}
	s.notifications[id] = &n
	s.order[n.Account] = append(s.order[n.Account], id)
	return nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, account common.Address, key model.NotificationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID{account: account, key: key}]
	if !ok {
		return fmt.Errorf("%w: notification %s:%d", ErrNotFound, key.TxHash.Hex(), key.LogIndex)
	}
	n.Read = true
	return nil
}

// GetNotifications returns the account's notifications oldest first by block.
func (s *MemoryStore) GetNotifications(_ context.Context, account common.Address, unreadOnly bool) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, 0, len(s.order[account]))
	for _, id := range s.order[account] {
		n := s.notifications[id]
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, *n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Key.LogIndex < out[j].Key.LogIndex
	})
	return out, nil
}

func (s *MemoryStore) GetWatermark(_ context.Context, consumer string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.watermarks[consumer]
	return block, ok, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, consumer string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if have, ok := s.watermarks[consumer]; !ok || block > have {
		s.watermarks[consumer] = block
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
