package api

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"arbsync/logging"
	"arbsync/model"
)

// Hub fans pushed notifications out to the open streams of their account.
type Hub struct {
	buffer int

	mu   sync.Mutex
	subs map[common.Address]map[chan model.Notification]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		buffer: buffer,
		subs:   map[common.Address]map[chan model.Notification]struct{}{},
	}
}

// Subscribe registers a stream for account. The returned cancel function must
// be called when the stream ends.
func (h *Hub) Subscribe(account common.Address) (<-chan model.Notification, func()) {
	ch := make(chan model.Notification, h.buffer)
	h.mu.Lock()
	if h.subs[account] == nil {
		h.subs[account] = map[chan model.Notification]struct{}{}
	}
	h.subs[account][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[account], ch)
		if len(h.subs[account]) == 0 {
			delete(h.subs, account)
		}
	}
}

// Publish never blocks: a stream whose buffer is full misses the
// notification, which stays readable through the unread list.
func (h *Hub) Publish(ctx context.Context, n model.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[n.Account] {
		select {
		case ch <- n:
		default:
			logging.L(ctx).Warnf("Stream of %s is full, dropped %s", n.Account.Hex(), n.Type)
		}
	}
}

// Subscribers returns the number of open streams for account.
func (h *Hub) Subscribers(account common.Address) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[account])
}
