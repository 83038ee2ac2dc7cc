package api

import (
	"context"
	"sync"

	"github.com/cuemby/perpetual/pkg/broadcast"
)

var _ broadcast.Notifier = (*PushHub)(nil)

type pushKey struct {
	accountID string
	workerID  string
}

// PushHub fans assignment-changed notifications out to the workers that
// hold an open WatchAssignments stream. Each subscriber has a one-slot
// buffer, so bursts collapse into a single wake-up.
type PushHub struct {
	mu     sync.Mutex
	subs   map[pushKey]map[chan struct{}]struct{}
	closed bool
}

// NewPushHub creates an empty hub
func NewPushHub() *PushHub {
	return &PushHub{
		subs: make(map[pushKey]map[chan struct{}]struct{}),
	}
}

// Subscribe registers a stream for (accountID, workerID). The returned
// channel is closed when cancel is called or the hub is closed.
func (h *PushHub) Subscribe(accountID, workerID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	key := pushKey{accountID: accountID, workerID: workerID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan struct{}]struct{})
	}
	h.subs[key][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[key][ch]; !ok {
				return
			}
			delete(h.subs[key], ch)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// NotifyAssignmentChanged wakes every stream of the worker. A worker with
// no open stream picks the change up on its next poll.
func (h *PushHub) NotifyAssignmentChanged(ctx context.Context, accountID, workerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[pushKey{accountID: accountID, workerID: workerID}] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of open streams for a worker
func (h *PushHub) Subscribers(accountID, workerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[pushKey{accountID: accountID, workerID: workerID}])
}

// Close ends every subscription
func (h *PushHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for key, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, key)
	}
}
