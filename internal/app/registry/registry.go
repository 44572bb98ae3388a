package registry

import (
	"context"
	"sync"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/contracts"
)

// Registry tracks this node's live WebSocket connections, indexed by
// conversation and by user. A user may hold several connections at
// once (multiple devices/surfaces on the same conversation).
type Registry struct {
	mu      sync.RWMutex
	conns   map[contracts.Client]struct{}
	byConv  map[string]map[contracts.Client]struct{}
	byUser  map[string]map[contracts.Client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[contracts.Client]struct{}),
		byConv: make(map[string]map[contracts.Client]struct{}),
		byUser: make(map[string]map[contracts.Client]struct{}),
	}
}

func (r *Registry) Register(c contracts.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	if r.byConv[c.ConversationID()] == nil {
		r.byConv[c.ConversationID()] = make(map[contracts.Client]struct{})
	}
	r.byConv[c.ConversationID()][c] = struct{}{}
	if r.byUser[c.UserID()] == nil {
		r.byUser[c.UserID()] = make(map[contracts.Client]struct{})
	}
	r.byUser[c.UserID()][c] = struct{}{}
}

func (r *Registry) Unregister(c contracts.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	if set := r.byConv[c.ConversationID()]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byConv, c.ConversationID())
		}
	}
	if set := r.byUser[c.UserID()]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUser, c.UserID())
		}
	}
}

// SendTo delivers data to every connection of one local user.
func (r *Registry) SendTo(ctx context.Context, userID string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.byUser[userID] {
		_ = c.Send(ctx, data)
	}
}

// Fanout delivers data to every local connection on the conversation,
// skipping the originating user when exceptUserID is set.
func (r *Registry) Fanout(ctx context.Context, convID string, exceptUserID string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.byConv[convID] {
		if exceptUserID != "" && c.UserID() == exceptUserID {
			continue
		}
		_ = c.Send(ctx, data)
	}
}

// ConnectionCount reports the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
