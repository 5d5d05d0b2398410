package realtime

import (
	"sort"
	"sync"
)

// PresenceTracker holds the set of users currently online.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresenceTracker returns an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

// Apply folds a presence event into the set. Other events are ignored.
func (p *PresenceTracker) Apply(event InboundEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := event.(type) {
	case UserOnline:
		p.online[e.UserID] = struct{}{}
	case UserOffline:
		delete(p.online, e.UserID)
	}
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// OnlineIDs returns the online user ids in ascending order.
func (p *PresenceTracker) OnlineIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear forgets everyone. The server replays the online set after the next connect.
func (p *PresenceTracker) Clear() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
}
