package service

import (
	"sync"
	"time"
)

// Presence tracks per-room typing indicators and online users. Typing entries
// are ephemeral: a remote peer's own stop signal clears its entry, and a local
// TTL sweep covers peers that drop off uncleanly mid-typing.
type Presence struct {
	mu     sync.RWMutex
	ttl    time.Duration
	typing map[int64]map[int64]time.Time
	online map[int64]map[int64]struct{}
}

// NewPresence creates a presence tracker. Typing entries older than ttl are
// ignored; ttl <= 0 disables the sweep and trusts stop signals alone.
func NewPresence(ttl time.Duration) *Presence {
	return &Presence{
		ttl:    ttl,
		typing: make(map[int64]map[int64]time.Time),
		online: make(map[int64]map[int64]struct{}),
	}
}

// SetTyping records a participant's typing state for a room. A stop signal
// removes the entry.
func (p *Presence) SetTyping(roomID, userID int64, isTyping bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, ok := p.typing[roomID]
	if !ok {
		if !isTyping {
			return
		}
		entries = make(map[int64]time.Time)
		p.typing[roomID] = entries
	}

	if isTyping {
		entries[userID] = now
		return
	}

	delete(entries, userID)
	if len(entries) == 0 {
		delete(p.typing, roomID)
	}
}

// HasActiveTyper reports whether anyone other than the viewer is typing in
// the room, honouring the TTL for stale entries.
func (p *Presence) HasActiveTyper(roomID, viewerID int64, now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for userID, seen := range p.typing[roomID] {
		if userID == viewerID {
			continue
		}
		if p.ttl > 0 && now.Sub(seen) > p.ttl {
			continue
		}
		return true
	}
	return false
}

// SetOnline replaces the room's online-user set wholesale.
func (p *Presence) SetOnline(roomID int64, userIDs []int64) {
	set := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[roomID] = set
}

// IsOnline reports whether a user is in the room's online set.
func (p *Presence) IsOnline(roomID, userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[roomID][userID]
	return ok
}

// OnlineUsers returns a snapshot of the room's online set.
func (p *Presence) OnlineUsers(roomID int64) []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]int64, 0, len(p.online[roomID]))
	for id := range p.online[roomID] {
		out = append(out, id)
	}
	return out
}

// ClearRoom drops all presence state for a room. Called on session teardown.
func (p *Presence) ClearRoom(roomID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, roomID)
	delete(p.online, roomID)
}
