package service

import (
	"sort"
	"sync"

	"github.com/plainshop/support-chat/internal/models"
)

// MessageStore is the authoritative, room-keyed ordered log of chat messages
// and the single source the message list renders from. Control frames never
// enter the store.
type MessageStore struct {
	mu    sync.RWMutex
	rooms map[int64][]models.ChatMessage
	seen  map[int64]map[string]struct{}
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		rooms: make(map[int64][]models.ChatMessage),
		seen:  make(map[int64]map[string]struct{}),
	}
}

// Insert merges one message into a room's sequence. Inserting an id the room
// already holds is a no-op, and the sequence is re-sorted ascending by
// timestamp with ties keeping insertion order.
func (s *MessageStore) Insert(roomID int64, message models.ChatMessage) {
	if message.Type.IsControl() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.seen[roomID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[roomID] = ids
	}
	if _, exists := ids[message.ID]; exists {
		return
	}
	ids[message.ID] = struct{}{}

	sequence := append(s.rooms[roomID], message)
	sortMessages(sequence)
	s.rooms[roomID] = sequence
}

// ReplaceAll installs a room's sequence wholesale, applying the same sort
// rule. Used for the initial history load.
func (s *MessageStore) ReplaceAll(roomID int64, messages []models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(messages))
	sequence := make([]models.ChatMessage, 0, len(messages))
	for _, message := range messages {
		if message.Type.IsControl() {
			continue
		}
		if _, exists := ids[message.ID]; exists {
			continue
		}
		ids[message.ID] = struct{}{}
		sequence = append(sequence, message)
	}
	sortMessages(sequence)

	s.rooms[roomID] = sequence
	s.seen[roomID] = ids
}

// MarkRead flips isRead on every message in the room addressed to the viewer.
// This is a local, client-only state change.
func (s *MessageStore) MarkRead(roomID, viewerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sequence := s.rooms[roomID]
	for i := range sequence {
		if sequence[i].ReceiverID == viewerID && !sequence[i].IsRead {
			sequence[i].IsRead = true
		}
	}
}

// Messages returns a render snapshot of the room's ordered sequence. The
// internal slice is never handed out.
func (s *MessageStore) Messages(roomID int64) []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sequence := s.rooms[roomID]
	out := make([]models.ChatMessage, len(sequence))
	copy(out, sequence)
	return out
}

// LastMessage returns the newest message in the room, if any.
func (s *MessageStore) LastMessage(roomID int64) (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sequence := s.rooms[roomID]
	if len(sequence) == 0 {
		return models.ChatMessage{}, false
	}
	return sequence[len(sequence)-1], true
}

// UnreadCount counts messages addressed to the viewer that are still unread.
func (s *MessageStore) UnreadCount(roomID, viewerID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, message := range s.rooms[roomID] {
		if message.ReceiverID == viewerID && !message.IsRead {
			count++
		}
	}
	return count
}

// Len reports the number of messages held for a room.
func (s *MessageStore) Len(roomID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

// Reset clears all per-room state. Used on logout and session teardown.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[int64][]models.ChatMessage)
	s.seen = make(map[int64]map[string]struct{})
}

func sortMessages(sequence []models.ChatMessage) {
	sort.SliceStable(sequence, func(i, j int) bool {
		return sequence[i].Timestamp.Before(sequence[j].Timestamp)
	})
}
