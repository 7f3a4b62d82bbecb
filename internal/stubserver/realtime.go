package stubserver

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/plainshop/support-chat/internal/dto"
	"github.com/plainshop/support-chat/internal/models"
	"github.com/plainshop/support-chat/internal/service"
)

// hub tracks the realtime clients subscribed to each room.
type hub struct {
	mu    sync.RWMutex
	rooms map[int64]map[*wsClient]struct{}
	log   zerolog.Logger
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan dto.ChatMessageFrame
	roomID int64
	closed chan struct{}
	once   sync.Once
}

func (h *hub) register(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[client.roomID]; !exists {
		h.rooms[client.roomID] = make(map[*wsClient]struct{})
	}
	h.rooms[client.roomID][client] = struct{}{}
	h.log.Debug().Int64("room_id", client.roomID).Msg("realtime client subscribed")
}

func (h *hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.rooms[client.roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, client.roomID)
		}
	}
	h.log.Debug().Int64("room_id", client.roomID).Msg("realtime client gone")
}

func (h *hub) broadcast(roomID int64, frame dto.ChatMessageFrame, skip *wsClient) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		if client == skip {
			continue
		}
		select {
		case client.send <- frame:
		default:
			h.log.Warn().Int64("room_id", roomID).Msg("dropping frame for slow client")
		}
	}
}

func (s *Server) handleRealtime(conn *websocket.Conn) {
	// The first frame must be the room subscription.
	var subscribe service.SubscribeFrame
	if err := conn.ReadJSON(&subscribe); err != nil || subscribe.Action != "subscribe" {
		_ = conn.Close()
		return
	}

	roomID := roomFromTopic(subscribe.Topic)
	if roomID <= 0 {
		_ = conn.Close()
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan dto.ChatMessageFrame, sendBufferSize),
		roomID: roomID,
		closed: make(chan struct{}),
	}

	s.hub.register(client)
	s.broadcastPresence(roomID)

	go s.writer(client)
	s.reader(client)

	s.hub.unregister(client)
	s.broadcastPresence(roomID)
	client.close()
}

func (s *Server) reader(client *wsClient) {
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var control service.SubscribeFrame
		if err := json.Unmarshal(payload, &control); err == nil && control.Action == "unsubscribe" {
			return
		}

		var frame dto.ChatMessageFrame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.MessageType == "" {
			continue
		}

		switch {
		case models.MessageType(frame.MessageType) == models.MessageTypeTyping:
			// Typing pulses fan out to everyone but the typist.
			s.hub.broadcast(client.roomID, frame, client)
		case isPersistent(frame.MessageType):
			assignMessageID(&frame)
			s.mu.Lock()
			s.messages[client.roomID] = append(s.messages[client.roomID], frame)
			s.mu.Unlock()
			// Content frames echo back to the sender as well.
			s.hub.broadcast(client.roomID, frame, nil)
		}
	}
}

func roomFromTopic(topic string) int64 {
	const prefix = "/topic/chatroom/"
	if !strings.HasPrefix(topic, prefix) {
		return 0
	}
	roomID, err := strconv.ParseInt(strings.TrimPrefix(topic, prefix), 10, 64)
	if err != nil {
		return 0
	}
	return roomID
}

func (s *Server) writer(client *wsClient) {
	defer client.close()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				return
			}
			if err := client.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-client.closed:
			return
		}
	}
}

// broadcastPresence replaces every member's view of the online set.
func (s *Server) broadcastPresence(roomID int64) {
	s.hub.mu.RLock()
	count := len(s.hub.rooms[roomID])
	s.hub.mu.RUnlock()

	s.mu.RLock()
	userID := s.rooms[roomID]
	s.mu.RUnlock()

	userIDs := []int64{}
	if count > 0 && userID != 0 {
		userIDs = append(userIDs, userID)
	}

	s.hub.broadcast(roomID, dto.ChatMessageFrame{
		RoomID:      roomID,
		MessageType: string(models.MessageTypeOnlineStatus),
		UserIDs:     userIDs,
	}, nil)
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
