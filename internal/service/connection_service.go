package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/plainshop/support-chat/internal/client"
	"github.com/plainshop/support-chat/internal/dto"
	"github.com/plainshop/support-chat/internal/models"
	"github.com/plainshop/support-chat/internal/observability"
)

// ConnState is the lifecycle state of the realtime connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String renders the state for logs and error messages.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// SubscribeFrame is the room-scoped subscription sent right after the
// handshake. Topic format is part of the wire contract.
type SubscribeFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// RoomTopic renders the subscribe-path for a room.
func RoomTopic(roomID int64) string {
	return fmt.Sprintf("/topic/chatroom/%d", roomID)
}

// ConnectionEvents routes classified inbound traffic and lifecycle changes
// out of the connection manager. Handlers run on the read goroutine.
type ConnectionEvents struct {
	OnMessage         func(models.ChatMessage)
	OnTyping          func(roomID, userID int64, isTyping bool)
	OnOnlineStatus    func(roomID int64, userIDs []int64)
	OnStateChange     func(ConnState)
	OnTerminalFailure func(error)
}

// ConnectionConfig carries the transport tunables.
type ConnectionConfig struct {
	RealtimeURL string
	AuthToken   string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Heartbeat   time.Duration
}

// Connection is the outbound surface the session depends on.
type Connection interface {
	Connect(ctx context.Context, roomID int64) error
	Publish(frame dto.ChatMessageFrame) error
	State() ConnState
	Shutdown()
}

// ConnectionManager owns exactly one authenticated realtime connection for an
// active room: handshake, room subscription, heartbeat, inbound routing, and
// exponential-backoff reconnection.
type ConnectionManager struct {
	cfg    ConnectionConfig
	events ConnectionEvents
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu             sync.Mutex
	writeMu        sync.Mutex
	conn           *websocket.Conn
	state          ConnState
	roomID         int64
	attempt        int
	reconnectTimer *time.Timer
	shutdown       bool
	generation     int
}

// NewConnectionManager creates a manager in the DISCONNECTED state.
func NewConnectionManager(cfg ConnectionConfig, events ConnectionEvents, logger zerolog.Logger) *ConnectionManager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	return &ConnectionManager{
		cfg:    cfg,
		events: events,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With().Str("component", "connection_manager").Logger(),
	}
}

// Connect validates its inputs, performs the authenticated handshake and
// subscribes to the room topic. Missing room id or credential fails fast with
// no connection attempt. A transport failure schedules a backoff retry.
func (m *ConnectionManager) Connect(ctx context.Context, roomID int64) error {
	if roomID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRoomID, roomID)
	}
	if err := client.InspectCredential(m.cfg.AuthToken, time.Now()); err != nil {
		observability.ChatConnections().WithLabelValues("rejected").Inc()
		return err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("connection already %s", state)
	}
	m.roomID = roomID
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.AuthToken)

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.RealtimeURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		observability.ChatConnections().WithLabelValues("failure").Inc()
		m.logger.Warn().Err(err).Str("url", m.cfg.RealtimeURL).Msg("realtime handshake failed")
		m.connectionLost()
		return fmt.Errorf("realtime handshake failed: %w", err)
	}

	subscribe := SubscribeFrame{Action: "subscribe", Topic: RoomTopic(m.roomID)}
	if err := conn.WriteJSON(subscribe); err != nil {
		_ = conn.Close()
		observability.ChatConnections().WithLabelValues("failure").Inc()
		m.connectionLost()
		return fmt.Errorf("room subscription failed: %w", err)
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	m.conn = conn
	m.attempt = 0
	m.generation++
	generation := m.generation
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	observability.ChatConnections().WithLabelValues("success").Inc()
	m.logger.Info().Int64("room_id", m.roomID).Msg("realtime connection established")

	go m.readLoop(conn, generation)
	go m.heartbeat(conn, generation)
	return nil
}

// Publish serializes the frame and sends it, only while CONNECTED. Sends
// during any other state fail immediately rather than queuing.
func (m *ConnectionManager) Publish(frame dto.ChatMessageFrame) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	observability.ChatMessages().WithLabelValues("outbound", frame.MessageType).Inc()
	return nil
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Shutdown releases the subscription and transport, cancels any pending
// reconnect timer and resets the attempt counter. Idempotent, and safe when
// never connected.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempt = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		unsubscribe := SubscribeFrame{Action: "unsubscribe", Topic: RoomTopic(m.roomID)}
		m.writeMu.Lock()
		_ = conn.WriteJSON(unsubscribe)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room exit"))
		m.writeMu.Unlock()
		_ = conn.Close()
	}

	m.logger.Info().Int64("room_id", m.roomID).Msg("realtime connection shut down")
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn, generation int) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.shutdown || generation != m.generation
			m.mu.Unlock()
			if stale {
				return
			}
			m.logger.Warn().Err(err).Msg("realtime connection lost")
			m.dropConnection(conn)
			m.connectionLost()
			return
		}

		m.route(payload)
	}
}

// route classifies one inbound frame. Malformed frames are dropped and
// logged; they never terminate the connection.
func (m *ConnectionManager) route(payload []byte) {
	var frame dto.ChatMessageFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		observability.ChatFramesDropped().WithLabelValues("malformed").Inc()
		m.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch models.MessageType(frame.MessageType) {
	case models.MessageTypeTyping:
		if m.events.OnTyping != nil {
			isTyping := frame.IsTyping != nil && *frame.IsTyping
			userID := int64(0)
			if frame.Sender == string(models.RoleAdmin) && frame.AdminID != nil {
				userID = *frame.AdminID
			} else if frame.UserID != nil {
				userID = *frame.UserID
			}
			m.events.OnTyping(frame.RoomID, userID, isTyping)
		}
	case models.MessageTypeOnlineStatus:
		if m.events.OnOnlineStatus != nil {
			m.events.OnOnlineStatus(frame.RoomID, frame.UserIDs)
		}
	default:
		observability.ChatMessages().WithLabelValues("inbound", frame.MessageType).Inc()
		if m.events.OnMessage != nil {
			m.events.OnMessage(dto.NewChatMessage(frame, time.Now()))
		}
	}
}

func (m *ConnectionManager) heartbeat(conn *websocket.Conn, generation int) {
	interval := m.cfg.Heartbeat
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		stale := m.shutdown || generation != m.generation || m.conn != conn
		m.mu.Unlock()
		if stale {
			return
		}

		m.writeMu.Lock()
		err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive"))
		m.writeMu.Unlock()
		if err != nil {
			m.logger.Debug().Err(err).Msg("heartbeat failed")
			return
		}
	}
}

// dropConnection detaches the broken transport if it is still current.
func (m *ConnectionManager) dropConnection(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// connectionLost drives the reconnect state machine for any disconnection
// the caller did not initiate: delay = min(base * 2^attempt, max), with a
// hard attempt ceiling. Beyond the ceiling the failure is terminal.
func (m *ConnectionManager) connectionLost() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateDisconnected)

	if m.attempt >= m.cfg.MaxAttempts {
		m.mu.Unlock()
		m.logger.Error().Int("attempts", m.cfg.MaxAttempts).Msg("reconnection attempts exhausted")
		if m.events.OnTerminalFailure != nil {
			m.events.OnTerminalFailure(ErrRetriesExhausted)
		}
		return
	}

	delay := BackoffDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempt)
	m.attempt++
	attempt := m.attempt
	m.reconnectTimer = time.AfterFunc(delay, m.redial)
	m.mu.Unlock()

	observability.ChatReconnects().Inc()
	m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *ConnectionManager) redial() {
	m.mu.Lock()
	if m.shutdown || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Failure feeds back into connectionLost, which schedules the next attempt.
	_ = m.dial(ctx)
}

func (m *ConnectionManager) setStateLocked(state ConnState) {
	if m.state == state {
		return
	}
	m.state = state
	if m.events.OnStateChange != nil {
		go m.events.OnStateChange(state)
	}
}

// BackoffDelay computes the n-th reconnect delay: min(base * 2^attempt, max).
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
