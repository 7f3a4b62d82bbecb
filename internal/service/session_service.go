package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plainshop/support-chat/internal/client"
	"github.com/plainshop/support-chat/internal/dto"
	"github.com/plainshop/support-chat/internal/models"
	"github.com/plainshop/support-chat/internal/observability"
)

// SessionState is the lifecycle state of a room session.
type SessionState string

const (
	SessionValidating     SessionState = "VALIDATING"
	SessionAccessDenied   SessionState = "ACCESS_DENIED"
	SessionLoadingHistory SessionState = "LOADING_HISTORY"
	SessionReady          SessionState = "READY"
	SessionClosed         SessionState = "CLOSED"
)

// Pinned greeting shown to customers instead of a history fetch.
const (
	greetingID      = "system-greeting"
	greetingContent = "Hello! How can we help you today?"
)

var greetingButtons = []string{"Order status", "Exchange or refund", "Membership & points", "Talk to an agent"}

// Backend is the subset of the storefront API the session depends on.
type Backend interface {
	CheckAccess(ctx context.Context, roomID int64) error
	FetchHistory(ctx context.Context, roomID int64) ([]dto.ChatMessageFrame, error)
	UploadAttachment(ctx context.Context, fileName string, content io.Reader) (dto.UploadResponse, error)
}

// ConnectionFactory builds the realtime connection bound to the session's
// event routing. Swapped for a fake in tests.
type ConnectionFactory func(events ConnectionEvents) Connection

// SessionOptions configures a room session.
type SessionOptions struct {
	Identity       dto.Identity
	Backend        Backend
	Connect        ConnectionFactory
	Store          *MessageStore
	Presence       *Presence
	TypingDebounce time.Duration
	TypingIdle     time.Duration
	RedirectDelay  time.Duration

	// OnRedirect fires after the access-denied delay. OnError surfaces
	// non-fatal session errors (the error banner). Both are optional.
	OnRedirect func()
	OnError    func(error)
}

// RoomSession binds one room view to the connection manager, typing
// coordinator and message store, and owns the initial data load.
type RoomSession struct {
	opts      SessionOptions
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer

	mu            sync.Mutex
	state         SessionState
	roomID        int64
	conn          Connection
	typing        *TypingCoordinator
	redirectTimer *time.Timer
}

// NewRoomSession creates a session in the VALIDATING state. Nothing touches
// the network until Open.
func NewRoomSession(opts SessionOptions, validate *validator.Validate, logger zerolog.Logger) *RoomSession {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = 300 * time.Millisecond
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = 2 * time.Second
	}
	if opts.RedirectDelay <= 0 {
		opts.RedirectDelay = 3 * time.Second
	}

	return &RoomSession{
		opts:      opts,
		validator: validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "room_session").Logger(),
		tracer:    otel.Tracer("github.com/plainshop/support-chat/internal/service"),
		state:     SessionValidating,
	}
}

// State returns the session's lifecycle state.
func (s *RoomSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the canonical numeric room id, 0 before Open succeeds.
func (s *RoomSession) RoomID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// NormalizeRoomID converts the routing-layer room id into the canonical
// numeric form used everywhere downstream.
func NormalizeRoomID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidRoomID
	}
	roomID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || roomID <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRoomID, raw)
	}
	return roomID, nil
}

// Open runs the session through validation and history loading, then brings
// up the realtime connection. Access denial is terminal: no connection is
// opened, no history fetched, and the redirect fires after the fixed delay.
func (s *RoomSession) Open(ctx context.Context, rawRoomID string) error {
	roomID, err := NormalizeRoomID(rawRoomID)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "chat.session_open",
		trace.WithAttributes(attribute.Int64("chat.room_id", roomID)))
	defer span.End()

	s.mu.Lock()
	if s.state != SessionValidating {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already %s", state)
	}
	s.roomID = roomID
	s.mu.Unlock()

	if err := s.opts.Backend.CheckAccess(ctx, roomID); err != nil {
		if errors.Is(err, client.ErrAccessDenied) {
			s.deny()
			return err
		}
		// A backend hiccup on the access check is a visible banner, not a
		// denial; the session carries on.
		span.RecordError(err)
		s.surfaceError(fmt.Errorf("access validation failed: %w", err))
	}

	s.setState(SessionLoadingHistory)
	if err := s.loadHistory(ctx, roomID); err != nil {
		if errors.Is(err, client.ErrAccessDenied) {
			s.deny()
			return err
		}
		// Anything else is a visible but non-fatal banner; the socket may
		// still connect and the session stays usable.
		s.surfaceError(fmt.Errorf("history load failed: %w", err))
	}

	conn := s.opts.Connect(ConnectionEvents{
		OnMessage:         s.handleMessage,
		OnTyping:          s.handleTyping,
		OnOnlineStatus:    s.handleOnlineStatus,
		OnStateChange:     s.handleConnState,
		OnTerminalFailure: s.handleTerminalFailure,
	})

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		conn.Shutdown()
		return ErrSessionClosed
	}
	s.conn = conn
	s.typing = NewTypingCoordinator(s.opts.TypingDebounce, s.opts.TypingIdle, s.emitTyping, s.logger)
	s.mu.Unlock()

	observability.ChatSessionsActive().Inc()

	if err := conn.Connect(ctx, roomID); err != nil {
		// Transport failures feed the manager's own backoff; surface and
		// keep the session alive. Credential problems are terminal.
		if errors.Is(err, client.ErrMissingCredential) || errors.Is(err, client.ErrExpiredCredential) {
			span.RecordError(err)
			return err
		}
		s.surfaceError(err)
	}

	return nil
}

func (s *RoomSession) loadHistory(ctx context.Context, roomID int64) error {
	if s.opts.Identity.Role != models.RoleAdmin {
		// Customers never fetch prior history; they get a pinned greeting
		// with quick replies, forced to the top by the epoch-zero timestamp.
		greeting := models.ChatMessage{
			ID:         greetingID,
			RoomID:     roomID,
			Sender:     models.RoleAdmin,
			ReceiverID: s.opts.Identity.UserID,
			Content:    greetingContent,
			Type:       models.MessageTypeSystemButtons,
			Metadata:   models.EncodeMetadata(models.MessageMetadata{Buttons: greetingButtons}),
			Timestamp:  time.Unix(0, 0).UTC(),
			IsRead:     true,
		}
		s.opts.Store.ReplaceAll(roomID, []models.ChatMessage{greeting})
		return nil
	}

	frames, err := s.opts.Backend.FetchHistory(ctx, roomID)
	if err != nil {
		return err
	}

	messages := dto.NewChatMessageSlice(frames, time.Now())
	s.opts.Store.ReplaceAll(roomID, messages)
	s.opts.Store.MarkRead(roomID, s.viewerID())
	return nil
}

// SendText validates, sanitizes and publishes a text message. The store is
// not mutated optimistically; the echoed frame lands through the inbound path.
func (s *RoomSession) SendText(content string) error {
	roomID, conn, err := s.live()
	if err != nil {
		return err
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(content))
	if clean == "" {
		return ErrEmptyMessage
	}

	request := dto.ChatSendRequest{RoomID: roomID, Content: clean, Type: string(models.MessageTypeText)}
	if err := s.validator.Struct(request); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	frame := dto.NewMessageFrame(roomID, s.opts.Identity, models.MessageTypeText, clean, "")
	if err := conn.Publish(frame); err != nil {
		return err
	}

	s.typingStopAfterSend()
	return nil
}

// SendAttachment uploads the payload, then publishes an IMAGE or FILE frame
// whose message field carries the hosted URL.
func (s *RoomSession) SendAttachment(ctx context.Context, fileName string, content io.Reader) error {
	roomID, conn, err := s.live()
	if err != nil {
		return err
	}

	uploaded, err := s.opts.Backend.UploadAttachment(ctx, fileName, content)
	if err != nil {
		return fmt.Errorf("attachment upload failed: %w", err)
	}

	messageType := models.MessageTypeFile
	if strings.HasPrefix(uploaded.FileType, "image/") {
		messageType = models.MessageTypeImage
	}

	metadata := models.EncodeMetadata(models.MessageMetadata{
		FileName: uploaded.FileName,
		FileSize: uploaded.FileSize,
		FileType: uploaded.FileType,
	})

	frame := dto.NewMessageFrame(roomID, s.opts.Identity, messageType, uploaded.URL, metadata)
	if err := conn.Publish(frame); err != nil {
		return err
	}

	s.typingStopAfterSend()
	return nil
}

// TypingPulse reports a local keystroke to the typing coordinator.
func (s *RoomSession) TypingPulse() {
	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()
	if typing != nil {
		typing.InputChanged()
	}
}

// TypingCleared reports the input became empty.
func (s *RoomSession) TypingCleared() {
	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()
	if typing != nil {
		typing.InputCleared()
	}
}

// HasActiveTyper reports whether the remote side is typing.
func (s *RoomSession) HasActiveTyper() bool {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	return s.opts.Presence.HasActiveTyper(roomID, s.viewerID(), time.Now())
}

// Close tears the session down: final stop-typing, connection shutdown,
// redirect timer cancelled, presence cleared. Safe to call more than once;
// nothing owned by the session may fire afterwards.
func (s *RoomSession) Close() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	typing := s.typing
	s.typing = nil
	if s.redirectTimer != nil {
		s.redirectTimer.Stop()
		s.redirectTimer = nil
	}
	s.mu.Unlock()

	// The final stop-typing signal has to go out while the connection is
	// still up, so the typing teardown runs before the socket comes down.
	if typing != nil {
		typing.Teardown()
	}

	s.mu.Lock()
	wasOpen := s.conn != nil
	conn := s.conn
	s.conn = nil
	roomID := s.roomID
	s.roomID = 0
	s.mu.Unlock()

	if conn != nil {
		conn.Shutdown()
	}
	if s.opts.Presence != nil {
		s.opts.Presence.ClearRoom(roomID)
	}
	if wasOpen {
		observability.ChatSessionsActive().Dec()
	}

	s.logger.Info().Int64("room_id", roomID).Msg("room session closed")
}

func (s *RoomSession) handleMessage(message models.ChatMessage) {
	s.mu.Lock()
	roomID := s.roomID
	closed := s.state == SessionClosed
	s.mu.Unlock()
	if closed || message.RoomID != roomID {
		return
	}

	// Inbound text is sanitized before it can reach a renderer.
	if message.Content != "" {
		message.Content = s.sanitizer.Sanitize(message.Content)
	}

	s.opts.Store.Insert(roomID, message)
	// The viewer is active while the session is open, so addressed messages
	// are read immediately.
	s.opts.Store.MarkRead(roomID, s.viewerID())
}

func (s *RoomSession) handleTyping(roomID, userID int64, isTyping bool) {
	s.opts.Presence.SetTyping(roomID, userID, isTyping, time.Now())
}

func (s *RoomSession) handleOnlineStatus(roomID int64, userIDs []int64) {
	s.opts.Presence.SetOnline(roomID, userIDs)
}

func (s *RoomSession) handleConnState(state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed || s.state == SessionAccessDenied {
		return
	}
	if state == StateConnected {
		s.state = SessionReady
	}
}

func (s *RoomSession) handleTerminalFailure(err error) {
	s.logger.Error().Err(err).Msg("realtime connection terminally failed")
	s.surfaceError(err)
}

func (s *RoomSession) emitTyping(isTyping bool) error {
	s.mu.Lock()
	conn := s.conn
	roomID := s.roomID
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(dto.NewTypingFrame(roomID, s.opts.Identity, isTyping))
}

// typingStopAfterSend clears the typing indicator once a message went out.
func (s *RoomSession) typingStopAfterSend() {
	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()
	if typing != nil {
		typing.InputCleared()
	}
}

func (s *RoomSession) live() (int64, Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return 0, nil, ErrSessionClosed
	}
	if s.conn == nil {
		return 0, nil, ErrNotConnected
	}
	return s.roomID, s.conn, nil
}

func (s *RoomSession) viewerID() int64 {
	if s.opts.Identity.Role == models.RoleAdmin {
		return s.opts.Identity.AdminID
	}
	return s.opts.Identity.UserID
}

func (s *RoomSession) deny() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionAccessDenied
	s.redirectTimer = time.AfterFunc(s.opts.RedirectDelay, func() {
		s.mu.Lock()
		closed := s.state != SessionAccessDenied
		s.mu.Unlock()
		if closed {
			return
		}
		if s.opts.OnRedirect != nil {
			s.opts.OnRedirect()
		}
	})
	s.mu.Unlock()

	s.logger.Warn().Int64("room_id", s.RoomID()).Msg("room access denied")
}

func (s *RoomSession) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionClosed {
		s.state = state
	}
}

func (s *RoomSession) surfaceError(err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
