package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/plainshop/support-chat/internal/client"
	"github.com/plainshop/support-chat/internal/dto"
	"github.com/plainshop/support-chat/internal/models"
)

type fakeBackend struct {
	mu            sync.Mutex
	accessErr     error
	historyErr    error
	history       []dto.ChatMessageFrame
	upload        dto.UploadResponse
	uploadErr     error
	accessCalls   int
	historyCalls  int
	uploadCalls   int
}

func (f *fakeBackend) CheckAccess(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessCalls++
	return f.accessErr
}

func (f *fakeBackend) FetchHistory(_ context.Context, _ int64) ([]dto.ChatMessageFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	return f.history, f.historyErr
}

func (f *fakeBackend) UploadAttachment(_ context.Context, _ string, content io.Reader) (dto.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	_, _ = io.ReadAll(content)
	return f.upload, f.uploadErr
}

type fakeConn struct {
	mu         sync.Mutex
	state      ConnState
	connectErr error
	publishErr error
	published  []dto.ChatMessageFrame
	connects   int
	shutdowns  int
}

func (f *fakeConn) Connect(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr == nil {
		f.state = StateConnected
	}
	return f.connectErr
}

func (f *fakeConn) Publish(frame dto.ChatMessageFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.published = append(f.published, frame)
	return nil
}

func (f *fakeConn) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.state = StateDisconnected
}

func (f *fakeConn) frames() []dto.ChatMessageFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dto.ChatMessageFrame, len(f.published))
	copy(out, f.published)
	return out
}

type sessionFixture struct {
	session *RoomSession
	backend *fakeBackend
	conn    *fakeConn
	store   *MessageStore
	events  chan ConnectionEvents
}

func newSessionFixture(t *testing.T, role models.Role, mutate func(*SessionOptions)) *sessionFixture {
	t.Helper()

	fx := &sessionFixture{
		backend: &fakeBackend{},
		conn:    &fakeConn{},
		store:   NewMessageStore(),
		events:  make(chan ConnectionEvents, 1),
	}

	opts := SessionOptions{
		Identity: dto.Identity{Role: role, UserID: 100, AdminID: 9},
		Backend:  fx.backend,
		Connect: func(events ConnectionEvents) Connection {
			fx.events <- events
			return fx.conn
		},
		Store:          fx.store,
		Presence:       NewPresence(5 * time.Second),
		TypingDebounce: time.Millisecond,
		TypingIdle:     time.Minute,
		RedirectDelay:  20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	fx.session = NewRoomSession(opts, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop())
	t.Cleanup(fx.session.Close)
	return fx
}

func (fx *sessionFixture) boundEvents(t *testing.T) ConnectionEvents {
	t.Helper()
	select {
	case events := <-fx.events:
		return events
	case <-time.After(time.Second):
		t.Fatal("connection factory never invoked")
		return ConnectionEvents{}
	}
}

func TestSessionRejectsNonNumericRoomID(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)

	require.ErrorIs(t, fx.session.Open(context.Background(), "not-a-number"), ErrInvalidRoomID)
	require.ErrorIs(t, fx.session.Open(context.Background(), ""), ErrInvalidRoomID)
	require.Zero(t, fx.backend.accessCalls)
}

func TestSessionAccessDeniedNeverConnectsNorFetches(t *testing.T) {
	redirected := make(chan struct{}, 1)
	fx := newSessionFixture(t, models.RoleAdmin, func(opts *SessionOptions) {
		opts.OnRedirect = func() { redirected <- struct{}{} }
	})
	fx.backend.accessErr = fmt.Errorf("%w: status 403", client.ErrAccessDenied)

	err := fx.session.Open(context.Background(), "7")
	require.ErrorIs(t, err, client.ErrAccessDenied)
	require.Equal(t, SessionAccessDenied, fx.session.State())

	require.Zero(t, fx.backend.historyCalls)
	require.Zero(t, fx.conn.connects)

	select {
	case <-redirected:
	case <-time.After(time.Second):
		t.Fatal("redirect never fired")
	}
}

func TestSessionRedirectCancelledByTeardown(t *testing.T) {
	redirected := make(chan struct{}, 1)
	fx := newSessionFixture(t, models.RoleUser, func(opts *SessionOptions) {
		opts.OnRedirect = func() { redirected <- struct{}{} }
	})
	fx.backend.accessErr = fmt.Errorf("%w: status 404", client.ErrAccessDenied)

	require.Error(t, fx.session.Open(context.Background(), "7"))
	fx.session.Close()

	select {
	case <-redirected:
		t.Fatal("redirect fired after teardown")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSessionCustomerGetsPinnedGreetingInsteadOfHistory(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)

	require.NoError(t, fx.session.Open(context.Background(), "7"))

	require.Zero(t, fx.backend.historyCalls, "customer sessions never fetch history")

	messages := fx.store.Messages(7)
	require.Len(t, messages, 1)
	require.Equal(t, models.MessageTypeSystemButtons, messages[0].Type)
	require.Equal(t, time.Unix(0, 0).UTC(), messages[0].Timestamp)

	meta := models.ParseMetadata(messages[0].Metadata)
	require.NotEmpty(t, meta.Buttons)
}

func TestSessionAdminLoadsNormalizedHistory(t *testing.T) {
	userID := int64(100)
	adminID := int64(9)
	metadata := `{"fileName":"receipt.png","fileSize":2048,"fileType":"image/png"}`

	fx := newSessionFixture(t, models.RoleAdmin, nil)
	fx.backend.history = []dto.ChatMessageFrame{
		{
			ID: "2", RoomID: 7, Sender: "ADMIN", Message: "hello", MessageType: "TEXT",
			UserID: &userID, AdminID: &adminID, CreatedAt: "2026-03-01T12:01:00Z",
		},
		{
			ID: "1", RoomID: 7, Sender: "USER", Message: "https://cdn.example.com/receipt.png",
			MessageType: "IMAGE", Metadata: &metadata,
			UserID: &userID, AdminID: &adminID, CreatedAt: "2026-03-01T12:00:00Z",
		},
	}

	require.NoError(t, fx.session.Open(context.Background(), "7"))
	require.Equal(t, 1, fx.backend.historyCalls)

	messages := fx.store.Messages(7)
	require.Len(t, messages, 2)

	// Sorted by timestamp, not arrival order.
	require.Equal(t, "1", messages[0].ID)
	require.Equal(t, models.MessageTypeImage, messages[0].Type)
	require.Equal(t, "https://cdn.example.com/receipt.png", messages[0].FileURL)
	require.Empty(t, messages[0].Content)
	require.Equal(t, userID, messages[0].SenderID)
	require.Equal(t, adminID, messages[0].ReceiverID)

	require.Equal(t, "2", messages[1].ID)
	require.Equal(t, adminID, messages[1].SenderID)
	require.Equal(t, userID, messages[1].ReceiverID)
}

func TestSessionHistoryFailureIsNonFatal(t *testing.T) {
	banners := make(chan error, 1)
	fx := newSessionFixture(t, models.RoleAdmin, func(opts *SessionOptions) {
		opts.OnError = func(err error) { banners <- err }
	})
	fx.backend.historyErr = errors.New("backend exploded")

	require.NoError(t, fx.session.Open(context.Background(), "7"))

	select {
	case err := <-banners:
		require.ErrorContains(t, err, "backend exploded")
	case <-time.After(time.Second):
		t.Fatal("no error banner surfaced")
	}

	// The socket still connects.
	require.Equal(t, 1, fx.conn.connects)
}

func TestSessionHistoryDenialIsTerminal(t *testing.T) {
	fx := newSessionFixture(t, models.RoleAdmin, nil)
	fx.backend.historyErr = fmt.Errorf("%w: status 403", client.ErrAccessDenied)

	require.ErrorIs(t, fx.session.Open(context.Background(), "7"), client.ErrAccessDenied)
	require.Equal(t, SessionAccessDenied, fx.session.State())
	require.Zero(t, fx.conn.connects)
}

func TestSessionSendTextPublishesSanitizedFrame(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	require.NoError(t, fx.session.Open(context.Background(), "7"))

	require.NoError(t, fx.session.SendText("  hello <script>alert(1)</script>there  "))

	frames := fx.conn.frames()
	require.Len(t, frames, 1)
	require.Equal(t, "TEXT", frames[0].MessageType)
	require.NotContains(t, frames[0].Message, "<script>")
	require.Contains(t, frames[0].Message, "hello")
	require.Equal(t, "USER", frames[0].Sender)

	// No optimistic insert; the echo comes back through the inbound path.
	require.Equal(t, 1, fx.store.Len(7))
}

func TestSessionSendRejectsEmptyContent(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	require.NoError(t, fx.session.Open(context.Background(), "7"))

	require.ErrorIs(t, fx.session.SendText("   "), ErrEmptyMessage)
	require.Empty(t, fx.conn.frames())
}

func TestSessionSendWhileDisconnectedFailsWithoutStoreMutation(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	require.NoError(t, fx.session.Open(context.Background(), "7"))

	fx.conn.Shutdown()
	lenBefore := fx.store.Len(7)

	require.ErrorIs(t, fx.session.SendText("hello"), ErrNotConnected)
	require.Equal(t, lenBefore, fx.store.Len(7))
}

func TestSessionSendAttachmentUploadsThenPublishes(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	fx.backend.upload = dto.UploadResponse{
		URL:      "https://cdn.example.com/photo.png",
		FileName: "photo.png",
		FileSize: 512,
		FileType: "image/png",
	}
	require.NoError(t, fx.session.Open(context.Background(), "7"))

	require.NoError(t, fx.session.SendAttachment(context.Background(), "photo.png", strings.NewReader("png-bytes")))

	require.Equal(t, 1, fx.backend.uploadCalls)
	frames := fx.conn.frames()
	require.Len(t, frames, 1)
	require.Equal(t, "IMAGE", frames[0].MessageType)
	require.Equal(t, "https://cdn.example.com/photo.png", frames[0].Message)

	require.NotNil(t, frames[0].Metadata)
	meta := models.ParseMetadata(*frames[0].Metadata)
	require.Equal(t, "photo.png", meta.FileName)
	require.Equal(t, int64(512), meta.FileSize)
}

func TestSessionUploadFailureSurfacesWithoutPublish(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	fx.backend.uploadErr = errors.New("storage unavailable")
	require.NoError(t, fx.session.Open(context.Background(), "7"))

	err := fx.session.SendAttachment(context.Background(), "a.bin", strings.NewReader("x"))
	require.ErrorContains(t, err, "storage unavailable")
	require.Empty(t, fx.conn.frames())
}

func TestSessionRoutesInboundIntoStoreAndMarksRead(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	require.NoError(t, fx.session.Open(context.Background(), "7"))
	events := fx.boundEvents(t)

	events.OnMessage(models.ChatMessage{
		ID: "m1", RoomID: 7, Sender: models.RoleAdmin,
		SenderID: 9, ReceiverID: 100,
		Content: "how can I help?", Type: models.MessageTypeText,
		Timestamp: time.Now(),
	})

	require.Equal(t, 2, fx.store.Len(7))
	require.Zero(t, fx.store.UnreadCount(7, 100), "active viewer reads immediately")

	// Frames for other rooms are ignored.
	events.OnMessage(models.ChatMessage{ID: "m2", RoomID: 99, Type: models.MessageTypeText, Timestamp: time.Now()})
	require.Zero(t, fx.store.Len(99))
}

func TestSessionTypingPresenceAggregation(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	require.NoError(t, fx.session.Open(context.Background(), "7"))
	events := fx.boundEvents(t)

	require.False(t, fx.session.HasActiveTyper())
	events.OnTyping(7, 9, true)
	require.True(t, fx.session.HasActiveTyper())
	events.OnTyping(7, 9, false)
	require.False(t, fx.session.HasActiveTyper())

	// The local viewer's own signal never lights the indicator.
	events.OnTyping(7, 100, true)
	require.False(t, fx.session.HasActiveTyper())
}

func TestSessionReadyOnConnected(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	require.NoError(t, fx.session.Open(context.Background(), "7"))
	events := fx.boundEvents(t)

	events.OnStateChange(StateConnected)
	require.Equal(t, SessionReady, fx.session.State())
}

func TestSessionTerminalConnectionFailureSurfaces(t *testing.T) {
	banners := make(chan error, 1)
	fx := newSessionFixture(t, models.RoleUser, func(opts *SessionOptions) {
		opts.OnError = func(err error) { banners <- err }
	})
	require.NoError(t, fx.session.Open(context.Background(), "7"))
	events := fx.boundEvents(t)

	events.OnTerminalFailure(ErrRetriesExhausted)

	select {
	case err := <-banners:
		require.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(time.Second):
		t.Fatal("terminal failure not surfaced")
	}
}

func TestSessionCloseTearsEverythingDown(t *testing.T) {
	fx := newSessionFixture(t, models.RoleUser, nil)
	require.NoError(t, fx.session.Open(context.Background(), "7"))

	// Leave a typing indicator armed so teardown owes the remote side a stop.
	fx.session.TypingPulse()
	framesBefore := len(fx.conn.frames())
	require.NotZero(t, framesBefore)

	fx.session.Close()
	fx.session.Close()

	require.Equal(t, SessionClosed, fx.session.State())
	require.Equal(t, 1, fx.conn.shutdowns)
	require.Zero(t, fx.session.RoomID())

	frames := fx.conn.frames()
	last := frames[len(frames)-1]
	require.Equal(t, "TYPING", last.MessageType)
	require.NotNil(t, last.IsTyping)
	require.False(t, *last.IsTyping)

	// Nothing owned by the session fires after teardown.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, len(frames), len(fx.conn.frames()))
	require.ErrorIs(t, fx.session.SendText("late"), ErrSessionClosed)
}
