package stubserver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plainshop/support-chat/internal/dto"
	"github.com/plainshop/support-chat/internal/models"
	"github.com/plainshop/support-chat/internal/observability"
	"github.com/plainshop/support-chat/internal/utils"
)

const sendBufferSize = 32

// Server is an in-memory stand-in for the storefront backend: the REST
// collaborator endpoints plus the realtime endpoint, good enough for local
// development and integration tests. Nothing is persisted.
type Server struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	roomSeq  int64
	rooms    map[int64]int64 // roomID -> assigned userID
	byUser   map[int64]int64 // userID -> roomID
	messages map[int64][]dto.ChatMessageFrame

	hub *hub
}

// New creates a stub backend server.
func New(logger zerolog.Logger) *Server {
	return &Server{
		logger:   logger.With().Str("component", "stub_server").Logger(),
		rooms:    make(map[int64]int64),
		byUser:   make(map[int64]int64),
		messages: make(map[int64][]dto.ChatMessageFrame),
		hub: &hub{
			rooms: make(map[int64]map[*wsClient]struct{}),
			log:   logger.With().Str("component", "stub_hub").Logger(),
		},
	}
}

// App builds the Fiber application exposing the stub endpoints.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "support-chat-stub",
		DisableStartupMessage: true,
	})

	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/chat", s.requireBearer)
	api.Get("/rooms/:id/access", s.access)
	api.Get("/rooms/:id/messages", s.history)
	api.Post("/rooms/join", s.join)
	api.Post("/uploads", s.upload)

	app.Use("/ws/chat", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if bearerToken(c.Get("Authorization")) == "" {
			return fiber.ErrUnauthorized
		}
		return c.Next()
	})
	app.Get("/ws/chat", websocket.New(s.handleRealtime))

	return app
}

// Seed registers a room assigned to a user, with optional prior history.
func (s *Server) Seed(userID int64, history []dto.ChatMessageFrame) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roomSeq++
	roomID := s.roomSeq
	s.rooms[roomID] = userID
	s.byUser[userID] = roomID
	s.messages[roomID] = append([]dto.ChatMessageFrame(nil), history...)
	return roomID
}

func (s *Server) requireBearer(c *fiber.Ctx) error {
	if bearerToken(c.Get("Authorization")) == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
	}
	return c.Next()
}

func (s *Server) access(c *fiber.Ctx) error {
	roomID, err := c.ParamsInt("id")
	if err != nil || roomID <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid room id")
	}

	s.mu.RLock()
	_, exists := s.rooms[int64(roomID)]
	s.mu.RUnlock()
	if !exists {
		return utils.SendError(c, fiber.StatusNotFound, "room not found")
	}

	return utils.SendSuccess(c, "access granted", fiber.Map{"allowed": true})
}

func (s *Server) history(c *fiber.Ctx) error {
	roomID, err := c.ParamsInt("id")
	if err != nil || roomID <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid room id")
	}

	s.mu.RLock()
	_, exists := s.rooms[int64(roomID)]
	frames := append([]dto.ChatMessageFrame(nil), s.messages[int64(roomID)]...)
	s.mu.RUnlock()
	if !exists {
		return utils.SendError(c, fiber.StatusNotFound, "room not found")
	}

	return utils.SendSuccess(c, "chat history", frames)
}

func (s *Server) join(c *fiber.Ctx) error {
	var body struct {
		UserID int64 `json:"userId"`
	}
	if err := c.BodyParser(&body); err != nil || body.UserID <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "userId required")
	}

	s.mu.Lock()
	roomID, ok := s.byUser[body.UserID]
	if !ok {
		s.roomSeq++
		roomID = s.roomSeq
		s.rooms[roomID] = body.UserID
		s.byUser[body.UserID] = roomID
	}
	s.mu.Unlock()

	return utils.SendSuccess(c, "room joined", dto.RoomJoinResponse{RoomID: roomID})
}

func (s *Server) upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file required")
	}

	fileType := c.FormValue("fileType")
	if fileType == "" {
		fileType = "application/octet-stream"
	}

	// The payload is discarded; only the shape of the response matters here.
	return utils.SendSuccess(c, "uploaded", dto.UploadResponse{
		URL:      fmt.Sprintf("https://cdn.invalid/%s/%s", uuid.NewString(), file.Filename),
		FileName: file.Filename,
		FileSize: file.Size,
		FileType: fileType,
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func assignMessageID(frame *dto.ChatMessageFrame) {
	if frame.ID == "" {
		frame.ID = dto.FlexibleID(uuid.NewString())
	}
	if frame.CreatedAt == "" {
		frame.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
}

func isPersistent(messageType string) bool {
	return !models.MessageType(messageType).IsControl()
}
