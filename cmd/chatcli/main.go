package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/plainshop/support-chat/internal/client"
	"github.com/plainshop/support-chat/internal/config"
	"github.com/plainshop/support-chat/internal/dto"
	"github.com/plainshop/support-chat/internal/models"
	"github.com/plainshop/support-chat/internal/observability"
	"github.com/plainshop/support-chat/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	go func() {
		if err := observability.ServeMetrics(cfg.MetricsAddress()); err != nil {
			logger.Warn().Err(err).Msg("metrics endpoint stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("chat session failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	api := client.NewAPI(cfg.APIBaseURL, cfg.AuthToken, cfg.RequestTimeout, logger)
	identity := dto.Identity{Role: models.Role(cfg.Role), UserID: cfg.UserID, AdminID: cfg.AdminID}

	roomID := cfg.RoomID
	if roomID == 0 && identity.Role != models.RoleAdmin {
		joined, err := api.JoinRoom(ctx, cfg.UserID)
		if err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		roomID = joined
	}

	store := service.NewMessageStore()
	presence := service.NewPresence(cfg.TypingRemoteTTL)
	validate := validator.New(validator.WithRequiredStructEnabled())

	session := service.NewRoomSession(service.SessionOptions{
		Identity: identity,
		Backend:  api,
		Connect: func(events service.ConnectionEvents) service.Connection {
			return service.NewConnectionManager(service.ConnectionConfig{
				RealtimeURL: cfg.RealtimeURL,
				AuthToken:   cfg.AuthToken,
				BaseDelay:   cfg.ReconnectBaseDelay,
				MaxDelay:    cfg.ReconnectMaxDelay,
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Heartbeat:   cfg.HeartbeatInterval,
			}, events, logger)
		},
		Store:          store,
		Presence:       presence,
		TypingDebounce: cfg.TypingDebounce,
		TypingIdle:     cfg.TypingIdleTimeout,
		RedirectDelay:  cfg.AccessDeniedDelay,
		OnRedirect: func() {
			fmt.Println("access denied, leaving the room")
			os.Exit(1)
		},
		OnError: func(err error) {
			fmt.Printf("! %v\n", err)
		},
	}, validate, logger)

	if err := session.Open(ctx, strconv.FormatInt(roomID, 10)); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	printHistory(store, roomID)
	fmt.Println(`type a message, "/send <file>" to upload, "/quit" to leave`)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleInput(ctx, session, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleInput(ctx context.Context, session *service.RoomSession, line string) error {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		session.TypingCleared()
		return nil
	case trimmed == "/quit":
		return errQuit
	case strings.HasPrefix(trimmed, "/send "):
		path := strings.TrimSpace(strings.TrimPrefix(trimmed, "/send "))
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		return session.SendAttachment(ctx, filepath.Base(path), file)
	default:
		session.TypingPulse()
		return session.SendText(trimmed)
	}
}

func printHistory(store *service.MessageStore, roomID int64) {
	for _, msg := range store.Messages(roomID) {
		line := msg.Content
		if msg.FileURL != "" {
			line = msg.FileURL
		}
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04"), msg.Sender, line)
	}
}
