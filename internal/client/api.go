package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plainshop/support-chat/internal/dto"
)

// ErrAccessDenied indicates the backend refused access to the requested room.
var ErrAccessDenied = errors.New("access to room denied")

// ErrUnauthorized indicates the credential was rejected by the backend.
var ErrUnauthorized = errors.New("credential rejected")

// APIResponse is the common envelope returned by the storefront backend.
type APIResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
}

// API talks to the storefront backend endpoints the chat core depends on:
// access validation, history fetch, room join and attachment upload.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewAPI creates a backend API client.
func NewAPI(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &API{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "api_client").Logger(),
		tracer: otel.Tracer("github.com/plainshop/support-chat/internal/client"),
	}
}

// CheckAccess verifies the caller may view the given room. A 403 or 404 from
// the backend maps to ErrAccessDenied.
func (a *API) CheckAccess(ctx context.Context, roomID int64) error {
	ctx, span := a.tracer.Start(ctx, "chat.access_check",
		trace.WithAttributes(attribute.Int64("chat.room_id", roomID)))
	defer span.End()

	_, err := a.get(ctx, fmt.Sprintf("/api/chat/rooms/%d/access", roomID))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// FetchHistory loads the full message history for a room. Admin sessions only;
// the backend enforces the role.
func (a *API) FetchHistory(ctx context.Context, roomID int64) ([]dto.ChatMessageFrame, error) {
	ctx, span := a.tracer.Start(ctx, "chat.history_fetch",
		trace.WithAttributes(attribute.Int64("chat.room_id", roomID)))
	defer span.End()

	data, err := a.get(ctx, fmt.Sprintf("/api/chat/rooms/%d/messages", roomID))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var frames []dto.ChatMessageFrame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("failed to decode history payload: %w", err)
	}

	return frames, nil
}

// JoinRoom asks the backend for the room assigned to the given user, creating
// one when none exists yet.
func (a *API) JoinRoom(ctx context.Context, userID int64) (int64, error) {
	ctx, span := a.tracer.Start(ctx, "chat.room_join",
		trace.WithAttributes(attribute.Int64("chat.user_id", userID)))
	defer span.End()

	body, err := json.Marshal(map[string]int64{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal join request: %w", err)
	}

	data, err := a.do(ctx, http.MethodPost, "/api/chat/rooms/join", "application/json", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	var joined dto.RoomJoinResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		return 0, fmt.Errorf("failed to decode join payload: %w", err)
	}
	if joined.RoomID <= 0 {
		return 0, fmt.Errorf("backend returned invalid room id %d", joined.RoomID)
	}

	return joined.RoomID, nil
}

// UploadAttachment uploads a file or image and returns the hosted URL plus the
// detected metadata. The content type is sniffed from the payload rather than
// trusted from the file name.
func (a *API) UploadAttachment(ctx context.Context, fileName string, content io.Reader) (dto.UploadResponse, error) {
	ctx, span := a.tracer.Start(ctx, "chat.attachment_upload",
		trace.WithAttributes(attribute.String("chat.file_name", fileName)))
	defer span.End()

	payload, err := io.ReadAll(content)
	if err != nil {
		return dto.UploadResponse{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	detected := mimetype.Detect(payload)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return dto.UploadResponse{}, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return dto.UploadResponse{}, fmt.Errorf("failed to write upload form: %w", err)
	}
	if err := writer.WriteField("fileType", detected.String()); err != nil {
		return dto.UploadResponse{}, fmt.Errorf("failed to write upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return dto.UploadResponse{}, fmt.Errorf("failed to finalize upload form: %w", err)
	}

	data, err := a.do(ctx, http.MethodPost, "/api/chat/uploads", writer.FormDataContentType(), &buf)
	if err != nil {
		span.RecordError(err)
		return dto.UploadResponse{}, err
	}

	var uploaded dto.UploadResponse
	if err := json.Unmarshal(data, &uploaded); err != nil {
		return dto.UploadResponse{}, fmt.Errorf("failed to decode upload payload: %w", err)
	}
	if uploaded.FileType == "" {
		uploaded.FileType = detected.String()
	}
	if uploaded.FileSize == 0 {
		uploaded.FileSize = int64(len(payload))
	}
	if uploaded.FileName == "" {
		uploaded.FileName = fileName
	}

	return uploaded, nil
}

func (a *API) get(ctx context.Context, path string) (json.RawMessage, error) {
	return a.do(ctx, http.MethodGet, path, "", nil)
}

func (a *API) do(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrAccessDenied, method, path, resp.StatusCode)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s %s returned 401", ErrUnauthorized, method, path)
	}

	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || !envelope.Success {
		message := envelope.Message
		if message == "" {
			message = fmt.Sprintf("backend returned status %d", resp.StatusCode)
		}
		a.logger.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("backend request failed")
		return nil, errors.New(message)
	}

	return envelope.Data, nil
}
