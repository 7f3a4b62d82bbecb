package dto

import (
	"bytes"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/plainshop/support-chat/internal/models"
)

// FlexibleID accepts either a JSON string or a JSON number, since the backend
// emits numeric ids while locally synthesized messages carry string ids.
type FlexibleID string

// UnmarshalJSON accepts both id encodings.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*f = FlexibleID(unquoted)
		return nil
	}
	*f = FlexibleID(data)
	return nil
}

// ChatMessageFrame is one unit of data exchanged over the realtime connection.
// Field names are part of the wire contract and must not change.
type ChatMessageFrame struct {
	ID          FlexibleID `json:"id,omitempty"`
	RoomID      int64      `json:"roomId"`
	Sender      string     `json:"sender"`
	Message     string     `json:"message"`
	MessageType string     `json:"messageType"`
	Metadata    *string    `json:"metadata"`
	UserID      *int64     `json:"userId"`
	AdminID     *int64     `json:"adminId"`
	CreatedAt   string     `json:"createdAt,omitempty"`
	IsTyping    *bool      `json:"isTyping,omitempty"`
	UserIDs     []int64    `json:"userIds,omitempty"`
}

// ChatSendRequest is the payload a local participant submits before it is
// turned into an outbound frame.
type ChatSendRequest struct {
	RoomID  int64  `json:"room_id" validate:"required,gt=0"`
	Content string `json:"content" validate:"required,min=1,max=4000"`
	Type    string `json:"type" validate:"omitempty,oneof=TEXT IMAGE FILE"`
}

// RoomJoinResponse is returned by the room-join collaborator endpoint.
type RoomJoinResponse struct {
	RoomID int64 `json:"roomId"`
}

// UploadResponse is returned by the attachment upload endpoint.
type UploadResponse struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

var localSequence atomic.Int64

// fallbackMessageID builds a client-side id from the message timestamp and a
// process-local sequence, used when the backend omits one.
func fallbackMessageID(ts time.Time) string {
	return fmt.Sprintf("local-%d-%d", ts.UnixMilli(), localSequence.Add(1))
}

// NewChatMessage normalizes a wire frame into the domain shape. The receivedAt
// time is used as the sort key when the frame carries no parseable createdAt.
func NewChatMessage(frame ChatMessageFrame, receivedAt time.Time) models.ChatMessage {
	role := models.Role(frame.Sender)

	var senderID, receiverID int64
	userID := int64(0)
	if frame.UserID != nil {
		userID = *frame.UserID
	}
	adminID := int64(0)
	if frame.AdminID != nil {
		adminID = *frame.AdminID
	}
	if role == models.RoleAdmin {
		senderID, receiverID = adminID, userID
	} else {
		senderID, receiverID = userID, adminID
	}

	ts := receivedAt.UTC()
	if frame.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, frame.CreatedAt); err == nil {
			ts = parsed.UTC()
		}
	}

	id := string(frame.ID)
	if id == "" {
		id = fallbackMessageID(ts)
	}

	metadata := ""
	if frame.Metadata != nil {
		metadata = *frame.Metadata
	}

	messageType := models.MessageType(frame.MessageType)
	message := models.ChatMessage{
		ID:         id,
		RoomID:     frame.RoomID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Sender:     role,
		Type:       messageType,
		Metadata:   metadata,
		Timestamp:  ts,
	}

	// Image and file payloads travel in the message field as a URL.
	if messageType == models.MessageTypeImage || messageType == models.MessageTypeFile {
		message.FileURL = frame.Message
	} else {
		message.Content = frame.Message
	}

	return message
}

// NewChatMessageSlice normalizes a history batch.
func NewChatMessageSlice(frames []ChatMessageFrame, receivedAt time.Time) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(frames))
	for _, frame := range frames {
		out = append(out, NewChatMessage(frame, receivedAt))
	}
	return out
}

// Identity carries the id pair a frame needs to be addressable on the wire.
type Identity struct {
	Role    models.Role
	UserID  int64
	AdminID int64
}

// NewMessageFrame builds an outbound content frame for the given sender.
func NewMessageFrame(roomID int64, from Identity, messageType models.MessageType, message, metadata string) ChatMessageFrame {
	frame := ChatMessageFrame{
		RoomID:      roomID,
		Sender:      string(from.Role),
		Message:     message,
		MessageType: string(messageType),
	}
	if from.UserID != 0 {
		frame.UserID = &from.UserID
	}
	if from.AdminID != 0 {
		frame.AdminID = &from.AdminID
	}
	if metadata != "" {
		frame.Metadata = &metadata
	}
	return frame
}

// NewTypingFrame builds an outbound typing control frame.
func NewTypingFrame(roomID int64, from Identity, isTyping bool) ChatMessageFrame {
	frame := NewMessageFrame(roomID, from, models.MessageTypeTyping, "", "")
	frame.IsTyping = &isTyping
	return frame
}
