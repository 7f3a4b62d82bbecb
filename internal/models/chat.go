package models

import (
	"encoding/json"
	"time"
)

// Role identifies which side of a support conversation authored a message.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// MessageType classifies a realtime frame. TYPING and ONLINE_STATUS are control
// frames and are never persisted into the message log.
type MessageType string

const (
	MessageTypeText          MessageType = "TEXT"
	MessageTypeImage         MessageType = "IMAGE"
	MessageTypeFile          MessageType = "FILE"
	MessageTypeTyping        MessageType = "TYPING"
	MessageTypeOnlineStatus  MessageType = "ONLINE_STATUS"
	MessageTypeSystem        MessageType = "SYSTEM"
	MessageTypeSystemButtons MessageType = "SYSTEM_BUTTONS"
)

// IsControl reports whether the type is a presence/typing control frame.
func (t MessageType) IsControl() bool {
	return t == MessageTypeTyping || t == MessageTypeOnlineStatus
}

// ChatMessage is the in-memory representation of one entry in a room's message log.
type ChatMessage struct {
	ID         string      `json:"id"`
	RoomID     int64       `json:"room_id"`
	SenderID   int64       `json:"sender_id"`
	ReceiverID int64       `json:"receiver_id"`
	Sender     Role        `json:"sender"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	FileURL    string      `json:"file_url,omitempty"`
	Metadata   string      `json:"metadata,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	IsRead     bool        `json:"is_read"`
}

// MessageMetadata is the decoded shape of the opaque metadata string carried by
// file, image and quick-reply messages.
type MessageMetadata struct {
	FileName string   `json:"fileName,omitempty"`
	FileSize int64    `json:"fileSize,omitempty"`
	FileType string   `json:"fileType,omitempty"`
	Buttons  []string `json:"buttons,omitempty"`
}

// ParseMetadata decodes the metadata payload. Unknown or malformed payloads
// yield the zero shape rather than an error so rendering never breaks on a
// bad frame.
func ParseMetadata(raw string) MessageMetadata {
	if raw == "" {
		return MessageMetadata{}
	}

	var meta MessageMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return MessageMetadata{}
	}
	return meta
}

// EncodeMetadata serializes metadata for the wire. An empty shape encodes to "".
func EncodeMetadata(meta MessageMetadata) string {
	if meta.FileName == "" && meta.FileSize == 0 && meta.FileType == "" && len(meta.Buttons) == 0 {
		return ""
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(encoded)
}
