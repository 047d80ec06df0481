package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes regular chat content from file attachments and
// locally synthesized system notices.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// ChatMessage is immutable once created. Ordering within a room is the
// order of receipt over the transport.
type ChatMessage struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	SenderID    string      `json:"sender_id"`
	SenderName  string      `json:"sender_name"`
	SenderRole  Role        `json:"sender_role"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	Timestamp   time.Time   `json:"timestamp"`
	ReadBy      []string    `json:"read_by,omitempty"`
}

// NewSystemMessage builds a locally synthesized notice for a room. System
// messages are never persisted remotely and carry no read receipts.
func NewSystemMessage(roomID, content string) ChatMessage {
	return ChatMessage{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		SenderID:    "system",
		SenderName:  "System",
		Content:     content,
		MessageType: MessageSystem,
		Timestamp:   time.Now(),
	}
}

// ReadByUser reports whether userID appears in the message's read set.
func (m ChatMessage) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// TypingIndicator is transient state; the most recent indicator for a
// (room, user) pair wins and the UI expires it on its own timer.
type TypingIndicator struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}
