package domain

import (
	"encoding/json"
	"time"
)

// Command is the client-to-server envelope carried over the websocket.
const (
	CmdJoinRoom     = "join_room"
	CmdLeaveRoom    = "leave_room"
	CmdSendMessage  = "send_message"
	CmdTypingStart  = "typing_start"
	CmdTypingStop   = "typing_stop"
	CmdMarkRead     = "mark_read"
	CmdTakeChat     = "agent_take_chat"
	CmdTransferChat = "agent_transfer_chat"
	CmdCloseChat    = "close_chat"
)

// Event types pushed from the server to every subscribed connection.
const (
	EventConnectionEstablished = "connection_established"
	EventAuthFailed            = "auth_failed"
	EventMessageReceived       = "message_received"
	EventTypingIndicator       = "typing_indicator"
	EventChatAssigned          = "chat_assigned"
	EventChatTransferred       = "chat_transferred"
	EventChatClosed            = "chat_closed"
	EventUserJoined            = "user_joined"
	EventUserLeft              = "user_left"
	EventAgentStatusUpdate     = "agent_status_update"
	EventError                 = "error"
)

type Command struct {
	Type   string          `json:"type"`
	RoomID string          `json:"room_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewCommand wraps a typed payload into a wire command.
func NewCommand(cmdType, roomID string, payload interface{}) Command {
	cmd := Command{Type: cmdType, RoomID: roomID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			cmd.Data = data
		}
	}
	return cmd
}

// DecodeData unmarshals the command payload into v.
func (c Command) DecodeData(v interface{}) error {
	if len(c.Data) == 0 {
		return nil
	}
	return json.Unmarshal(c.Data, v)
}

type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent wraps a typed payload into a wire event.
func NewEvent(eventType string, payload interface{}) Event {
	ev := Event{Type: eventType, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			ev.Data = data
		}
	}
	return ev
}

// DecodeData unmarshals the event payload into v.
func (e Event) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Command payloads.

type SendMessagePayload struct {
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
}

type MarkReadPayload struct {
	MessageIDs []string `json:"message_ids"`
}

type TransferPayload struct {
	TargetAgentID string `json:"target_agent_id,omitempty"`
	Reason        string `json:"reason"`
}

type ClosePayload struct {
	Reason       string `json:"reason,omitempty"`
	Satisfaction int    `json:"satisfaction,omitempty"`
}

// Event payloads.

type ConnectionEstablishedPayload struct {
	UserID   string `json:"user_id"`
	UserType Role   `json:"user_type"`
}

type AssignedPayload struct {
	RoomID    string `json:"room_id"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

type TransferredPayload struct {
	RoomID    string `json:"room_id"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Reason    string `json:"reason"`
}

type ClosedPayload struct {
	RoomID   string `json:"room_id"`
	ClosedBy string `json:"closed_by"`
	Reason   string `json:"reason,omitempty"`
}

type PresencePayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
