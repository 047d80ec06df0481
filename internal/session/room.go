// Package session holds the chat-room lifecycle state machine shared by the
// end-user widget and the agent console. Rooms move waiting -> active ->
// closed, always driven by authoritative server events; closed is absorbing.
package session

import (
	"fmt"
	"sync"

	"travelchat/internal/domain"
)

// Room is a client-side mirror of one chat room plus its message history
// and unread bookkeeping for the local user.
type Room struct {
	mu     sync.Mutex
	room   domain.ChatRoom
	selfID string

	messages []domain.ChatMessage
	seen     map[string]struct{}
	unread   map[string]struct{}
}

func NewRoom(room domain.ChatRoom, selfID string) *Room {
	return &Room{
		room:   room,
		selfID: selfID,
		seen:   make(map[string]struct{}),
		unread: make(map[string]struct{}),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.room.ID
}

// Status returns the current lifecycle state.
func (r *Room) Status() domain.RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room.Status
}

// Snapshot returns a copy of the underlying room record.
func (r *Room) Snapshot() domain.ChatRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// ApplyAssigned handles an authoritative chat_assigned event. It returns the
// synthesized system message and true when the transition was applied;
// events for rooms already active or closed are ignored.
func (r *Room) ApplyAssigned(agentID, agentName string) (domain.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.room.Status.CanTransition(domain.RoomActive) {
		return domain.ChatMessage{}, false
	}
	r.room.Status = domain.RoomActive
	r.room.AssignedAgent = &domain.AgentRef{ID: agentID, Name: agentName}
	r.room.QueuePosition = 0
	r.room.EstimatedWaitSecs = 0

	msg := domain.NewSystemMessage(r.room.ID, fmt.Sprintf("%s has joined the chat", agentName))
	r.appendLocked(msg)
	return msg, true
}

// ApplyTransferred handles an authoritative chat_transferred event. The room
// stays active; only the assigned agent changes.
func (r *Room) ApplyTransferred(toAgentID, toAgentName, reason string) (domain.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.room.Status != domain.RoomActive {
		return domain.ChatMessage{}, false
	}
	r.room.AssignedAgent = &domain.AgentRef{ID: toAgentID, Name: toAgentName}

	msg := domain.NewSystemMessage(r.room.ID, fmt.Sprintf("Chat transferred to %s", toAgentName))
	r.appendLocked(msg)
	return msg, true
}

// ApplyClosed handles an authoritative chat_closed event. Closed is
// absorbing: a repeated close for the same room is a no-op and returns
// false, so no duplicate system message is synthesized.
func (r *Room) ApplyClosed(closedBy, reason string) (domain.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.room.Status == domain.RoomClosed {
		return domain.ChatMessage{}, false
	}
	r.room.Status = domain.RoomClosed

	content := "This chat has been closed"
	if reason != "" {
		content = fmt.Sprintf("This chat has been closed: %s", reason)
	}
	msg := domain.NewSystemMessage(r.room.ID, content)
	r.appendLocked(msg)
	return msg, true
}

// Append records a message received over the transport. Duplicate message
// ids are dropped. A message from the other party that the local user has
// not read yet is counted as unread, exactly once per message.
func (r *Room) Append(msg domain.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[msg.ID]; dup {
		return false
	}
	r.appendLocked(msg)

	if msg.MessageType != domain.MessageSystem &&
		msg.SenderID != r.selfID && !msg.ReadByUser(r.selfID) {
		r.unread[msg.ID] = struct{}{}
	}
	return true
}

func (r *Room) appendLocked(msg domain.ChatMessage) {
	r.seen[msg.ID] = struct{}{}
	r.messages = append(r.messages, msg)
}

// MarkAllRead clears the unread set, stamps the local user onto each
// affected message's read set and returns the cleared ids (to be sent as a
// mark_read command).
func (r *Room) MarkAllRead() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.unread) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.unread))
	for i := range r.messages {
		if _, ok := r.unread[r.messages[i].ID]; ok {
			r.messages[i].ReadBy = append(r.messages[i].ReadBy, r.selfID)
			ids = append(ids, r.messages[i].ID)
		}
	}
	r.unread = make(map[string]struct{})
	return ids
}

// UnreadCount returns how many messages from the other party are unread.
func (r *Room) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unread)
}

// Messages returns a copy of the history in receipt order.
func (r *Room) Messages() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}
