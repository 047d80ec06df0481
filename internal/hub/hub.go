// Package hub is the authoritative in-memory registry of chat rooms for one
// server instance. All lifecycle decisions (claim, transfer, close) happen
// here; the delivery layer turns the outcomes into websocket events.
package hub

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"travelchat/internal/domain"
)

var (
	ErrRoomNotFound   = errors.New("hub: room not found")
	ErrRoomNotWaiting = errors.New("hub: room is not waiting for an agent")
	ErrRoomNotActive  = errors.New("hub: room is not active")
	ErrNotAssignee    = errors.New("hub: room is assigned to another agent")
)

type Hub struct {
	mu            sync.Mutex
	rooms         map[string]*domain.ChatRoom
	avgHandleSecs int
}

func New(avgHandleSecs int) *Hub {
	if avgHandleSecs <= 0 {
		avgHandleSecs = 90
	}
	return &Hub{
		rooms:         make(map[string]*domain.ChatRoom),
		avgHandleSecs: avgHandleSecs,
	}
}

// CreateRoom opens a new waiting room for a customer and returns it with
// its queue position and wait estimate filled in.
func (h *Hub) CreateRoom(customerID, customerName, category string, priority domain.Priority) domain.ChatRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := &domain.ChatRoom{
		ID:           uuid.New().String(),
		Status:       domain.RoomWaiting,
		Category:     category,
		Priority:     priority,
		CustomerID:   customerID,
		CustomerName: customerName,
		Participants: []string{customerID},
		CreatedAt:    time.Now(),
	}
	h.rooms[room.ID] = room

	pos := h.queuePositionLocked(room.ID)
	room.QueuePosition = pos
	room.EstimatedWaitSecs = pos * h.avgHandleSecs
	return *room
}

// queuePositionLocked counts waiting rooms created no later than the given
// room, so the oldest waiting room is position 1.
func (h *Hub) queuePositionLocked(roomID string) int {
	target, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	pos := 0
	for _, r := range h.rooms {
		if r.Status == domain.RoomWaiting && !r.CreatedAt.After(target.CreatedAt) {
			pos++
		}
	}
	return pos
}

// Get returns a snapshot of a room.
func (h *Hub) Get(roomID string) (domain.ChatRoom, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, false
	}
	return *room, true
}

// Take claims a waiting room for an agent. The applied result is false when
// the room is already assigned to that same agent, which makes the REST
// claim and the websocket take signal safely redundant.
func (h *Hub) Take(roomID, agentID, agentName string) (domain.ChatRoom, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, false, ErrRoomNotFound
	}
	if room.Status == domain.RoomActive && room.AssignedAgent != nil && room.AssignedAgent.ID == agentID {
		return *room, false, nil
	}
	if room.Status != domain.RoomWaiting {
		return domain.ChatRoom{}, false, ErrRoomNotWaiting
	}

	room.Status = domain.RoomActive
	room.AssignedAgent = &domain.AgentRef{ID: agentID, Name: agentName}
	room.Participants = appendUnique(room.Participants, agentID)
	room.QueuePosition = 0
	room.EstimatedWaitSecs = 0
	return *room, true, nil
}

// Transfer reassigns an active room from one agent to another.
func (h *Hub) Transfer(roomID, fromAgentID string, to domain.AgentRef) (domain.ChatRoom, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, ErrRoomNotFound
	}
	if room.Status != domain.RoomActive || room.AssignedAgent == nil {
		return domain.ChatRoom{}, ErrRoomNotActive
	}
	if room.AssignedAgent.ID != fromAgentID {
		return domain.ChatRoom{}, ErrNotAssignee
	}

	room.AssignedAgent = &domain.AgentRef{ID: to.ID, Name: to.Name}
	room.Participants = appendUnique(room.Participants, to.ID)
	return *room, nil
}

// Close ends a room. Closed is absorbing: closing an already-closed room
// reports applied=false and changes nothing.
func (h *Hub) Close(roomID, closedBy string) (domain.ChatRoom, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, false, ErrRoomNotFound
	}
	if room.Status == domain.RoomClosed {
		return *room, false, nil
	}
	room.Status = domain.RoomClosed
	return *room, true, nil
}

// Waiting returns the unassigned queue oldest first, with fresh queue
// positions and wait estimates.
func (h *Hub) Waiting() []domain.ChatRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []domain.ChatRoom
	for _, r := range h.rooms {
		if r.Status == domain.RoomWaiting {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	for i := range out {
		out[i].QueuePosition = i + 1
		out[i].EstimatedWaitSecs = (i + 1) * h.avgHandleSecs
	}
	return out
}

// AssignedTo returns the active rooms belonging to one agent, oldest first.
func (h *Hub) AssignedTo(agentID string) []domain.ChatRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []domain.ChatRoom
	for _, r := range h.rooms {
		if r.Status == domain.RoomActive && r.AssignedAgent != nil && r.AssignedAgent.ID == agentID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Counts returns how many rooms are currently active and waiting.
func (h *Hub) Counts() (active, waiting int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		switch r.Status {
		case domain.RoomActive:
			active++
		case domain.RoomWaiting:
			waiting++
		}
	}
	return active, waiting
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
