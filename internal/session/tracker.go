package session

import (
	"sort"
	"sync"

	"travelchat/internal/domain"
)

// Tracker manages the working set of rooms for one participant. The agent
// console holds many rooms at once; the widget holds at most one. A room is
// either waiting (unassigned queue) or active (assigned), never both.
type Tracker struct {
	mu     sync.RWMutex
	selfID string
	rooms  map[string]*Room
}

func NewTracker(selfID string) *Tracker {
	return &Tracker{
		selfID: selfID,
		rooms:  make(map[string]*Room),
	}
}

// Get returns the tracked room, or nil.
func (t *Tracker) Get(roomID string) *Room {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[roomID]
}

// Upsert tracks a room record. If the room is already tracked its message
// history survives and only the authoritative fields are refreshed.
func (t *Tracker) Upsert(room domain.ChatRoom) *Room {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.rooms[room.ID]; ok {
		existing.mu.Lock()
		// Never let a refetch move a room backwards in its lifecycle.
		if existing.room.Status.CanTransition(room.Status) || existing.room.Status == room.Status {
			existing.room = room
		}
		existing.mu.Unlock()
		return existing
	}
	r := NewRoom(room, t.selfID)
	t.rooms[room.ID] = r
	return r
}

// Remove drops a room from the working set.
func (t *Tracker) Remove(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}

// Replace swaps the entire working set for the given records, preserving
// message history of rooms that persist across the refetch. Rooms absent
// from the new set are dropped.
func (t *Tracker) Replace(rooms []domain.ChatRoom) {
	keep := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		keep[room.ID] = struct{}{}
		t.Upsert(room)
	}

	t.mu.Lock()
	for id := range t.rooms {
		if _, ok := keep[id]; !ok {
			delete(t.rooms, id)
		}
	}
	t.mu.Unlock()
}

// Waiting returns the unassigned queue, oldest first.
func (t *Tracker) Waiting() []*Room {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Room
	for _, r := range t.rooms {
		if r.Status() == domain.RoomWaiting {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Snapshot().CreatedAt.Before(out[j].Snapshot().CreatedAt)
	})
	return out
}

// AssignedTo returns the active rooms assigned to the given agent.
func (t *Tracker) AssignedTo(agentID string) []*Room {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Room
	for _, r := range t.rooms {
		snap := r.Snapshot()
		if snap.Status == domain.RoomActive && snap.AssignedAgent != nil && snap.AssignedAgent.ID == agentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Snapshot().CreatedAt.Before(out[j].Snapshot().CreatedAt)
	})
	return out
}

// Len returns the number of tracked rooms.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
