package domain

import (
	"time"
)

// RoomStatus is the lifecycle state of a chat room. Transitions are
// monotonic: waiting -> active -> closed. A room never goes back to
// waiting once an agent has claimed it.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomClosed  RoomStatus = "closed"
)

// Priority is set when the room is created and never changes afterwards.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Role identifies which side of the conversation a participant is on.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// AgentRef identifies the agent assigned to a room.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatRoom is the source of truth for a conversation between one customer
// and (once claimed) one support agent.
type ChatRoom struct {
	ID            string     `json:"id"`
	Status        RoomStatus `json:"status"`
	Category      string     `json:"category"`
	Priority      Priority   `json:"priority"`
	CustomerID    string     `json:"customer_id"`
	CustomerName  string     `json:"customer_name"`
	AssignedAgent *AgentRef  `json:"assigned_agent,omitempty"`
	Participants  []string   `json:"participants,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`

	// Queue fields are only meaningful while Status is waiting.
	QueuePosition     int `json:"queue_position,omitempty"`
	EstimatedWaitSecs int `json:"estimated_wait_secs,omitempty"`
}

// CanTransition reports whether moving to next is a legal forward step.
func (s RoomStatus) CanTransition(next RoomStatus) bool {
	switch s {
	case RoomWaiting:
		return next == RoomActive || next == RoomClosed
	case RoomActive:
		return next == RoomClosed
	default:
		return false
	}
}
