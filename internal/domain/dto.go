package domain

// REST request and response shapes for the non-real-time parts of the chat
// lifecycle. Everything low-latency goes over the websocket instead.

type StartChatRequest struct {
	Category string   `json:"category"`
	Priority Priority `json:"priority"`
}

type StartChatResponse struct {
	Success           bool   `json:"success"`
	RoomID            string `json:"room_id"`
	QueuePosition     int    `json:"queue_position"`
	EstimatedWaitSecs int    `json:"estimated_wait_secs"`
}

type ChatListResponse struct {
	Chats []ChatRoom `json:"chats"`
}

type CloseChatRequest struct {
	Reason       string `json:"reason,omitempty"`
	Satisfaction int    `json:"satisfaction,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
}

type TransferChatRequest struct {
	TargetAgentID string `json:"target_agent_id,omitempty"`
	Reason        string `json:"reason"`
}

// RoomStatusResponse reports live connection and typing state for a room,
// alongside its lifecycle status.
type RoomStatusResponse struct {
	RoomID      string                 `json:"room_id"`
	Status      RoomStatus             `json:"status"`
	Presence    map[string]interface{} `json:"presence"`
	TypingUsers []string               `json:"typing_users,omitempty"`
}

// Analytics is a daily rollup used by the agent console header.
type Analytics struct {
	ChatsStarted    int     `json:"chats_started"`
	ChatsClosed     int     `json:"chats_closed"`
	ActiveChats     int     `json:"active_chats"`
	WaitingChats    int     `json:"waiting_chats"`
	AvgSatisfaction float64 `json:"avg_satisfaction"`
}

type AnalyticsResponse struct {
	Analytics Analytics `json:"analytics"`
}
