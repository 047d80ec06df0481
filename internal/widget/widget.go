// Package widget drives the end-user chat surface: one room at a time,
// queue position while waiting, live messaging once an agent is assigned
// and a satisfaction prompt after close.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"travelchat/internal/domain"
	"travelchat/internal/logger"
	"travelchat/internal/session"
)

var (
	ErrChatInProgress    = errors.New("widget: a chat is already in progress")
	ErrChatNotActive     = errors.New("widget: no agent assigned yet")
	ErrNoFeedbackPending = errors.New("widget: no feedback prompt is open")
	ErrInvalidRating     = errors.New("widget: rating must be between 1 and 5")
)

// Transport is the slice of the websocket wrapper the widget needs.
type Transport interface {
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
	SendMessage(roomID, content string, msgType domain.MessageType)
	StartTyping(roomID string)
	StopTyping(roomID string)
	MarkRead(roomID string, messageIDs []string)
	OnMessage(func(domain.ChatMessage))
	OnTyping(func(domain.TypingIndicator))
	OnChatAssigned(func(domain.AssignedPayload))
	OnChatClosed(func(domain.ClosedPayload))
}

// API is the slice of the REST client the widget needs.
type API interface {
	StartChat(ctx context.Context, category string, priority domain.Priority) (*domain.StartChatResponse, error)
	CloseChat(ctx context.Context, roomID string, req domain.CloseChatRequest) error
}

// Options holds the widget's local timers. Tests compress them.
type Options struct {
	TypingTimeout time.Duration // silence before typing_stop, default 3s
	MarkReadDelay time.Duration // debounce before mark_read, default 1s
}

func (o *Options) applyDefaults() {
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 3 * time.Second
	}
	if o.MarkReadDelay <= 0 {
		o.MarkReadDelay = time.Second
	}
}

// Controller owns exactly one room for the current end user. Status changes
// come only from authoritative transport events; the controller never flips
// state on its own.
type Controller struct {
	api      API
	tr       Transport
	userID   string
	userName string
	opts     Options

	mu               sync.Mutex
	room             *session.Room
	awaitingFeedback bool
	agentTyping      bool

	typingActive bool
	typingTimer  *time.Timer
	readTimer    *time.Timer
	peerTimer    *time.Timer

	onChange []func()
}

func NewController(api API, tr Transport, userID, userName string, opts Options) *Controller {
	opts.applyDefaults()
	c := &Controller{
		api:      api,
		tr:       tr,
		userID:   userID,
		userName: userName,
		opts:     opts,
	}

	tr.OnChatAssigned(c.handleAssigned)
	tr.OnChatClosed(c.handleClosed)
	tr.OnMessage(c.handleMessage)
	tr.OnTyping(c.handleTyping)
	return c
}

// OnChange registers a callback fired after every observable state change,
// for the host UI to re-render. Registration is additive.
func (c *Controller) OnChange(cb func()) {
	c.mu.Lock()
	c.onChange = append(c.onChange, cb)
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	cbs := make([]func(), len(c.onChange))
	copy(cbs, c.onChange)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// StartChat creates a room via REST, subscribes to it and shows a welcome
// notice carrying the queue position and wait estimate.
func (c *Controller) StartChat(ctx context.Context, category string, priority domain.Priority) error {
	c.mu.Lock()
	if c.room != nil && c.room.Status() != domain.RoomClosed {
		c.mu.Unlock()
		return ErrChatInProgress
	}
	c.mu.Unlock()

	resp, err := c.api.StartChat(ctx, category, priority)
	if err != nil {
		return err
	}

	room := session.NewRoom(domain.ChatRoom{
		ID:                resp.RoomID,
		Status:            domain.RoomWaiting,
		Category:          category,
		Priority:          priority,
		CustomerID:        c.userID,
		CustomerName:      c.userName,
		CreatedAt:         time.Now(),
		QueuePosition:     resp.QueuePosition,
		EstimatedWaitSecs: resp.EstimatedWaitSecs,
	}, c.userID)

	welcome := domain.NewSystemMessage(resp.RoomID, fmt.Sprintf(
		"Welcome to travel support! You are #%d in the queue. Estimated wait: %s.",
		resp.QueuePosition, formatWait(resp.EstimatedWaitSecs)))
	room.Append(welcome)

	c.mu.Lock()
	c.room = room
	c.awaitingFeedback = false
	c.agentTyping = false
	c.mu.Unlock()

	c.tr.JoinRoom(resp.RoomID)
	logger.Log.Info("chat started",
		zap.String("room_id", resp.RoomID), zap.Int("queue_position", resp.QueuePosition))
	c.notify()
	return nil
}

// SendMessage is only allowed while an agent is assigned; while waiting
// there is nobody to receive it and after close the room is read-only.
func (c *Controller) SendMessage(content string) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()

	if room == nil || room.Status() != domain.RoomActive {
		return ErrChatNotActive
	}
	c.tr.SendMessage(room.ID(), content, domain.MessageText)
	return nil
}

// InputActivity reports a keystroke. The first keystroke sends
// typing_start; the stop is debounced so a burst of keystrokes yields
// exactly one typing_stop after the inactivity window.
func (c *Controller) InputActivity() {
	c.mu.Lock()
	room := c.room
	if room == nil || room.Status() != domain.RoomActive {
		c.mu.Unlock()
		return
	}
	roomID := room.ID()

	start := !c.typingActive
	c.typingActive = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.opts.TypingTimeout, func() {
		c.mu.Lock()
		c.typingActive = false
		c.mu.Unlock()
		c.tr.StopTyping(roomID)
	})
	c.mu.Unlock()

	if start {
		c.tr.StartTyping(roomID)
	}
}

// SubmitFeedback confirms the close with the satisfaction rating and resets
// the widget so a new chat can be started.
func (c *Controller) SubmitFeedback(ctx context.Context, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}

	c.mu.Lock()
	if !c.awaitingFeedback || c.room == nil {
		c.mu.Unlock()
		return ErrNoFeedbackPending
	}
	roomID := c.room.ID()
	c.mu.Unlock()

	if err := c.api.CloseChat(ctx, roomID, domain.CloseChatRequest{
		Satisfaction: rating,
		Feedback:     comment,
	}); err != nil {
		return err
	}

	c.Reset()
	return nil
}

// Reset abandons the current room so a new chat can begin. Timers are
// cancelled and the transport subscription released.
func (c *Controller) Reset() {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.awaitingFeedback = false
	c.agentTyping = false
	c.typingActive = false
	for _, timer := range []*time.Timer{c.typingTimer, c.readTimer, c.peerTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	c.typingTimer, c.readTimer, c.peerTimer = nil, nil, nil
	c.mu.Unlock()

	if room != nil {
		c.tr.LeaveRoom(room.ID())
	}
	c.notify()
}

func (c *Controller) handleAssigned(p domain.AssignedPayload) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || room.ID() != p.RoomID {
		return
	}
	if _, ok := room.ApplyAssigned(p.AgentID, p.AgentName); ok {
		logger.Log.Info("agent assigned",
			zap.String("room_id", p.RoomID), zap.String("agent", p.AgentName))
		c.notify()
	}
}

func (c *Controller) handleClosed(p domain.ClosedPayload) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || room.ID() != p.RoomID {
		return
	}
	if _, ok := room.ApplyClosed(p.ClosedBy, p.Reason); !ok {
		return
	}

	c.mu.Lock()
	c.awaitingFeedback = true
	c.agentTyping = false
	c.typingActive = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleMessage(msg domain.ChatMessage) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || room.ID() != msg.RoomID {
		return
	}
	if !room.Append(msg) {
		return
	}

	if msg.SenderID != c.userID && msg.MessageType != domain.MessageSystem {
		c.scheduleMarkRead(room)
	}
	c.notify()
}

// scheduleMarkRead debounces read receipts: the mark_read command goes out
// once the other party has been quiet for MarkReadDelay.
func (c *Controller) scheduleMarkRead(room *session.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readTimer != nil {
		c.readTimer.Stop()
	}
	c.readTimer = time.AfterFunc(c.opts.MarkReadDelay, func() {
		ids := room.MarkAllRead()
		if len(ids) > 0 {
			c.tr.MarkRead(room.ID(), ids)
			c.notify()
		}
	})
}

func (c *Controller) handleTyping(ind domain.TypingIndicator) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || room.ID() != ind.RoomID || ind.UserID == c.userID {
		return
	}

	c.mu.Lock()
	c.agentTyping = ind.IsTyping
	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	if ind.IsTyping {
		// Expire the indicator locally even if typing_stop never arrives.
		c.peerTimer = time.AfterFunc(c.opts.TypingTimeout, func() {
			c.mu.Lock()
			c.agentTyping = false
			c.mu.Unlock()
			c.notify()
		})
	}
	c.mu.Unlock()
	c.notify()
}

// Room returns a snapshot of the current room, or nil when idle.
func (c *Controller) Room() *domain.ChatRoom {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil
	}
	snap := room.Snapshot()
	return &snap
}

// Messages returns the current room's history in receipt order.
func (c *Controller) Messages() []domain.ChatMessage {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil
	}
	return room.Messages()
}

// UnreadCount returns the number of unread agent messages.
func (c *Controller) UnreadCount() int {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return 0
	}
	return room.UnreadCount()
}

// CanSend reports whether message input should be enabled.
func (c *Controller) CanSend() bool {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	return room != nil && room.Status() == domain.RoomActive
}

// AwaitingFeedback reports whether the post-close rating prompt is open.
func (c *Controller) AwaitingFeedback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingFeedback
}

// AgentTyping reports whether the assigned agent is currently typing.
func (c *Controller) AgentTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentTyping
}

func formatWait(secs int) string {
	if secs < 60 {
		return fmt.Sprintf("%d seconds", secs)
	}
	mins := (secs + 30) / 60
	if mins == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}
