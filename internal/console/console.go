// Package console manages an agent's working set of chat rooms: the shared
// unassigned queue plus the agent's own active conversations, with
// independent composition state per room.
package console

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"travelchat/internal/domain"
	"travelchat/internal/logger"
	"travelchat/internal/session"
)

var (
	ErrUnknownRoom   = errors.New("console: room is not in the working set")
	ErrRoomNotActive = errors.New("console: room is not active")
	ErrEmptyMessage  = errors.New("console: nothing to send")
)

// Transport is the slice of the websocket wrapper the console needs.
type Transport interface {
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
	SendMessage(roomID, content string, msgType domain.MessageType)
	StartTyping(roomID string)
	StopTyping(roomID string)
	MarkRead(roomID string, messageIDs []string)
	TakeChat(roomID string)
	TransferChat(roomID, targetAgentID, reason string)
	CloseChat(roomID, reason string, satisfaction int)
	OnMessage(func(domain.ChatMessage))
	OnTyping(func(domain.TypingIndicator))
	OnChatAssigned(func(domain.AssignedPayload))
	OnChatTransferred(func(domain.TransferredPayload))
	OnChatClosed(func(domain.ClosedPayload))
	OnAgentStatus(func(domain.AgentStatusPayload))
}

// API is the slice of the REST client the console needs.
type API interface {
	AssignedChats(ctx context.Context) ([]domain.ChatRoom, error)
	UnassignedChats(ctx context.Context) ([]domain.ChatRoom, error)
	Analytics(ctx context.Context, rng string) (*domain.Analytics, error)
	TakeChat(ctx context.Context, roomID string) error
	CloseChat(ctx context.Context, roomID string, req domain.CloseChatRequest) error
	TransferChat(ctx context.Context, roomID string, req domain.TransferChatRequest) error
}

type Options struct {
	TypingTimeout time.Duration // per-room typing_stop debounce, default 3s
}

func (o *Options) applyDefaults() {
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 3 * time.Second
	}
}

// Controller keeps the working-set partition invariant: every tracked room
// is either in the unassigned queue or in this agent's assigned list, never
// both. Structural changes (claim, close, transfer) reconcile through a
// full refetch rather than local patching.
type Controller struct {
	api       API
	tr        Transport
	agentID   string
	agentName string
	opts      Options

	mu           sync.Mutex
	tracker      *session.Tracker
	selected     string
	joined       map[string]struct{}
	inputs       map[string]string
	typingActive map[string]bool
	typingTimers map[string]*time.Timer
	peerTyping   map[string]string // roomID -> display name
	peerTimers   map[string]*time.Timer
	onlineAgents map[string]struct{}
	analytics    domain.Analytics

	// Refetch results are applied in request order; a slow response that
	// arrives after a newer one is discarded.
	nextSeq    uint64
	appliedSeq uint64

	onChange []func()
}

func NewController(api API, tr Transport, agentID, agentName string, opts Options) *Controller {
	opts.applyDefaults()
	c := &Controller{
		api:          api,
		tr:           tr,
		agentID:      agentID,
		agentName:    agentName,
		opts:         opts,
		tracker:      session.NewTracker(agentID),
		joined:       make(map[string]struct{}),
		inputs:       make(map[string]string),
		typingActive: make(map[string]bool),
		typingTimers: make(map[string]*time.Timer),
		peerTyping:   make(map[string]string),
		peerTimers:   make(map[string]*time.Timer),
		onlineAgents: make(map[string]struct{}),
	}

	tr.OnChatAssigned(c.handleAssigned)
	tr.OnChatTransferred(c.handleTransferred)
	tr.OnChatClosed(c.handleClosed)
	tr.OnMessage(c.handleMessage)
	tr.OnTyping(c.handleTyping)
	tr.OnAgentStatus(c.handleAgentStatus)
	return c
}

// OnChange registers a re-render callback; registration is additive.
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

// Initialize loads the working set and subscribes to every assigned room.
// Waiting rooms are not joined until claimed.
func (c *Controller) Initialize(ctx context.Context) error {
	return c.refetch(ctx)
}

// refetch reloads the full working set. This is the single reconciliation
// path for every structural change; it is idempotent, so the race between a
// take REST response and the chat_assigned event is harmless.
func (c *Controller) refetch(ctx context.Context) error {
	c.mu.Lock()
	c.nextSeq++
	seq := c.nextSeq
	c.mu.Unlock()

	assigned, err := c.api.AssignedChats(ctx)
	if err != nil {
		return err
	}
	unassigned, err := c.api.UnassignedChats(ctx)
	if err != nil {
		return err
	}
	analytics, err := c.api.Analytics(ctx, "today")
	if err != nil {
		return err
	}

	c.mu.Lock()
	if seq <= c.appliedSeq {
		c.mu.Unlock()
		logger.Log.Debug("discarding stale working-set refetch")
		return nil
	}
	c.appliedSeq = seq

	rooms := make([]domain.ChatRoom, 0, len(assigned)+len(unassigned))
	rooms = append(rooms, assigned...)
	rooms = append(rooms, unassigned...)
	c.tracker.Replace(rooms)
	c.analytics = *analytics

	var toJoin []string
	for _, room := range assigned {
		if _, ok := c.joined[room.ID]; !ok {
			c.joined[room.ID] = struct{}{}
			toJoin = append(toJoin, room.ID)
		}
	}
	c.mu.Unlock()

	for _, id := range toJoin {
		c.tr.JoinRoom(id)
	}
	c.notify()
	return nil
}

// TakeChat claims a waiting room. The REST response only means "request
// accepted": the working set is committed by the refetch, and the room is
// auto-selected once it shows up as ours.
func (c *Controller) TakeChat(ctx context.Context, roomID string) error {
	if err := c.api.TakeChat(ctx, roomID); err != nil {
		return err
	}
	c.tr.TakeChat(roomID)

	if err := c.refetch(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if room := c.tracker.Get(roomID); room != nil && room.Status() == domain.RoomActive {
		c.selected = roomID
	}
	c.mu.Unlock()
	logger.Log.Info("chat claimed", zap.String("room_id", roomID))
	c.notify()
	return nil
}

// CloseChat resolves a room: durable REST close first, then the real-time
// signal so the customer sees it immediately.
func (c *Controller) CloseChat(ctx context.Context, roomID, reason string) error {
	if err := c.api.CloseChat(ctx, roomID, domain.CloseChatRequest{Reason: reason}); err != nil {
		return err
	}
	c.tr.CloseChat(roomID, reason, 0)
	c.removeRoom(roomID)
	return nil
}

// TransferChat hands a room to another agent. The room leaves this agent's
// working set once the transfer is accepted.
func (c *Controller) TransferChat(ctx context.Context, roomID, targetAgentID, reason string) error {
	if err := c.api.TransferChat(ctx, roomID, domain.TransferChatRequest{
		TargetAgentID: targetAgentID,
		Reason:        reason,
	}); err != nil {
		return err
	}
	c.tr.TransferChat(roomID, targetAgentID, reason)
	c.removeRoom(roomID)
	return nil
}

// Select makes a room the focused conversation.
func (c *Controller) Select(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker.Get(roomID) == nil {
		return ErrUnknownRoom
	}
	c.selected = roomID
	return nil
}

// Selected returns the focused room id, or empty.
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// SetInput updates a room's composition buffer. Each room has its own
// typing debounce timer, so typing in one room never touches another's
// indicator state.
func (c *Controller) SetInput(roomID, text string) {
	c.mu.Lock()
	room := c.tracker.Get(roomID)
	if room == nil || room.Status() != domain.RoomActive {
		c.mu.Unlock()
		return
	}
	c.inputs[roomID] = text

	start := false
	if text != "" {
		start = !c.typingActive[roomID]
		c.typingActive[roomID] = true
		if t := c.typingTimers[roomID]; t != nil {
			t.Stop()
		}
		c.typingTimers[roomID] = time.AfterFunc(c.opts.TypingTimeout, func() {
			c.mu.Lock()
			c.typingActive[roomID] = false
			c.mu.Unlock()
			c.tr.StopTyping(roomID)
		})
	}
	c.mu.Unlock()

	if start {
		c.tr.StartTyping(roomID)
	}
}

// Input returns a room's composition buffer.
func (c *Controller) Input(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs[roomID]
}

// SendMessage sends the buffered input for a room and clears the buffer and
// its typing state.
func (c *Controller) SendMessage(roomID string) error {
	c.mu.Lock()
	room := c.tracker.Get(roomID)
	if room == nil {
		c.mu.Unlock()
		return ErrUnknownRoom
	}
	if room.Status() != domain.RoomActive {
		c.mu.Unlock()
		return ErrRoomNotActive
	}
	content := c.inputs[roomID]
	if content == "" {
		c.mu.Unlock()
		return ErrEmptyMessage
	}
	delete(c.inputs, roomID)
	wasTyping := c.typingActive[roomID]
	c.typingActive[roomID] = false
	if t := c.typingTimers[roomID]; t != nil {
		t.Stop()
		delete(c.typingTimers, roomID)
	}
	c.mu.Unlock()

	if wasTyping {
		c.tr.StopTyping(roomID)
	}
	c.tr.SendMessage(roomID, content, domain.MessageText)
	return nil
}

// MarkRoomRead marks everything unread in a room as read and notifies the
// other side.
func (c *Controller) MarkRoomRead(roomID string) {
	c.mu.Lock()
	room := c.tracker.Get(roomID)
	c.mu.Unlock()
	if room == nil {
		return
	}
	if ids := room.MarkAllRead(); len(ids) > 0 {
		c.tr.MarkRead(roomID, ids)
		c.notify()
	}
}

// removeRoom drops a room from the working set: buffers and timers are
// discarded and the selection cleared when it pointed there. Safe to call
// more than once for the same room.
func (c *Controller) removeRoom(roomID string) {
	c.mu.Lock()
	room := c.tracker.Get(roomID)
	if room != nil {
		room.ApplyClosed("", "")
	}
	c.tracker.Remove(roomID)
	delete(c.inputs, roomID)
	delete(c.typingActive, roomID)
	if t := c.typingTimers[roomID]; t != nil {
		t.Stop()
		delete(c.typingTimers, roomID)
	}
	if t := c.peerTimers[roomID]; t != nil {
		t.Stop()
		delete(c.peerTimers, roomID)
	}
	delete(c.peerTyping, roomID)
	if c.selected == roomID {
		c.selected = ""
	}
	_, wasJoined := c.joined[roomID]
	delete(c.joined, roomID)
	c.mu.Unlock()

	if wasJoined {
		c.tr.LeaveRoom(roomID)
	}
	c.notify()
}

func (c *Controller) handleAssigned(p domain.AssignedPayload) {
	if p.AgentID == c.agentID {
		// Could be the claim this console issued or one from a second
		// device. Either way the refetch is the authority.
		if err := c.refetch(context.Background()); err != nil {
			logger.Log.Warn("refetch after assignment failed", zap.Error(err))
		}
		return
	}

	// Another agent claimed the room: it leaves the shared queue.
	c.mu.Lock()
	tracked := c.tracker.Get(p.RoomID) != nil
	if tracked {
		c.tracker.Remove(p.RoomID)
	}
	c.mu.Unlock()
	if tracked {
		c.notify()
	}
}

func (c *Controller) handleTransferred(p domain.TransferredPayload) {
	if p.ToAgent == c.agentID {
		if err := c.refetch(context.Background()); err != nil {
			logger.Log.Warn("refetch after transfer failed", zap.Error(err))
		}
		return
	}
	if p.FromAgent == c.agentID {
		c.removeRoom(p.RoomID)
	}
}

func (c *Controller) handleClosed(p domain.ClosedPayload) {
	c.mu.Lock()
	tracked := c.tracker.Get(p.RoomID) != nil
	c.mu.Unlock()
	if tracked {
		c.removeRoom(p.RoomID)
	}
}

func (c *Controller) handleMessage(msg domain.ChatMessage) {
	c.mu.Lock()
	room := c.tracker.Get(msg.RoomID)
	c.mu.Unlock()
	if room == nil {
		return
	}
	if room.Append(msg) {
		c.notify()
	}
}

func (c *Controller) handleTyping(ind domain.TypingIndicator) {
	if ind.UserID == c.agentID {
		return
	}
	c.mu.Lock()
	if c.tracker.Get(ind.RoomID) == nil {
		c.mu.Unlock()
		return
	}
	if t := c.peerTimers[ind.RoomID]; t != nil {
		t.Stop()
		delete(c.peerTimers, ind.RoomID)
	}
	if ind.IsTyping {
		c.peerTyping[ind.RoomID] = ind.UserName
		roomID := ind.RoomID
		c.peerTimers[roomID] = time.AfterFunc(c.opts.TypingTimeout, func() {
			c.mu.Lock()
			delete(c.peerTyping, roomID)
			delete(c.peerTimers, roomID)
			c.mu.Unlock()
			c.notify()
		})
	} else {
		delete(c.peerTyping, ind.RoomID)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleAgentStatus(p domain.AgentStatusPayload) {
	if p.AgentID == c.agentID {
		return
	}
	c.mu.Lock()
	_, known := c.onlineAgents[p.AgentID]
	changed := false
	if p.Status == "online" && !known {
		c.onlineAgents[p.AgentID] = struct{}{}
		changed = true
	} else if p.Status != "online" && known {
		delete(c.onlineAgents, p.AgentID)
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// OnlineAgents returns the other agents currently connected, sorted by id.
// These are the candidate transfer targets.
func (c *Controller) OnlineAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.onlineAgents))
	for id := range c.onlineAgents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WaitingQueue returns the shared unassigned queue, oldest first.
func (c *Controller) WaitingQueue() []domain.ChatRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := c.tracker.Waiting()
	out := make([]domain.ChatRoom, len(rooms))
	for i, r := range rooms {
		out[i] = r.Snapshot()
	}
	return out
}

// Assigned returns this agent's active rooms.
func (c *Controller) Assigned() []domain.ChatRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := c.tracker.AssignedTo(c.agentID)
	out := make([]domain.ChatRoom, len(rooms))
	for i, r := range rooms {
		out[i] = r.Snapshot()
	}
	return out
}

// Messages returns a room's history.
func (c *Controller) Messages(roomID string) []domain.ChatMessage {
	c.mu.Lock()
	room := c.tracker.Get(roomID)
	c.mu.Unlock()
	if room == nil {
		return nil
	}
	return room.Messages()
}

// UnreadCount returns a room's unread customer messages.
func (c *Controller) UnreadCount(roomID string) int {
	c.mu.Lock()
	room := c.tracker.Get(roomID)
	c.mu.Unlock()
	if room == nil {
		return 0
	}
	return room.UnreadCount()
}

// CustomerTyping returns the display name of the customer typing in a room,
// or empty.
func (c *Controller) CustomerTyping(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping[roomID]
}

// Analytics returns the last fetched daily rollup.
func (c *Controller) Analytics() domain.Analytics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.analytics
}
