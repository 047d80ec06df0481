package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"travelchat/internal/domain"
	"travelchat/internal/hub"
	"travelchat/internal/infrastructure/kafka"
	"travelchat/internal/infrastructure/redis"
	"travelchat/internal/logger"
)

// WSConnection is one authenticated websocket client. Writes are serialized
// through writeMux because fiber's websocket conn is not safe for
// concurrent writers.
type WSConnection struct {
	Conn     *websocket.Conn
	UserID   string
	UserName string
	Role     domain.Role
	writeMux sync.Mutex
}

func (c *WSConnection) writeEvent(ev domain.Event) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("recovered from panic writing to websocket",
				zap.String("user_id", c.UserID), zap.Any("panic", r))
		}
	}()
	return c.Conn.WriteJSON(ev)
}

// WSManager owns all live websocket connections of this instance and fans
// events out to room subscribers. Lifecycle events additionally reach every
// connected agent so consoles can keep their queues current.
type WSManager struct {
	chatHub       *hub.Hub
	kafkaProducer *kafka.KafkaProducer
	redisClient   *redis.RedisClient

	mutex    sync.RWMutex
	conns    map[string]*WSConnection       // by user ID
	roomSubs map[string]map[string]struct{} // room ID -> user IDs
}

func NewWSManager(chatHub *hub.Hub, kafkaProducer *kafka.KafkaProducer, redisClient *redis.RedisClient) *WSManager {
	return &WSManager{
		chatHub:       chatHub,
		kafkaProducer: kafkaProducer,
		redisClient:   redisClient,
		conns:         make(map[string]*WSConnection),
		roomSubs:      make(map[string]map[string]struct{}),
	}
}

// HandleConnection runs the read loop for one client until it disconnects.
// The token has no signature to verify here; gateway auth happens upstream,
// so an empty token is the only terminal handshake failure.
func (w *WSManager) HandleConnection(c *websocket.Conn, token, userID, userName string, role domain.Role) {
	defer c.Close()

	conn := &WSConnection{Conn: c, UserID: userID, UserName: userName, Role: role}

	if token == "" || userID == "" {
		conn.writeEvent(domain.NewEvent(domain.EventAuthFailed, domain.ErrorPayload{
			Message: "missing or invalid credentials",
			Code:    "auth_failed",
		}))
		return
	}

	w.addConnection(conn)
	defer w.dropConnection(conn)

	if err := conn.writeEvent(domain.NewEvent(domain.EventConnectionEstablished, domain.ConnectionEstablishedPayload{
		UserID:   userID,
		UserType: role,
	})); err != nil {
		logger.Log.Warn("failed to complete handshake", zap.String("user_id", userID), zap.Error(err))
		return
	}

	logger.Log.Info("websocket client connected",
		zap.String("user_id", userID), zap.String("role", string(role)))

	if role == domain.RoleAgent {
		w.announceAgentStatus(userID, "online")
	}

	ctx := context.Background()
	for {
		var cmd domain.Command
		if err := c.ReadJSON(&cmd); err != nil {
			logger.Log.Debug("websocket read ended",
				zap.String("user_id", userID), zap.Error(err))
			return
		}
		w.handleCommand(ctx, conn, cmd)
	}
}

func (w *WSManager) addConnection(conn *WSConnection) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.conns[conn.UserID] = conn
}

// dropConnection tears down a client: its room subscriptions are removed and
// each of those rooms is told the participant left.
func (w *WSManager) dropConnection(conn *WSConnection) {
	ctx := context.Background()

	w.mutex.Lock()
	delete(w.conns, conn.UserID)
	var left []string
	for roomID, subs := range w.roomSubs {
		if _, ok := subs[conn.UserID]; ok {
			delete(subs, conn.UserID)
			if len(subs) == 0 {
				delete(w.roomSubs, roomID)
			}
			left = append(left, roomID)
		}
	}
	w.mutex.Unlock()

	for _, roomID := range left {
		if err := w.redisClient.RemoveUserFromRoom(ctx, roomID, conn.UserID); err != nil {
			logger.Log.Warn("failed to clear presence", zap.String("room_id", roomID), zap.Error(err))
		}
		w.broadcastToRoom(roomID, domain.NewEvent(domain.EventUserLeft, domain.PresencePayload{
			RoomID:   roomID,
			UserID:   conn.UserID,
			UserName: conn.UserName,
		}), conn.UserID)
	}

	if conn.Role == domain.RoleAgent {
		w.announceAgentStatus(conn.UserID, "offline")
	}

	logger.Log.Info("websocket client disconnected", zap.String("user_id", conn.UserID))
}

// announceAgentStatus tells every console an agent came online or went away,
// so transfer targets stay current across the team.
func (w *WSManager) announceAgentStatus(agentID, status string) {
	ev := domain.NewEvent(domain.EventAgentStatusUpdate, domain.AgentStatusPayload{
		AgentID: agentID,
		Status:  status,
	})
	w.broadcastToAgents(ev)
	w.publishEvent(ev)
}

func (w *WSManager) handleCommand(ctx context.Context, conn *WSConnection, cmd domain.Command) {
	switch cmd.Type {
	case domain.CmdJoinRoom:
		w.handleJoin(ctx, conn, cmd.RoomID)
	case domain.CmdLeaveRoom:
		w.handleLeave(ctx, conn, cmd.RoomID)
	case domain.CmdSendMessage:
		w.handleSendMessage(ctx, conn, cmd)
	case domain.CmdTypingStart:
		w.handleTyping(ctx, conn, cmd.RoomID, true)
	case domain.CmdTypingStop:
		w.handleTyping(ctx, conn, cmd.RoomID, false)
	case domain.CmdMarkRead:
		// Read receipts are client-local bookkeeping; nothing to fan out.
	case domain.CmdTakeChat:
		w.handleTake(conn, cmd.RoomID)
	case domain.CmdTransferChat:
		w.handleTransfer(conn, cmd)
	case domain.CmdCloseChat:
		w.handleClose(ctx, conn, cmd)
	default:
		logger.Log.Warn("unknown command",
			zap.String("type", cmd.Type), zap.String("user_id", conn.UserID))
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{
			Message: "unknown command type: " + cmd.Type,
		}))
	}
}

func (w *WSManager) handleJoin(ctx context.Context, conn *WSConnection, roomID string) {
	if _, ok := w.chatHub.Get(roomID); !ok {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{
			Message: "room not found",
			Code:    "room_not_found",
		}))
		return
	}

	w.mutex.Lock()
	subs, ok := w.roomSubs[roomID]
	if !ok {
		subs = make(map[string]struct{})
		w.roomSubs[roomID] = subs
	}
	subs[conn.UserID] = struct{}{}
	w.mutex.Unlock()

	if err := w.redisClient.AddUserToRoom(ctx, roomID, conn.UserID, conn.Role); err != nil {
		logger.Log.Warn("failed to record presence", zap.String("room_id", roomID), zap.Error(err))
	}

	w.broadcastToRoom(roomID, domain.NewEvent(domain.EventUserJoined, domain.PresencePayload{
		RoomID:   roomID,
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}), conn.UserID)
}

func (w *WSManager) handleLeave(ctx context.Context, conn *WSConnection, roomID string) {
	w.mutex.Lock()
	if subs, ok := w.roomSubs[roomID]; ok {
		delete(subs, conn.UserID)
		if len(subs) == 0 {
			delete(w.roomSubs, roomID)
		}
	}
	w.mutex.Unlock()

	if err := w.redisClient.RemoveUserFromRoom(ctx, roomID, conn.UserID); err != nil {
		logger.Log.Warn("failed to clear presence", zap.String("room_id", roomID), zap.Error(err))
	}

	w.broadcastToRoom(roomID, domain.NewEvent(domain.EventUserLeft, domain.PresencePayload{
		RoomID:   roomID,
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}), conn.UserID)
}

func (w *WSManager) handleSendMessage(ctx context.Context, conn *WSConnection, cmd domain.Command) {
	var payload domain.SendMessagePayload
	if err := cmd.DecodeData(&payload); err != nil || payload.Content == "" {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{
			Message: "invalid message payload",
		}))
		return
	}
	if payload.MessageType == "" {
		payload.MessageType = domain.MessageText
	}

	room, ok := w.chatHub.Get(cmd.RoomID)
	if !ok || room.Status != domain.RoomActive {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{
			Message: "room is not active",
			Code:    "room_not_active",
		}))
		return
	}

	msg := domain.ChatMessage{
		ID:          uuid.New().String(),
		RoomID:      cmd.RoomID,
		SenderID:    conn.UserID,
		SenderName:  conn.UserName,
		SenderRole:  conn.Role,
		Content:     payload.Content,
		MessageType: payload.MessageType,
		Timestamp:   time.Now(),
	}

	// Everyone in the room gets the message, the sender included, so a
	// multi-device sender stays consistent. Clients dedupe by message ID.
	w.broadcastToRoom(cmd.RoomID, domain.NewEvent(domain.EventMessageReceived, msg))

	if err := w.kafkaProducer.SendMessage(ctx, msg); err != nil {
		logger.Log.Warn("failed to fan out message", zap.String("room_id", cmd.RoomID), zap.Error(err))
	}
}

func (w *WSManager) handleTyping(ctx context.Context, conn *WSConnection, roomID string, isTyping bool) {
	if err := w.redisClient.SetUserTyping(ctx, roomID, conn.UserID, isTyping); err != nil {
		logger.Log.Warn("failed to record typing state", zap.String("room_id", roomID), zap.Error(err))
	}

	ind := domain.TypingIndicator{
		RoomID:   roomID,
		UserID:   conn.UserID,
		UserName: conn.UserName,
		IsTyping: isTyping,
	}
	w.broadcastToRoom(roomID, domain.NewEvent(domain.EventTypingIndicator, ind), conn.UserID)

	if err := w.kafkaProducer.SendMessage(ctx, ind); err != nil {
		logger.Log.Warn("failed to fan out typing indicator", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (w *WSManager) handleTake(conn *WSConnection, roomID string) {
	if conn.Role != domain.RoleAgent {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{
			Message: "only agents can claim chats",
			Code:    "forbidden",
		}))
		return
	}

	_, applied, err := w.chatHub.Take(roomID, conn.UserID, conn.UserName)
	if err != nil {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{Message: err.Error()}))
		return
	}
	if !applied {
		// The REST claim already landed; the signal is redundant.
		return
	}
	w.AnnounceAssigned(roomID, conn.UserID, conn.UserName)
}

func (w *WSManager) handleTransfer(conn *WSConnection, cmd domain.Command) {
	var payload domain.TransferPayload
	if err := cmd.DecodeData(&payload); err != nil {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{Message: "invalid transfer payload"}))
		return
	}

	target, err := w.resolveTransferTarget(payload.TargetAgentID, conn.UserID)
	if err != nil {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{Message: err.Error()}))
		return
	}

	if _, err := w.chatHub.Transfer(cmd.RoomID, conn.UserID, target); err != nil {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{Message: err.Error()}))
		return
	}
	w.AnnounceTransferred(cmd.RoomID, conn.UserID, target.ID, payload.Reason)
}

func (w *WSManager) handleClose(ctx context.Context, conn *WSConnection, cmd domain.Command) {
	var payload domain.ClosePayload
	if err := cmd.DecodeData(&payload); err != nil {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{Message: "invalid close payload"}))
		return
	}

	_, applied, err := w.chatHub.Close(cmd.RoomID, conn.UserID)
	if err != nil {
		conn.writeEvent(domain.NewEvent(domain.EventError, domain.ErrorPayload{Message: err.Error()}))
		return
	}
	if !applied {
		return
	}

	if err := w.redisClient.IncrChatsClosed(ctx); err != nil {
		logger.Log.Warn("failed to record closed chat", zap.Error(err))
	}
	if payload.Satisfaction >= 1 && payload.Satisfaction <= 5 {
		if err := w.redisClient.RecordSatisfaction(ctx, payload.Satisfaction); err != nil {
			logger.Log.Warn("failed to record satisfaction", zap.Error(err))
		}
	}
	w.AnnounceClosed(cmd.RoomID, conn.UserID, payload.Reason)
}

// resolveTransferTarget finds the agent a chat should move to. With no
// explicit target it picks any other connected agent, so an untargeted
// transfer never sends the room back to the queue.
func (w *WSManager) resolveTransferTarget(targetID, fromAgentID string) (domain.AgentRef, error) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if targetID != "" {
		if c, ok := w.conns[targetID]; ok && c.Role == domain.RoleAgent {
			return domain.AgentRef{ID: c.UserID, Name: c.UserName}, nil
		}
		// Target agent is not connected to this instance; trust the caller.
		return domain.AgentRef{ID: targetID}, nil
	}

	for _, c := range w.conns {
		if c.Role == domain.RoleAgent && c.UserID != fromAgentID {
			return domain.AgentRef{ID: c.UserID, Name: c.UserName}, nil
		}
	}
	return domain.AgentRef{}, hub.ErrNotAssignee
}

// Lifecycle announcements. Each goes to the room's subscribers, to every
// connected agent, and to kafka for sibling instances. The REST handlers
// call these too, so the claim path and the signal path emit one shape.

func (w *WSManager) AnnounceAssigned(roomID, agentID, agentName string) {
	ev := domain.NewEvent(domain.EventChatAssigned, domain.AssignedPayload{
		RoomID:    roomID,
		AgentID:   agentID,
		AgentName: agentName,
	})
	w.broadcastToRoom(roomID, ev)
	w.broadcastToAgents(ev)
	w.publishEvent(ev)
}

func (w *WSManager) AnnounceTransferred(roomID, fromAgent, toAgent, reason string) {
	ev := domain.NewEvent(domain.EventChatTransferred, domain.TransferredPayload{
		RoomID:    roomID,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Reason:    reason,
	})
	w.broadcastToRoom(roomID, ev)
	w.broadcastToAgents(ev)
	w.publishEvent(ev)
}

func (w *WSManager) AnnounceClosed(roomID, closedBy, reason string) {
	ev := domain.NewEvent(domain.EventChatClosed, domain.ClosedPayload{
		RoomID:   roomID,
		ClosedBy: closedBy,
		Reason:   reason,
	})
	w.broadcastToRoom(roomID, ev)
	w.broadcastToAgents(ev)
	w.publishEvent(ev)
}

func (w *WSManager) publishEvent(ev domain.Event) {
	if err := w.kafkaProducer.SendMessage(context.Background(), ev); err != nil {
		logger.Log.Warn("failed to fan out room event", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (w *WSManager) broadcastToRoom(roomID string, ev domain.Event, exclude ...string) {
	w.mutex.RLock()
	var targets []*WSConnection
	for userID := range w.roomSubs[roomID] {
		skip := false
		for _, ex := range exclude {
			if userID == ex {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if c, ok := w.conns[userID]; ok {
			targets = append(targets, c)
		}
	}
	w.mutex.RUnlock()

	w.deliver(targets, ev)
}

// broadcastToAgents reaches every connected agent whether or not they are
// subscribed to the room, because queue changes concern all consoles.
func (w *WSManager) broadcastToAgents(ev domain.Event) {
	w.mutex.RLock()
	var targets []*WSConnection
	for _, c := range w.conns {
		if c.Role == domain.RoleAgent {
			targets = append(targets, c)
		}
	}
	w.mutex.RUnlock()

	w.deliver(targets, ev)
}

func (w *WSManager) deliver(targets []*WSConnection, ev domain.Event) {
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *WSConnection) {
			defer wg.Done()
			if err := c.writeEvent(ev); err != nil {
				logger.Log.Warn("failed to deliver event",
					zap.String("user_id", c.UserID), zap.String("type", ev.Type), zap.Error(err))
			}
		}(c)
	}
	wg.Wait()
}

// Kafka fanout from sibling instances. A client connected here may dedupe a
// message it already saw from the local broadcast; the envelope carries the
// message ID for exactly that reason.

func (w *WSManager) HandleChatMessage(msg domain.ChatMessage) {
	w.broadcastToRoom(msg.RoomID, domain.NewEvent(domain.EventMessageReceived, msg))
}

func (w *WSManager) HandleTypingIndicator(ind domain.TypingIndicator) {
	w.broadcastToRoom(ind.RoomID, domain.NewEvent(domain.EventTypingIndicator, ind), ind.UserID)
}

func (w *WSManager) HandleRoomEvent(ev domain.Event) {
	if ev.Type == domain.EventAgentStatusUpdate {
		w.broadcastToAgents(ev)
		return
	}
	roomID := roomIDOf(ev)
	if roomID == "" {
		return
	}
	w.broadcastToRoom(roomID, ev)
	switch ev.Type {
	case domain.EventChatAssigned, domain.EventChatTransferred, domain.EventChatClosed:
		w.broadcastToAgents(ev)
	}
}

func roomIDOf(ev domain.Event) string {
	var probe struct {
		RoomID string `json:"room_id"`
	}
	if err := ev.DecodeData(&probe); err != nil {
		return ""
	}
	return probe.RoomID
}

// ConnectionCount reports how many clients this instance is serving.
func (w *WSManager) ConnectionCount() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.conns)
}
