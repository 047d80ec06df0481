package delivery

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"travelchat/internal/domain"
	"travelchat/internal/hub"
	"travelchat/internal/logger"
)

// requireIdentity gates the chat routes on a bearer token and the identity
// headers. Token verification happens at the gateway; here only presence is
// enforced.
func (s *Server) requireIdentity(c *fiber.Ctx) error {
	auth := c.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "missing bearer token",
		})
	}

	userID := c.Get("X-User-ID")
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "missing X-User-ID header",
		})
	}
	userName := c.Get("X-User-Name")
	if userName == "" {
		userName = userID
	}

	c.Locals("user_id", userID)
	c.Locals("user_name", userName)
	return c.Next()
}

func identity(c *fiber.Ctx) (userID, userName string) {
	userID, _ = c.Locals("user_id").(string)
	userName, _ = c.Locals("user_name").(string)
	return userID, userName
}

func (s *Server) handleStartChat(c *fiber.Ctx) error {
	userID, userName := identity(c)

	var req domain.StartChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}

	room := s.chatHub.CreateRoom(userID, userName, req.Category, req.Priority)

	if err := s.redis.IncrChatsStarted(c.Context()); err != nil {
		logger.Log.Warn("failed to record started chat", zap.Error(err))
	}

	logger.Log.Info("chat started",
		zap.String("room_id", room.ID),
		zap.String("customer_id", userID),
		zap.Int("queue_position", room.QueuePosition))

	return c.JSON(domain.StartChatResponse{
		Success:           true,
		RoomID:            room.ID,
		QueuePosition:     room.QueuePosition,
		EstimatedWaitSecs: room.EstimatedWaitSecs,
	})
}

func (s *Server) handleAssignedChats(c *fiber.Ctx) error {
	userID, _ := identity(c)
	chats := s.chatHub.AssignedTo(userID)
	if chats == nil {
		chats = []domain.ChatRoom{}
	}
	return c.JSON(domain.ChatListResponse{Chats: chats})
}

func (s *Server) handleUnassignedChats(c *fiber.Ctx) error {
	chats := s.chatHub.Waiting()
	if chats == nil {
		chats = []domain.ChatRoom{}
	}
	return c.JSON(domain.ChatListResponse{Chats: chats})
}

func (s *Server) handleAnalytics(c *fiber.Ctx) error {
	started, closed, avgSatisfaction, err := s.redis.DailyAnalytics(c.Context())
	if err != nil {
		logger.Log.Error("failed to load analytics", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "analytics unavailable",
		})
	}

	active, waiting := s.chatHub.Counts()
	return c.JSON(domain.AnalyticsResponse{
		Analytics: domain.Analytics{
			ChatsStarted:    started,
			ChatsClosed:     closed,
			ActiveChats:     active,
			WaitingChats:    waiting,
			AvgSatisfaction: avgSatisfaction,
		},
	})
}

func (s *Server) handleRoomStatus(c *fiber.Ctx) error {
	roomID := c.Params("room_id")

	room, ok := s.chatHub.Get(roomID)
	if !ok {
		return hubError(c, hub.ErrRoomNotFound)
	}

	presence, err := s.redis.GetRoomUsers(c.Context(), roomID)
	if err != nil {
		logger.Log.Error("failed to load room presence",
			zap.String("room_id", roomID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "presence unavailable",
		})
	}
	typing, err := s.redis.GetTypingUsers(c.Context(), roomID)
	if err != nil {
		logger.Log.Warn("failed to load typing state",
			zap.String("room_id", roomID), zap.Error(err))
	}

	return c.JSON(domain.RoomStatusResponse{
		RoomID:      roomID,
		Status:      room.Status,
		Presence:    presence,
		TypingUsers: typing,
	})
}

func (s *Server) handleTakeChat(c *fiber.Ctx) error {
	userID, userName := identity(c)
	roomID := c.Params("room_id")

	room, applied, err := s.chatHub.Take(roomID, userID, userName)
	if err != nil {
		return hubError(c, err)
	}
	if applied {
		s.wsManager.AnnounceAssigned(room.ID, userID, userName)
	}
	return c.JSON(fiber.Map{"success": true, "room_id": room.ID})
}

func (s *Server) handleCloseChat(c *fiber.Ctx) error {
	userID, _ := identity(c)
	roomID := c.Params("room_id")

	var req domain.CloseChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.Satisfaction != 0 && (req.Satisfaction < 1 || req.Satisfaction > 5) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "satisfaction rating must be between 1 and 5",
		})
	}

	_, applied, err := s.chatHub.Close(roomID, userID)
	if err != nil {
		return hubError(c, err)
	}
	if applied {
		if err := s.redis.IncrChatsClosed(c.Context()); err != nil {
			logger.Log.Warn("failed to record closed chat", zap.Error(err))
		}
		s.wsManager.AnnounceClosed(roomID, userID, req.Reason)
	}
	if req.Satisfaction >= 1 && req.Satisfaction <= 5 {
		if err := s.redis.RecordSatisfaction(c.Context(), req.Satisfaction); err != nil {
			logger.Log.Warn("failed to record satisfaction", zap.Error(err))
		}
	}
	return c.JSON(fiber.Map{"success": true, "room_id": roomID})
}

func (s *Server) handleTransferChat(c *fiber.Ctx) error {
	userID, _ := identity(c)
	roomID := c.Params("room_id")

	var req domain.TransferChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	target, err := s.wsManager.resolveTransferTarget(req.TargetAgentID, userID)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "no agent available to receive the transfer",
		})
	}

	if _, err := s.chatHub.Transfer(roomID, userID, target); err != nil {
		return hubError(c, err)
	}
	s.wsManager.AnnounceTransferred(roomID, userID, target.ID, req.Reason)
	return c.JSON(fiber.Map{"success": true, "room_id": roomID, "target_agent_id": target.ID})
}

func hubError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrRoomNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, hub.ErrRoomNotWaiting), errors.Is(err, hub.ErrRoomNotActive):
		status = fiber.StatusConflict
	case errors.Is(err, hub.ErrNotAssignee):
		status = fiber.StatusForbidden
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
