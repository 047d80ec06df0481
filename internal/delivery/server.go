package delivery

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"travelchat/internal/config"
	"travelchat/internal/domain"
	"travelchat/internal/hub"
	"travelchat/internal/infrastructure/redis"
	"travelchat/internal/logger"
)

type Server struct {
	config    *config.Config
	chatHub   *hub.Hub
	redis     *redis.RedisClient
	wsManager *WSManager
	app       *fiber.App
}

func NewServer(cfg *config.Config, chatHub *hub.Hub, redis *redis.RedisClient, wsManager *WSManager) *Server {
	return &Server{
		config:    cfg,
		chatHub:   chatHub,
		redis:     redis,
		wsManager: wsManager,
	}
}

func (s *Server) Start() error {
	app := fiber.New(fiber.Config{
		AppName: "Travel Support Chat Server",
	})
	s.app = app

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,X-User-ID,X-User-Name",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
	} else {
		corsConfig.AllowOrigins = "*"
		// Credentials are never allowed together with a wildcard origin.
		corsConfig.AllowCredentials = false
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		active, waiting := s.chatHub.Counts()
		return c.JSON(fiber.Map{
			"status":        "ok",
			"environment":   s.config.Environment,
			"active_chats":  active,
			"waiting_chats": waiting,
			"connections":   s.wsManager.ConnectionCount(),
		})
	})

	chat := app.Group("/chat", s.requireIdentity)
	chat.Post("/start", s.handleStartChat)
	chat.Get("/assigned", s.handleAssignedChats)
	chat.Get("/unassigned", s.handleUnassignedChats)
	chat.Get("/analytics", s.handleAnalytics)
	chat.Get("/:room_id/status", s.handleRoomStatus)
	chat.Post("/:room_id/take", s.handleTakeChat)
	chat.Post("/:room_id/close", s.handleCloseChat)
	chat.Post("/:room_id/transfer", s.handleTransferChat)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		token := c.Query("token")
		userID := c.Query("user_id")
		userName := c.Query("name")
		role := domain.Role(c.Query("user_type"))
		if role != domain.RoleAgent {
			role = domain.RoleUser
		}
		if userName == "" {
			userName = userID
		}
		s.wsManager.HandleConnection(c, token, userID, userName, role)
	}))

	logger.Log.Info("chat server starting", zap.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown drains in-flight requests and closes listeners.
func (s *Server) Shutdown() error {
	if s.app == nil {
		return nil
	}
	return s.app.Shutdown()
}
