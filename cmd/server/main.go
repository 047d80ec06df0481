package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"travelchat/internal/config"
	"travelchat/internal/delivery"
	"travelchat/internal/hub"
	"travelchat/internal/infrastructure/kafka"
	"travelchat/internal/infrastructure/redis"
	"travelchat/internal/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()
	logger.Initialize("travelchat-server", cfg.IsDevelopment())
	defer logger.Log.Sync()

	logger.Log.Info("starting travel support chat server",
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.Port),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers))

	redisClient := redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err := redisClient.Ping(context.Background()); err != nil {
		logger.Log.Warn("redis connection failed, analytics and presence degraded", zap.Error(err))
	}

	chatHub := hub.New(cfg.AvgHandleSecs)
	kafkaProducer := kafka.NewKafkaProducer(cfg.KafkaBrokers...)
	wsManager := delivery.NewWSManager(chatHub, kafkaProducer, redisClient)

	kafkaConsumer := kafka.NewKafkaConsumer(
		cfg.KafkaBrokers,
		"travelchat-server-group",
		[]string{kafka.TopicChatMessages, kafka.TopicTyping, kafka.TopicRoomEvents},
		wsManager,
	)

	server := delivery.NewServer(cfg, chatHub, redisClient, wsManager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info("shutting down")
		cancel()
		if err := server.Shutdown(); err != nil {
			logger.Log.Error("error shutting down http server", zap.Error(err))
		}
		if err := kafkaConsumer.Close(); err != nil {
			logger.Log.Error("error closing kafka consumer", zap.Error(err))
		}
		if err := kafkaProducer.Close(); err != nil {
			logger.Log.Error("error closing kafka producer", zap.Error(err))
		}
		if err := redisClient.Close(); err != nil {
			logger.Log.Error("error closing redis client", zap.Error(err))
		}
	}()

	go func() {
		if err := kafkaConsumer.Start(ctx); err != nil {
			logger.Log.Error("kafka consumer error", zap.Error(err))
		}
	}()

	if err := server.Start(); err != nil {
		logger.Log.Fatal("server exited", zap.Error(err))
	}
}
