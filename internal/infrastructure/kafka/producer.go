package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"travelchat/internal/domain"
	"travelchat/internal/logger"
)

const (
	TopicChatMessages = "chat-messages"
	TopicTyping       = "typing-indicators"
	TopicRoomEvents   = "room-events"
)

type KafkaProducer struct {
	Writer *kafka.Writer
}

func NewKafkaProducer(brokers ...string) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
		// Low latency over throughput: chat events go out one at a time.
		BatchSize:    1,
		BatchTimeout: 0,
		RequiredAcks: 1,
		Async:        false,
	}
	return &KafkaProducer{Writer: writer}
}

func (k *KafkaProducer) SendMessage(ctx context.Context, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	topic := k.topicFor(message)
	msg := kafka.Message{
		Topic: topic,
		Value: data,
		Time:  time.Now(),
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		logger.Log.Error("kafka publish failed",
			zap.String("topic", topic), zap.Error(err))
		return err
	}
	return nil
}

func (k *KafkaProducer) topicFor(message interface{}) string {
	switch message.(type) {
	case domain.ChatMessage:
		return TopicChatMessages
	case domain.TypingIndicator:
		return TopicTyping
	case domain.Event:
		return TopicRoomEvents
	default:
		return TopicRoomEvents
	}
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}
