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

// MessageHandler receives chat traffic produced by sibling server instances
// so every instance can deliver it to its own websocket clients.
type MessageHandler interface {
	HandleChatMessage(msg domain.ChatMessage)
	HandleTypingIndicator(ind domain.TypingIndicator)
	HandleRoomEvent(ev domain.Event)
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler MessageHandler
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) *KafkaConsumer {
	var readers []*kafka.Reader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers: readers,
		handler: handler,
	}
}

func (k *KafkaConsumer) Start(ctx context.Context) error {
	for i := range k.readers {
		go func(reader *kafka.Reader) {
			defer func() {
				if r := recover(); r != nil {
					logger.Log.Error("kafka consumer recovered from panic", zap.Any("panic", r))
				}
			}()
			defer reader.Close()

			for {
				select {
				case <-ctx.Done():
					return
				default:
					m, err := reader.ReadMessage(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						logger.Log.Warn("kafka read error", zap.Error(err))
						continue
					}
					if k.handler != nil {
						k.handleMessage(m.Topic, m.Value)
					}
				}
			}
		}(k.readers[i])
	}
	return nil
}

func (k *KafkaConsumer) handleMessage(topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("kafka handler recovered from panic",
				zap.String("topic", topic), zap.Any("panic", r))
		}
	}()

	switch topic {
	case TopicChatMessages:
		var msg domain.ChatMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			logger.Log.Warn("bad chat message from kafka", zap.Error(err))
			return
		}
		k.handler.HandleChatMessage(msg)

	case TopicTyping:
		var ind domain.TypingIndicator
		if err := json.Unmarshal(value, &ind); err != nil {
			logger.Log.Warn("bad typing indicator from kafka", zap.Error(err))
			return
		}
		k.handler.HandleTypingIndicator(ind)

	case TopicRoomEvents:
		var ev domain.Event
		if err := json.Unmarshal(value, &ev); err != nil {
			logger.Log.Warn("bad room event from kafka", zap.Error(err))
			return
		}
		k.handler.HandleRoomEvent(ev)

	default:
		logger.Log.Warn("unknown kafka topic", zap.String("topic", topic))
	}
}

func (k *KafkaConsumer) Close() error {
	for i := range k.readers {
		if err := k.readers[i].Close(); err != nil {
			logger.Log.Warn("error closing kafka reader", zap.Error(err))
		}
	}
	return nil
}
