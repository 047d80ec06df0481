package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"travelchat/internal/domain"
)

// Presence: which participants are currently connected to a room.

func (r *RedisClient) AddUserToRoom(ctx context.Context, roomID, userID string, role domain.Role) error {
	key := fmt.Sprintf("room:%s:users", roomID)
	userInfo := map[string]interface{}{
		"user_id":   userID,
		"user_type": role,
		"joined_at": time.Now(),
	}

	userJSON, err := json.Marshal(userInfo)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, key, userID, userJSON).Err()
}

func (r *RedisClient) RemoveUserFromRoom(ctx context.Context, roomID, userID string) error {
	key := fmt.Sprintf("room:%s:users", roomID)
	return r.client.HDel(ctx, key, userID).Err()
}

func (r *RedisClient) GetRoomUsers(ctx context.Context, roomID string) (map[string]interface{}, error) {
	key := fmt.Sprintf("room:%s:users", roomID)
	users, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string]interface{})
	customerCount := 0
	agentCount := 0

	for userID, userJSON := range users {
		var userInfo map[string]interface{}
		if err := json.Unmarshal([]byte(userJSON), &userInfo); err != nil {
			continue
		}

		userType, _ := userInfo["user_type"].(string)
		switch domain.Role(userType) {
		case domain.RoleUser:
			customerCount++
		case domain.RoleAgent:
			agentCount++
		}
		result[userID] = userInfo
	}

	return map[string]interface{}{
		"users":           result,
		"user_connected":  customerCount > 0,
		"agent_connected": agentCount > 0,
		"total_users":     customerCount,
		"total_agents":    agentCount,
	}, nil
}

// Typing state, kept with a TTL so a crashed client cannot leave a room
// "typing" forever.

func (r *RedisClient) SetUserTyping(ctx context.Context, roomID, userID string, isTyping bool) error {
	key := fmt.Sprintf("room:%s:typing:%s", roomID, userID)
	if isTyping {
		return r.client.Set(ctx, key, "true", 30*time.Second).Err()
	}
	return r.client.Del(ctx, key).Err()
}

func (r *RedisClient) GetTypingUsers(ctx context.Context, roomID string) ([]string, error) {
	pattern := fmt.Sprintf("room:%s:typing:*", roomID)
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	var typingUsers []string
	prefix := fmt.Sprintf("room:%s:typing:", roomID)
	for _, key := range keys {
		if len(key) > len(prefix) {
			typingUsers = append(typingUsers, key[len(prefix):])
		}
	}
	return typingUsers, nil
}

// Daily analytics counters, keyed by date so the rollup resets at midnight.

func analyticsKey(field string) string {
	return fmt.Sprintf("analytics:%s:%s", time.Now().Format("2006-01-02"), field)
}

func (r *RedisClient) IncrChatsStarted(ctx context.Context) error {
	return r.client.Incr(ctx, analyticsKey("started")).Err()
}

func (r *RedisClient) IncrChatsClosed(ctx context.Context) error {
	return r.client.Incr(ctx, analyticsKey("closed")).Err()
}

func (r *RedisClient) RecordSatisfaction(ctx context.Context, rating int) error {
	if err := r.client.IncrBy(ctx, analyticsKey("satisfaction_sum"), int64(rating)).Err(); err != nil {
		return err
	}
	return r.client.Incr(ctx, analyticsKey("satisfaction_count")).Err()
}

// DailyAnalytics returns today's counters. Missing keys read as zero.
func (r *RedisClient) DailyAnalytics(ctx context.Context) (started, closed int, avgSatisfaction float64, err error) {
	started, err = r.getInt(ctx, analyticsKey("started"))
	if err != nil {
		return 0, 0, 0, err
	}
	closed, err = r.getInt(ctx, analyticsKey("closed"))
	if err != nil {
		return 0, 0, 0, err
	}
	sum, err := r.getInt(ctx, analyticsKey("satisfaction_sum"))
	if err != nil {
		return 0, 0, 0, err
	}
	count, err := r.getInt(ctx, analyticsKey("satisfaction_count"))
	if err != nil {
		return 0, 0, 0, err
	}
	if count > 0 {
		avgSatisfaction = float64(sum) / float64(count)
	}
	return started, closed, avgSatisfaction, nil
}

func (r *RedisClient) getInt(ctx context.Context, key string) (int, error) {
	val, err := r.client.Get(ctx, key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}
