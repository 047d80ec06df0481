package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travelchat/internal/domain"
)

func TestStartChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/start", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req domain.StartChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "booking", req.Category)
		assert.Equal(t, domain.PriorityHigh, req.Priority)

		json.NewEncoder(w).Encode(domain.StartChatResponse{
			Success:           true,
			RoomID:            "r1",
			QueuePosition:     2,
			EstimatedWaitSecs: 180,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	resp, err := c.StartChat(context.Background(), "booking", domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RoomID)
	assert.Equal(t, 2, resp.QueuePosition)
	assert.Equal(t, 180, resp.EstimatedWaitSecs)
}

func TestWorkingSetEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/assigned":
			json.NewEncoder(w).Encode(domain.ChatListResponse{Chats: []domain.ChatRoom{
				{ID: "r1", Status: domain.RoomActive},
			}})
		case "/chat/unassigned":
			json.NewEncoder(w).Encode(domain.ChatListResponse{Chats: []domain.ChatRoom{
				{ID: "r2", Status: domain.RoomWaiting},
				{ID: "r3", Status: domain.RoomWaiting},
			}})
		case "/chat/analytics":
			assert.Equal(t, "today", r.URL.Query().Get("range"))
			json.NewEncoder(w).Encode(domain.AnalyticsResponse{Analytics: domain.Analytics{ChatsStarted: 7}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	ctx := context.Background()

	assigned, err := c.AssignedChats(ctx)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, "r1", assigned[0].ID)

	unassigned, err := c.UnassignedChats(ctx)
	require.NoError(t, err)
	assert.Len(t, unassigned, 2)

	analytics, err := c.Analytics(ctx, "today")
	require.NoError(t, err)
	assert.Equal(t, 7, analytics.ChatsStarted)
}

func TestRoomStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/chat/r1/status", r.URL.Path)

		json.NewEncoder(w).Encode(domain.RoomStatusResponse{
			RoomID: "r1",
			Status: domain.RoomActive,
			Presence: map[string]interface{}{
				"user_connected":  true,
				"agent_connected": true,
			},
			TypingUsers: []string{"u1"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	status, err := c.RoomStatus(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomActive, status.Status)
	assert.Equal(t, true, status.Presence["agent_connected"])
	assert.Equal(t, []string{"u1"}, status.TypingUsers)
}

func TestLifecycleCommands(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/chat/r1/close" {
			var req domain.CloseChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 5, req.Satisfaction)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	ctx := context.Background()

	require.NoError(t, c.TakeChat(ctx, "r1"))
	require.NoError(t, c.CloseChat(ctx, "r1", domain.CloseChatRequest{Satisfaction: 5, Feedback: "great"}))
	require.NoError(t, c.TransferChat(ctx, "r1", domain.TransferChatRequest{Reason: "escalation"}))

	assert.Equal(t, []string{"/chat/r1/take", "/chat/r1/close", "/chat/r1/transfer"}, paths)
}

func TestErrorMessageExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "chat already assigned"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.TakeChat(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat already assigned")
	assert.Contains(t, err.Error(), "409")
}

func TestErrorFallbackMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.TakeChat(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}
