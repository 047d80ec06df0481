// Package restapi is the client for the non-real-time chat endpoints:
// starting a chat, listing an agent's working set, claiming, closing and
// transferring. Everything latency-sensitive goes over the websocket
// transport instead.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"travelchat/internal/domain"
)

// Client is a thin typed wrapper over the chat service's REST surface. The
// bearer token is attached to every request; obtaining it is the host
// application's problem.
type Client struct {
	BaseURL    string
	Token      string
	UserID     string
	UserName   string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.UserID != "" {
		req.Header.Set("X-User-ID", c.UserID)
	}
	if c.UserName != "" {
		req.Header.Set("X-User-Name", c.UserName)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, respBody)
	}

	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

// apiError extracts a server-provided message when the body carries one and
// falls back to a generic description otherwise.
func apiError(status int, body []byte) error {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = errResp.Message
	}
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Errorf("chat api error %d: %s", status, msg)
}

// StartChat creates a room server-side and returns its id along with the
// caller's queue position and estimated wait.
func (c *Client) StartChat(ctx context.Context, category string, priority domain.Priority) (*domain.StartChatResponse, error) {
	var resp domain.StartChatResponse
	err := c.do(ctx, http.MethodPost, "/chat/start", domain.StartChatRequest{
		Category: category,
		Priority: priority,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// AssignedChats lists the active rooms assigned to the calling agent.
func (c *Client) AssignedChats(ctx context.Context) ([]domain.ChatRoom, error) {
	var resp domain.ChatListResponse
	if err := c.do(ctx, http.MethodGet, "/chat/assigned", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// UnassignedChats lists waiting rooms, oldest first.
func (c *Client) UnassignedChats(ctx context.Context) ([]domain.ChatRoom, error) {
	var resp domain.ChatListResponse
	if err := c.do(ctx, http.MethodGet, "/chat/unassigned", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// Analytics fetches the daily rollup shown in the console header.
func (c *Client) Analytics(ctx context.Context, rng string) (*domain.Analytics, error) {
	var resp domain.AnalyticsResponse
	if err := c.do(ctx, http.MethodGet, "/chat/analytics?range="+rng, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Analytics, nil
}

// RoomStatus fetches a room's live presence and typing state, used to show
// whether the other party is still connected.
func (c *Client) RoomStatus(ctx context.Context, roomID string) (*domain.RoomStatusResponse, error) {
	var resp domain.RoomStatusResponse
	if err := c.do(ctx, http.MethodGet, "/chat/"+roomID+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TakeChat claims a waiting room for the calling agent. A 2xx response
// means "request accepted"; ownership is committed only once the
// chat_assigned event (or a refetch) confirms it.
func (c *Client) TakeChat(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/chat/"+roomID+"/take", nil, nil)
}

// CloseChat ends a room with an optional resolution note and satisfaction
// rating (end-user feedback path).
func (c *Client) CloseChat(ctx context.Context, roomID string, req domain.CloseChatRequest) error {
	return c.do(ctx, http.MethodPost, "/chat/"+roomID+"/close", req, nil)
}

// TransferChat hands a room to another agent. When no target is named the
// server picks one; the room never returns to the queue.
func (c *Client) TransferChat(ctx context.Context, roomID string, req domain.TransferChatRequest) error {
	return c.do(ctx, http.MethodPost, "/chat/"+roomID+"/transfer", req, nil)
}
