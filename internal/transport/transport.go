// Package transport owns the single persistent websocket connection a chat
// participant holds against the chat service. It multiplexes many logical
// rooms over that one connection, reconnects automatically with exponential
// backoff and fans typed events out to registered handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"travelchat/internal/domain"
	"travelchat/internal/logger"
)

var (
	// ErrAuthFailed means the server rejected the handshake credentials.
	// It is terminal: the caller must re-authenticate, no retry happens.
	ErrAuthFailed = errors.New("transport: authentication rejected")

	// ErrRetriesExhausted means the connection attempt budget ran out.
	ErrRetriesExhausted = errors.New("transport: connection failed after multiple attempts")

	ErrNotConnected      = errors.New("transport: not connected")
	ErrAlreadyConnected  = errors.New("transport: already connected")
	errHandshakeRejected = errors.New("transport: handshake rejected")
)

// Options configures a Transport. Zero values fall back to the defaults
// below; tests compress the backoff schedule through these knobs.
type Options struct {
	BaseURL  string // ws:// or wss:// base, no trailing slash
	Token    string
	UserID   string
	UserType domain.Role

	MaxAttempts      int           // connection attempts per (re)connect, default 5
	InitialBackoff   time.Duration // default 1s, doubles per attempt
	MaxBackoff       time.Duration // backoff cap, default 10s
	HandshakeTimeout time.Duration // default 10s
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Transport is safe for concurrent use. Event handlers run on the single
// read goroutine, so handlers observe events for one room in delivery order.
type Transport struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMux  sync.Mutex
	joined    map[string]struct{}
	connected bool
	closing   bool

	ctx    context.Context
	cancel context.CancelFunc

	handlers handlerSet
}

type handlerSet struct {
	mu          sync.RWMutex
	message     []func(domain.ChatMessage)
	typing      []func(domain.TypingIndicator)
	assigned    []func(domain.AssignedPayload)
	transferred []func(domain.TransferredPayload)
	closed      []func(domain.ClosedPayload)
	userJoined  []func(domain.PresencePayload)
	userLeft    []func(domain.PresencePayload)
	agentStatus []func(domain.AgentStatusPayload)
	errs        []func(domain.ErrorPayload)
	disconnect  []func(error)
}

func New(opts Options) *Transport {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:   opts,
		joined: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize opens the connection and completes the authentication
// handshake. It returns ErrAuthFailed without retrying when the server
// rejects the credentials, and ErrRetriesExhausted once the attempt budget
// is spent on connection failures. A Transport is single-use: once
// Disconnect has been called, Initialize reports ErrNotConnected.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	if t.closing {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	conn, err := t.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *Transport) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	backoff := t.opts.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		conn, err := t.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		lastErr = err
		logger.Log.Warn("connection attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))

		if attempt == t.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.ctx.Done():
			return nil, ErrNotConnected
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.opts.MaxBackoff {
			backoff = t.opts.MaxBackoff
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	u := fmt.Sprintf("%s/ws?token=%s&user_id=%s&user_type=%s",
		t.opts.BaseURL,
		url.QueryEscape(t.opts.Token),
		url.QueryEscape(t.opts.UserID),
		url.QueryEscape(string(t.opts.UserType)))

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthFailed
		}
		return nil, err
	}

	// First frame must be the handshake verdict.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "handshake read failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}

	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "bad handshake frame")
		return nil, fmt.Errorf("handshake: %w", err)
	}

	switch ev.Type {
	case domain.EventConnectionEstablished:
		return conn, nil
	case domain.EventAuthFailed:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, ErrAuthFailed
	default:
		conn.Close(websocket.StatusUnsupportedData, "unexpected handshake frame")
		return nil, fmt.Errorf("%w: got %q", errHandshakeRejected, ev.Type)
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.isClosing() {
				return
			}
			logger.Log.Warn("connection lost, reconnecting", zap.Error(err))
			if !t.reconnect() {
				return
			}
			t.mu.Lock()
			conn = t.conn
			t.mu.Unlock()
			continue
		}

		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Log.Warn("dropping malformed event", zap.Error(err))
			continue
		}
		t.dispatch(ev)
	}
}

// reconnect re-establishes the connection with the same credentials and
// re-issues join_room for every room subscribed before the drop. The server
// does not retain subscriptions across connections, so restoring them is the
// client's job.
func (t *Transport) reconnect() bool {
	conn, err := t.connectWithRetry(t.ctx)
	if err != nil {
		t.mu.Lock()
		t.connected = false
		t.conn = nil
		t.mu.Unlock()
		t.handlers.mu.RLock()
		cbs := t.handlers.disconnect
		t.handlers.mu.RUnlock()
		for _, cb := range cbs {
			cb(err)
		}
		return false
	}

	t.mu.Lock()
	t.conn = conn
	rooms := make([]string, 0, len(t.joined))
	for id := range t.joined {
		rooms = append(rooms, id)
	}
	t.mu.Unlock()

	for _, id := range rooms {
		t.send(domain.NewCommand(domain.CmdJoinRoom, id, nil))
	}
	logger.Log.Info("reconnected", zap.Int("rejoined_rooms", len(rooms)))
	return true
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// send is fire-and-forget: delivery is not confirmed at this layer.
func (t *Transport) send(cmd domain.Command) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		logger.Log.Warn("dropping command, not connected", zap.String("type", cmd.Type))
		return
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		logger.Log.Error("marshal command", zap.Error(err))
		return
	}

	t.writeMux.Lock()
	defer t.writeMux.Unlock()
	if err := conn.Write(t.ctx, websocket.MessageText, data); err != nil {
		logger.Log.Warn("write command failed",
			zap.String("type", cmd.Type), zap.Error(err))
	}
}

// JoinRoom subscribes the connection to a room's events. The subscription
// survives reconnects.
func (t *Transport) JoinRoom(roomID string) {
	t.mu.Lock()
	t.joined[roomID] = struct{}{}
	t.mu.Unlock()
	t.send(domain.NewCommand(domain.CmdJoinRoom, roomID, nil))
}

func (t *Transport) LeaveRoom(roomID string) {
	t.mu.Lock()
	delete(t.joined, roomID)
	t.mu.Unlock()
	t.send(domain.NewCommand(domain.CmdLeaveRoom, roomID, nil))
}

func (t *Transport) SendMessage(roomID, content string, msgType domain.MessageType) {
	t.send(domain.NewCommand(domain.CmdSendMessage, roomID, domain.SendMessagePayload{
		Content:     content,
		MessageType: msgType,
	}))
}

func (t *Transport) StartTyping(roomID string) {
	t.send(domain.NewCommand(domain.CmdTypingStart, roomID, nil))
}

func (t *Transport) StopTyping(roomID string) {
	t.send(domain.NewCommand(domain.CmdTypingStop, roomID, nil))
}

func (t *Transport) MarkRead(roomID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	t.send(domain.NewCommand(domain.CmdMarkRead, roomID, domain.MarkReadPayload{MessageIDs: messageIDs}))
}

func (t *Transport) TakeChat(roomID string) {
	t.send(domain.NewCommand(domain.CmdTakeChat, roomID, nil))
}

func (t *Transport) TransferChat(roomID, targetAgentID, reason string) {
	t.send(domain.NewCommand(domain.CmdTransferChat, roomID, domain.TransferPayload{
		TargetAgentID: targetAgentID,
		Reason:        reason,
	}))
}

func (t *Transport) CloseChat(roomID, reason string, satisfaction int) {
	t.send(domain.NewCommand(domain.CmdCloseChat, roomID, domain.ClosePayload{
		Reason:       reason,
		Satisfaction: satisfaction,
	}))
}

// Disconnect tears the connection down and stops any reconnection. It is
// idempotent and safe to call from any goroutine.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.connected = false
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Connected reports whether the transport currently holds a live connection.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.conn != nil
}
