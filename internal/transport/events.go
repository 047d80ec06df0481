package transport

import (
	"go.uber.org/zap"

	"travelchat/internal/domain"
	"travelchat/internal/logger"
)

// Handler registration is additive: registering twice means both callbacks
// fire. Callbacks run on the read goroutine and must not block.

func (t *Transport) OnMessage(cb func(domain.ChatMessage)) {
	t.handlers.mu.Lock()
	t.handlers.message = append(t.handlers.message, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnTyping(cb func(domain.TypingIndicator)) {
	t.handlers.mu.Lock()
	t.handlers.typing = append(t.handlers.typing, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnChatAssigned(cb func(domain.AssignedPayload)) {
	t.handlers.mu.Lock()
	t.handlers.assigned = append(t.handlers.assigned, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnChatTransferred(cb func(domain.TransferredPayload)) {
	t.handlers.mu.Lock()
	t.handlers.transferred = append(t.handlers.transferred, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnChatClosed(cb func(domain.ClosedPayload)) {
	t.handlers.mu.Lock()
	t.handlers.closed = append(t.handlers.closed, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnUserJoined(cb func(domain.PresencePayload)) {
	t.handlers.mu.Lock()
	t.handlers.userJoined = append(t.handlers.userJoined, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnUserLeft(cb func(domain.PresencePayload)) {
	t.handlers.mu.Lock()
	t.handlers.userLeft = append(t.handlers.userLeft, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnAgentStatus(cb func(domain.AgentStatusPayload)) {
	t.handlers.mu.Lock()
	t.handlers.agentStatus = append(t.handlers.agentStatus, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) OnError(cb func(domain.ErrorPayload)) {
	t.handlers.mu.Lock()
	t.handlers.errs = append(t.handlers.errs, cb)
	t.handlers.mu.Unlock()
}

// OnDisconnect fires once the reconnection budget is exhausted. A
// caller-initiated Disconnect does not fire it.
func (t *Transport) OnDisconnect(cb func(error)) {
	t.handlers.mu.Lock()
	t.handlers.disconnect = append(t.handlers.disconnect, cb)
	t.handlers.mu.Unlock()
}

func (t *Transport) dispatch(ev domain.Event) {
	t.handlers.mu.RLock()
	defer t.handlers.mu.RUnlock()

	switch ev.Type {
	case domain.EventMessageReceived:
		var msg domain.ChatMessage
		if err := ev.DecodeData(&msg); err != nil {
			logger.Log.Warn("bad message payload", zap.Error(err))
			return
		}
		for _, cb := range t.handlers.message {
			cb(msg)
		}

	case domain.EventTypingIndicator:
		var ind domain.TypingIndicator
		if err := ev.DecodeData(&ind); err != nil {
			return
		}
		for _, cb := range t.handlers.typing {
			cb(ind)
		}

	case domain.EventChatAssigned:
		var p domain.AssignedPayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		for _, cb := range t.handlers.assigned {
			cb(p)
		}

	case domain.EventChatTransferred:
		var p domain.TransferredPayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		for _, cb := range t.handlers.transferred {
			cb(p)
		}

	case domain.EventChatClosed:
		var p domain.ClosedPayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		for _, cb := range t.handlers.closed {
			cb(p)
		}

	case domain.EventUserJoined:
		var p domain.PresencePayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		for _, cb := range t.handlers.userJoined {
			cb(p)
		}

	case domain.EventUserLeft:
		var p domain.PresencePayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		for _, cb := range t.handlers.userLeft {
			cb(p)
		}

	case domain.EventAgentStatusUpdate:
		var p domain.AgentStatusPayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		for _, cb := range t.handlers.agentStatus {
			cb(p)
		}

	case domain.EventError:
		var p domain.ErrorPayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		for _, cb := range t.handlers.errs {
			cb(p)
		}

	default:
		logger.Log.Debug("ignoring unknown event", zap.String("type", ev.Type))
	}
}
