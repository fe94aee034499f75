package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatcore-ai/chatcore/internal/agent"
	"github.com/chatcore-ai/chatcore/internal/store"
	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// UserMessageHandler persists user chat messages and replies with the
// agent's response as a SYSTEM_MESSAGE.
type UserMessageHandler struct {
	Store  store.Store
	Engine agent.Engine
	Logger *slog.Logger
}

func (h *UserMessageHandler) Name() string { return "user_message" }

func (h *UserMessageHandler) CanHandle(t protocol.MessageType) bool {
	return t == protocol.TypeUserMessage || t == protocol.TypeChat || t == protocol.TypeStartAgent
}

func (h *UserMessageHandler) Handle(ctx context.Context, req *Request) error {
	// A missing or empty payload is an empty interaction, not a protocol
	// violation: nothing is persisted for it, but the agent still answers.
	content := payloadString(req.Env.Payload, "content", "message", "text")

	if h.Store != nil && req.Env.ThreadID != "" && content != "" {
		// Redelivered frames (client retries after a reconnect) are
		// acknowledged without being stored twice.
		if req.Env.MessageID != "" {
			exists, err := h.Store.MessageExists(ctx, req.Env.ThreadID, req.Env.MessageID)
			if err != nil {
				return fmt.Errorf("check message: %w", err)
			}
			if exists {
				return req.Conn.Send(ctx, protocol.NewEnvelope(protocol.TypeAck, req.UserID, req.Env.ThreadID, map[string]any{
					"message_id": req.Env.MessageID,
					"duplicate":  true,
				}))
			}
		}
		msg := &store.Message{
			ID:        req.Env.MessageID,
			ThreadID:  req.Env.ThreadID,
			Direction: store.DirectionUser,
			Content:   content,
			CreatedAt: time.Now(),
		}
		if _, err := h.Store.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("store message: %w", err)
		}
	}

	reply := fmt.Sprintf("Received: %s", content)
	if h.Engine != nil {
		turn, err := h.Engine.Plan(ctx, agent.TurnRequest{
			UserID:   req.UserID,
			ThreadID: req.Env.ThreadID,
			TurnID:   agent.NewTurnID(),
			Payload:  map[string]any{"content": content},
		})
		if err != nil {
			return fmt.Errorf("plan turn: %w", err)
		}
		reply = turn.Response
	}

	if h.Store != nil && req.Env.ThreadID != "" && content != "" {
		out := &store.Message{
			ID:        uuid.New().String(),
			ThreadID:  req.Env.ThreadID,
			Direction: store.DirectionAgent,
			Content:   reply,
			CreatedAt: time.Now(),
		}
		if _, err := h.Store.AppendMessage(ctx, out); err != nil {
			return fmt.Errorf("store reply: %w", err)
		}
	}

	return req.Conn.Send(ctx, protocol.NewEnvelope(protocol.TypeSystemMessage, req.UserID, req.Env.ThreadID, map[string]any{
		"content": reply,
	}))
}

// HeartbeatHandler answers PING with PONG and HEARTBEAT with
// HEARTBEAT_ACK. Replies carry a fresh numeric timestamp so clients can
// measure round-trip time.
type HeartbeatHandler struct{}

func (h *HeartbeatHandler) Name() string { return "heartbeat" }

func (h *HeartbeatHandler) CanHandle(t protocol.MessageType) bool {
	return t == protocol.TypePing || t == protocol.TypeHeartbeat
}

func (h *HeartbeatHandler) Handle(ctx context.Context, req *Request) error {
	replyType := protocol.TypePong
	if req.Env.Type == protocol.TypeHeartbeat {
		replyType = protocol.TypeHeartbeatAck
	}
	return req.Conn.Send(ctx, protocol.NewEnvelope(replyType, req.UserID, req.Env.ThreadID, nil))
}

// AgentRequestHandler runs an agent turn and streams its lifecycle
// events to the requesting connection.
type AgentRequestHandler struct {
	Emitter *Emitter
}

func (h *AgentRequestHandler) Name() string { return "agent_request" }

func (h *AgentRequestHandler) CanHandle(t protocol.MessageType) bool {
	return t == protocol.TypeStartAgent || t == protocol.TypeAgentRequest
}

func (h *AgentRequestHandler) Handle(ctx context.Context, req *Request) error {
	payload, _ := req.Env.Payload.(map[string]any)
	return h.Emitter.Run(ctx, req.Conn, agent.TurnRequest{
		UserID:   req.UserID,
		ThreadID: req.Env.ThreadID,
		TurnID:   agent.NewTurnID(),
		Payload:  payload,
	})
}

// FallbackHandler claims everything and acknowledges it. Registered
// internally by the router at the lowest priority so no canonical
// message type goes unanswered.
type FallbackHandler struct{}

func (h *FallbackHandler) Name() string { return "fallback" }

func (h *FallbackHandler) CanHandle(protocol.MessageType) bool { return true }

func (h *FallbackHandler) Handle(ctx context.Context, req *Request) error {
	return req.Conn.Send(ctx, protocol.NewEnvelope(protocol.TypeAck, req.UserID, req.Env.ThreadID, map[string]any{
		"received_type": string(req.Env.Type),
	}))
}

// payloadString pulls the first non-empty string value for any of the
// given keys out of a map payload.
func payloadString(payload any, keys ...string) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
