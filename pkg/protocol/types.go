// Package protocol defines the wire protocol for the chatcore WebSocket chat
// subsystem: the canonical message-type registry, the legacy alias table for
// older clients, the normalized message envelope, and the critical agent
// lifecycle event payloads.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure.
package protocol

import (
	"fmt"
)

// MessageType is a canonical message kind. Every value is a unique wire
// token; unrecognized tokens fail normalization unless the legacy alias
// table maps them to a canonical type.
type MessageType string

const (
	// Client → server
	TypeUserMessage  MessageType = "user_message"
	TypeChat         MessageType = "chat"
	TypeStartAgent   MessageType = "start_agent"
	TypeAgentRequest MessageType = "agent_request"
	TypePing         MessageType = "ping"
	TypeHeartbeat    MessageType = "heartbeat"

	// Server → client
	TypePong          MessageType = "pong"
	TypeHeartbeatAck  MessageType = "heartbeat_ack"
	TypeAck           MessageType = "ack"
	TypeSystemMessage MessageType = "system_message"
	TypeError         MessageType = "error"
	TypeBroadcast     MessageType = "broadcast"

	// Agent lifecycle events (the golden path)
	TypeAgentStarted   MessageType = "agent_started"
	TypeAgentThinking  MessageType = "agent_thinking"
	TypeToolExecuting  MessageType = "tool_executing"
	TypeToolCompleted  MessageType = "tool_completed"
	TypeAgentCompleted MessageType = "agent_completed"
)

// canonicalTypes is the closed set of valid MessageType tokens.
var canonicalTypes = map[MessageType]bool{
	TypeUserMessage:    true,
	TypeChat:           true,
	TypeStartAgent:     true,
	TypeAgentRequest:   true,
	TypePing:           true,
	TypeHeartbeat:      true,
	TypePong:           true,
	TypeHeartbeatAck:   true,
	TypeAck:            true,
	TypeSystemMessage:  true,
	TypeError:          true,
	TypeBroadcast:      true,
	TypeAgentStarted:   true,
	TypeAgentThinking:  true,
	TypeToolExecuting:  true,
	TypeToolCompleted:  true,
	TypeAgentCompleted: true,
}

// legacyAliases maps historical and frontend-variant type tokens to their
// canonical MessageType. This table is the single point of truth for
// type-string compatibility: every new client-visible alias is added here,
// never inferred inside handlers. Append-only in practice: removing an
// entry breaks older clients.
var legacyAliases = map[string]MessageType{
	"chat_message": TypeUserMessage,
	"message":      TypeUserMessage,
	"user_msg":     TypeUserMessage,
	"agent_start":  TypeStartAgent,
	"run_agent":    TypeAgentRequest,
	"keepalive":    TypeHeartbeat,
}

// UnknownTypeError reports a type token that is neither canonical nor in
// the legacy alias table.
type UnknownTypeError struct {
	Raw string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Raw)
}

// NormalizeType resolves a raw type token to its canonical MessageType.
// Canonical tokens resolve to themselves (normalization is idempotent);
// legacy tokens resolve via the alias table; anything else fails with
// *UnknownTypeError.
func NormalizeType(raw string) (MessageType, error) {
	if canonicalTypes[MessageType(raw)] {
		return MessageType(raw), nil
	}
	if t, ok := legacyAliases[raw]; ok {
		return t, nil
	}
	return "", &UnknownTypeError{Raw: raw}
}

// IsCanonical reports whether t is a member of the canonical type set.
func IsCanonical(t MessageType) bool {
	return canonicalTypes[t]
}

// LegacyAliases returns a copy of the alias table, for introspection.
func LegacyAliases() map[string]MessageType {
	out := make(map[string]MessageType, len(legacyAliases))
	for k, v := range legacyAliases {
		out[k] = v
	}
	return out
}
