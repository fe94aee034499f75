package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMissingType is returned when a raw message carries no type field, a
// null type, or an empty type string. This is a structural validation
// failure, distinct from an unrecognized-but-present type token (which is
// reported as *UnknownTypeError and tolerated by the router's fallback).
var ErrMissingType = errors.New("message type is missing")

// TimestampError reports a timestamp that is not a unix-epoch number.
// String timestamps (ISO-8601 or otherwise) are rejected deliberately:
// silently coercing them has caused correctness bugs before, and the fix
// belongs in the producer, not here.
type TimestampError struct {
	Value string
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("timestamp must be a unix-epoch number, got %s", e.Value)
}

// Envelope is the normalized in-memory representation of a wire message.
// Created at ingress by ParseEnvelope and immutable thereafter.
type Envelope struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"` // map[string]any for inbound messages
	UserID    string      `json:"user_id,omitempty"`
	ThreadID  string      `json:"thread_id,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Timestamp float64     `json:"timestamp"` // unix seconds, always numeric on the wire

	// RawType preserves the original type token when it did not normalize
	// to a canonical type, so fallback acknowledgements can echo it back.
	RawType string `json:"-"`
}

// wireMessage mirrors the inbound JSON shape. Timestamp is held raw so a
// string value can be rejected instead of silently failing to decode.
type wireMessage struct {
	Type      *string         `json:"type"`
	Payload   map[string]any  `json:"payload"`
	Data      map[string]any  `json:"data"` // older clients send "data"
	UserID    string          `json:"user_id"`
	ThreadID  string          `json:"thread_id"`
	RunID     string          `json:"run_id"`
	MessageID string          `json:"message_id"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseEnvelope normalizes a raw JSON message into an Envelope.
//
// Structural failures (malformed JSON, missing/null type, non-numeric
// timestamp) return a nil envelope and an error the caller must surface.
// An unrecognized type token returns BOTH a usable envelope (RawType set,
// Type empty) and an *UnknownTypeError, so the router can hand the message
// to its fallback handler instead of dropping the connection.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	if w.Type == nil || *w.Type == "" {
		return nil, ErrMissingType
	}

	ts := float64(0)
	if len(w.Timestamp) > 0 && string(w.Timestamp) != "null" {
		if err := json.Unmarshal(w.Timestamp, &ts); err != nil {
			return nil, &TimestampError{Value: string(w.Timestamp)}
		}
	} else {
		ts = Now()
	}

	payload := w.Payload
	if payload == nil {
		payload = w.Data
	}
	var body any
	if payload != nil {
		body = payload
	}

	msgID := w.MessageID
	if msgID == "" {
		msgID = uuid.New().String()
	}

	env := &Envelope{
		Payload:   body,
		UserID:    w.UserID,
		ThreadID:  w.ThreadID,
		RunID:     w.RunID,
		MessageID: msgID,
		Timestamp: ts,
		RawType:   *w.Type,
	}

	t, err := NormalizeType(*w.Type)
	if err != nil {
		return env, err
	}
	env.Type = t
	return env, nil
}

// NewEnvelope builds an outbound envelope stamped with the current time
// and a fresh message ID.
func NewEnvelope(t MessageType, userID, threadID string, payload any) *Envelope {
	return &Envelope{
		Type:      t,
		Payload:   payload,
		UserID:    userID,
		ThreadID:  threadID,
		MessageID: uuid.New().String(),
		Timestamp: Now(),
	}
}

// Now returns the current time as unix seconds with sub-second precision.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
