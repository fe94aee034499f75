// Package store defines the persistence interface for the chat service and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence boundary. The routing core treats it as an
// external collaborator: handlers trigger writes as side effects, but no
// message routing decision depends on durable state.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Threads
	CreateThread(ctx context.Context, th *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreadsByUser(ctx context.Context, userID string) ([]Thread, error)
	UpdateThreadState(ctx context.Context, id, state string) error
	CountActiveThreadsByUser(ctx context.Context, userID string) (int, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]Message, error)
	MessageExists(ctx context.Context, threadID, messageID string) (bool, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Message directions in a thread transcript.
const (
	DirectionUser  = "user"
	DirectionAgent = "agent"
)

// User represents a chat user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Thread represents a conversation thread.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	State     string    `json:"state"` // "active" or "closed"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message represents a stored message in a thread transcript.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	Direction string    `json:"direction"` // "user" or "agent"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
