package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLiteStore, username string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "hash",
		Role:         "user",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user %s: %v", username, err)
	}
	return u
}

func seedThread(t *testing.T, s *SQLiteStore, userID, state string) *Thread {
	t.Helper()
	th := &Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     "test thread",
		State:     state,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("failed to seed thread: %v", err)
	}
	return th
}

func TestUserCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got == nil || got.ID != u.ID || got.Role != "user" {
		t.Errorf("unexpected user: %+v", got)
	}

	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if byID == nil || byID.Username != "alice" {
		t.Errorf("unexpected user by id: %+v", byID)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUser for missing user failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}

	if err := s.CreateUser(ctx, &User{ID: uuid.New().String(), Username: "alice", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}); err == nil {
		t.Error("expected duplicate username to be rejected")
	}

	seedUser(t, s, "bob")
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Errorf("expected [alice bob], got %+v", users)
	}
}

func TestThreadLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	th := seedThread(t, s, u.ID, "active")

	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if got == nil || got.State != "active" {
		t.Errorf("unexpected thread: %+v", got)
	}

	if err := s.UpdateThreadState(ctx, th.ID, "closed"); err != nil {
		t.Fatalf("UpdateThreadState failed: %v", err)
	}
	got, err = s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "closed" {
		t.Errorf("expected closed, got %q", got.State)
	}

	missing, err := s.GetThread(ctx, "no-such-thread")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing thread, got %+v", missing)
	}
}

func TestCountActiveThreadsByUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	other := seedUser(t, s, "bob")

	seedThread(t, s, u.ID, "active")
	seedThread(t, s, u.ID, "active")
	seedThread(t, s, u.ID, "closed")
	seedThread(t, s, other.ID, "active")

	count, err := s.CountActiveThreadsByUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("CountActiveThreadsByUser failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 active threads, got %d", count)
	}
}

func TestAppendMessage_SequencePerThread(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	th1 := seedThread(t, s, u.ID, "active")
	th2 := seedThread(t, s, u.ID, "active")

	for i := 1; i <= 3; i++ {
		seq, err := s.AppendMessage(ctx, &Message{
			ID:        uuid.New().String(),
			ThreadID:  th1.ID,
			Direction: DirectionUser,
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
		if seq != int64(i) {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}

	// Sequences are per thread, not global.
	seq, err := s.AppendMessage(ctx, &Message{
		ID:        uuid.New().String(),
		ThreadID:  th2.ID,
		Direction: DirectionAgent,
		Content:   "other thread",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1 in fresh thread, got %d", seq)
	}
}

func TestGetMessages_AfterSeqAndLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	th := seedThread(t, s, u.ID, "active")

	for i := 1; i <= 5; i++ {
		if _, err := s.AppendMessage(ctx, &Message{
			ID: uuid.New().String(), ThreadID: th.ID,
			Direction: DirectionUser, Content: fmt.Sprintf("msg %d", i), CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetMessages(ctx, th.ID, 2, 2)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Seq != 3 || msgs[1].Seq != 4 {
		t.Errorf("expected seqs [3 4], got [%d %d]", msgs[0].Seq, msgs[1].Seq)
	}
	if msgs[0].Content != "msg 3" {
		t.Errorf("unexpected content: %q", msgs[0].Content)
	}
}

func TestMessageExists(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	th := seedThread(t, s, u.ID, "active")

	if _, err := s.AppendMessage(ctx, &Message{
		ID: "m-1", ThreadID: th.ID, Direction: DirectionUser, Content: "hi", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	exists, err := s.MessageExists(ctx, th.ID, "m-1")
	if err != nil {
		t.Fatalf("MessageExists failed: %v", err)
	}
	if !exists {
		t.Error("expected message to exist")
	}

	exists, err = s.MessageExists(ctx, th.ID, "m-2")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("expected message to be absent")
	}
}

func TestAuditEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	detail, _ := json.Marshal(map[string]string{"ip": "127.0.0.1"})
	for i := 0; i < 3; i++ {
		if err := s.LogAuditEvent(ctx, &AuditEvent{
			ID:        uuid.New().String(),
			Action:    "login.success",
			UserID:    "u1",
			Detail:    detail,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("LogAuditEvent failed: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != "login.success" {
		t.Errorf("unexpected action: %q", events[0].Action)
	}
	if string(events[0].Detail) != string(detail) {
		t.Errorf("detail not round-tripped: %s", events[0].Detail)
	}

	rest, err := s.ListAuditEvents(ctx, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 {
		t.Errorf("expected 1 event after offset 2, got %d", len(rest))
	}
}

func TestPurgeOldMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "alice")
	th := seedThread(t, s, u.ID, "active")

	old := time.Now().Add(-48 * time.Hour)
	if _, err := s.AppendMessage(ctx, &Message{
		ID: "m-old", ThreadID: th.ID, Direction: DirectionUser, Content: "old", CreatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, &Message{
		ID: "m-new", ThreadID: th.ID, Direction: DirectionUser, Content: "new", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeOldMessages(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldMessages failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged message, got %d", purged)
	}

	msgs, err := s.GetMessages(ctx, th.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-new" {
		t.Errorf("expected only the new message to remain, got %+v", msgs)
	}
}

func TestPurgeOldAuditEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.LogAuditEvent(ctx, &AuditEvent{
		ID: "a-old", Action: "login.failed", CreatedAt: time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.LogAuditEvent(ctx, &AuditEvent{
		ID: "a-new", Action: "login.success", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged event, got %d", purged)
	}
}

func TestPing(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
