package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// fakeConn records sent envelopes. Safe for concurrent use.
type fakeConn struct {
	mu        sync.Mutex
	sent      []*protocol.Envelope
	connected bool
	sendErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true}
}

func (c *fakeConn) Send(ctx context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) envelopes() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// recordingHandler claims a fixed set of types and records what it saw.
type recordingHandler struct {
	name  string
	types map[protocol.MessageType]bool
	err   error

	mu      sync.Mutex
	handled []*Request
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) CanHandle(t protocol.MessageType) bool { return h.types[t] }

func (h *recordingHandler) Handle(ctx context.Context, req *Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.handled = append(h.handled, req)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return New(slog.Default())
}

func pingFrame() []byte {
	return []byte(`{"type":"ping"}`)
}

func TestRoute_DispatchesToHandler(t *testing.T) {
	rt := newTestRouter(t)
	h := &recordingHandler{name: "ping", types: map[protocol.MessageType]bool{protocol.TypePing: true}}
	rt.AddHandler(h, 0)

	conn := newFakeConn()
	ok, err := rt.Route(context.Background(), "u1", conn, pingFrame())
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if !ok {
		t.Fatal("expected message to be processed")
	}
	if h.count() != 1 {
		t.Fatalf("expected 1 handled message, got %d", h.count())
	}
	if h.handled[0].UserID != "u1" {
		t.Errorf("expected user_id u1, got %q", h.handled[0].UserID)
	}
}

func TestRoute_PriorityOrder(t *testing.T) {
	rt := newTestRouter(t)
	types := map[protocol.MessageType]bool{protocol.TypePing: true}
	low := &recordingHandler{name: "low", types: types}
	high := &recordingHandler{name: "high", types: types}

	// Registration order must not matter; priority must.
	rt.AddHandler(low, 0)
	rt.AddHandler(high, 10)

	conn := newFakeConn()
	if _, err := rt.Route(context.Background(), "u1", conn, pingFrame()); err != nil {
		t.Fatal(err)
	}

	if high.count() != 1 {
		t.Errorf("expected high-priority handler to process the message, handled=%d", high.count())
	}
	if low.count() != 0 {
		t.Errorf("expected low-priority handler to be skipped, handled=%d", low.count())
	}
}

func TestRoute_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	rt := newTestRouter(t)
	types := map[protocol.MessageType]bool{protocol.TypePing: true}
	first := &recordingHandler{name: "first", types: types}
	second := &recordingHandler{name: "second", types: types}
	rt.AddHandler(first, 5)
	rt.AddHandler(second, 5)

	names := rt.HandlersFor(protocol.TypePing)
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("expected [first second] dispatch order, got %v", names)
	}
}

func TestRoute_UnknownTypeAcked(t *testing.T) {
	rt := newTestRouter(t)
	conn := newFakeConn()

	ok, err := rt.Route(context.Background(), "u1", conn, []byte(`{"type":"future_thing","payload":{}}`))
	if err != nil {
		t.Fatalf("unknown types must be tolerated, got error: %v", err)
	}
	if !ok {
		t.Fatal("expected unknown type to count as processed")
	}

	sent := conn.envelopes()
	if len(sent) != 1 {
		t.Fatalf("expected 1 ack, got %d envelopes", len(sent))
	}
	if sent[0].Type != protocol.TypeAck {
		t.Errorf("expected ack, got %q", sent[0].Type)
	}
	payload, _ := sent[0].Payload.(map[string]any)
	if payload["received_type"] != "future_thing" {
		t.Errorf("expected received_type echoed, got %v", payload)
	}
}

func TestRoute_MissingTypeReturnsError(t *testing.T) {
	rt := newTestRouter(t)
	conn := newFakeConn()

	ok, err := rt.Route(context.Background(), "u1", conn, []byte(`{"payload":{"content":"hi"}}`))
	if !errors.Is(err, protocol.ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
	if ok {
		t.Error("message with no type must not count as processed")
	}
	if len(conn.envelopes()) != 0 {
		t.Error("no reply should be sent for a structurally invalid frame")
	}
}

func TestRoute_StringTimestampReturnsError(t *testing.T) {
	rt := newTestRouter(t)
	conn := newFakeConn()

	ok, err := rt.Route(context.Background(), "u1", conn, []byte(`{"type":"ping","timestamp":"later"}`))
	var tsErr *protocol.TimestampError
	if !errors.As(err, &tsErr) {
		t.Fatalf("expected *TimestampError, got %v", err)
	}
	if ok {
		t.Error("message with a string timestamp must not count as processed")
	}
}

func TestRoute_HandlerErrorContained(t *testing.T) {
	rt := newTestRouter(t)
	h := &recordingHandler{
		name:  "broken",
		types: map[protocol.MessageType]bool{protocol.TypePing: true},
		err:   fmt.Errorf("boom"),
	}
	rt.AddHandler(h, 0)

	conn := newFakeConn()
	ok, err := rt.Route(context.Background(), "u1", conn, pingFrame())
	if err != nil {
		t.Fatalf("handler errors must be contained, got %v", err)
	}
	if ok {
		t.Error("failed handling must report not-processed")
	}

	// Counters tick on every dispatch; the failure shows up in Errors,
	// not as a hole in the per-type counts.
	stats := rt.Stats()
	if stats.Errors != 1 {
		t.Errorf("expected 1 recorded error, got %d", stats.Errors)
	}
	if stats.Processed != 1 {
		t.Errorf("dispatch must count even when the handler fails, got %d", stats.Processed)
	}
	if stats.ByType[protocol.TypePing] != 1 {
		t.Errorf("expected per-type count 1 for ping, got %d", stats.ByType[protocol.TypePing])
	}
	if stats.LastProcessed.IsZero() {
		t.Error("last processed time must be set on the failure branch too")
	}
}

func TestRoute_FallbackAcksUnclaimedCanonicalType(t *testing.T) {
	rt := newTestRouter(t)
	conn := newFakeConn()

	// No handler registered for broadcast; the built-in fallback answers.
	ok, err := rt.Route(context.Background(), "u1", conn, []byte(`{"type":"broadcast"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected fallback to process the message")
	}
	sent := conn.envelopes()
	if len(sent) != 1 || sent[0].Type != protocol.TypeAck {
		t.Fatalf("expected one ack from fallback, got %v", sent)
	}
}

func TestRemoveHandler(t *testing.T) {
	rt := newTestRouter(t)
	types := map[protocol.MessageType]bool{protocol.TypePing: true}
	rt.AddHandler(&recordingHandler{name: "a", types: types}, 0)
	rt.AddHandler(&recordingHandler{name: "b", types: types}, 0)
	rt.AddHandler(&recordingHandler{name: "a", types: types}, 1)

	removed := rt.RemoveHandler("a")
	if removed != 2 {
		t.Errorf("expected 2 removals, got %d", removed)
	}
	names := rt.HandlersFor(protocol.TypePing)
	if len(names) != 1 || names[0] != "b" {
		t.Errorf("expected only handler b to remain, got %v", names)
	}
	if rt.RemoveHandler("missing") != 0 {
		t.Error("removing an unregistered name must be a no-op")
	}
}

func TestRouteBatch_EntriesAreIndependent(t *testing.T) {
	rt := newTestRouter(t)
	h := &recordingHandler{name: "ping", types: map[protocol.MessageType]bool{protocol.TypePing: true}}
	rt.AddHandler(h, 0)

	conn := newFakeConn()
	frames := [][]byte{
		pingFrame(),
		pingFrame(),
		[]byte(`{"payload":{}}`), // missing type
		pingFrame(),
	}
	results := rt.RouteBatch(context.Background(), "u1", conn, frames)
	want := []bool{true, true, false, true}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("frame %d: expected %v, got %v", i, want[i], results[i])
		}
	}
	// A bad frame in the middle must not shadow the frames after it.
	if h.count() != 3 {
		t.Errorf("expected handler to see all 3 valid frames, got %d", h.count())
	}
}

func TestStats_SnapshotIsDeepCopy(t *testing.T) {
	rt := newTestRouter(t)
	h := &recordingHandler{name: "ping", types: map[protocol.MessageType]bool{protocol.TypePing: true}}
	rt.AddHandler(h, 0)

	conn := newFakeConn()
	if _, err := rt.Route(context.Background(), "u1", conn, pingFrame()); err != nil {
		t.Fatal(err)
	}

	snap := rt.Stats()
	if snap.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", snap.Processed)
	}
	if snap.ByType[protocol.TypePing] != 1 {
		t.Fatalf("expected 1 ping counted, got %d", snap.ByType[protocol.TypePing])
	}

	// Mutating the snapshot must not leak into live counters.
	snap.ByType[protocol.TypePing] = 999
	again := rt.Stats()
	if again.ByType[protocol.TypePing] != 1 {
		t.Error("snapshot mutation leaked into live stats")
	}
}

func TestRoute_ConcurrentConnectionsIsolated(t *testing.T) {
	rt := newTestRouter(t)
	h := &recordingHandler{name: "ping", types: map[protocol.MessageType]bool{protocol.TypePing: true}}
	rt.AddHandler(h, 0)

	const users = 8
	const perUser = 20

	conns := make([]*fakeConn, users)
	for i := range conns {
		conns[i] = newFakeConn()
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			for j := 0; j < perUser; j++ {
				frame := []byte(`{"type":"unknown_kind"}`)
				if _, err := rt.Route(context.Background(), userID, conns[i], frame); err != nil {
					t.Errorf("Route failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	// Every connection gets exactly its own acks: no cross-user leakage.
	for i, conn := range conns {
		sent := conn.envelopes()
		if len(sent) != perUser {
			t.Errorf("conn %d: expected %d acks, got %d", i, perUser, len(sent))
			continue
		}
		want := fmt.Sprintf("user-%d", i)
		for _, env := range sent {
			if env.UserID != want {
				t.Errorf("conn %d received envelope for %q", i, env.UserID)
			}
		}
	}

	snap := rt.Stats()
	if snap.Processed != users*perUser {
		t.Errorf("expected %d processed, got %d", users*perUser, snap.Processed)
	}
}

func TestStats_HandlerCount(t *testing.T) {
	rt := newTestRouter(t)
	if rt.Stats().Handlers != 0 {
		t.Errorf("expected 0 handlers, got %d", rt.Stats().Handlers)
	}
	rt.AddHandler(&recordingHandler{name: "a", types: map[protocol.MessageType]bool{protocol.TypePing: true}}, 0)
	if rt.Stats().Handlers != 1 {
		t.Errorf("expected 1 handler, got %d", rt.Stats().Handlers)
	}
}
