// Package router dispatches parsed chat envelopes to registered handlers.
//
// Handlers are consulted in priority order (highest first); the first
// handler that claims a message type processes it. Unknown-but-present
// message types are acknowledged rather than dropped so older clients
// keep working; structurally invalid frames (missing type, malformed
// timestamp) are rejected back to the transport.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// Request carries one inbound message through a handler.
type Request struct {
	UserID string
	Conn   Conn
	Env    *protocol.Envelope
}

// Handler processes messages of the types it claims via CanHandle.
type Handler interface {
	// Name identifies the handler in logs and stats.
	Name() string

	// CanHandle reports whether this handler processes the given type.
	CanHandle(t protocol.MessageType) bool

	// Handle processes the message. A non-nil error is contained by the
	// router: it is counted and logged, never sent back to the client.
	Handle(ctx context.Context, req *Request) error
}

type registration struct {
	handler  Handler
	priority int
	order    int // registration sequence, breaks priority ties FIFO
}

// Router dispatches envelopes to handlers. Safe for concurrent use.
type Router struct {
	mu       sync.Mutex
	regs     []registration
	nextOrd  int
	snapshot []registration // copy-on-write, priority-desc sorted
	stats    *Stats
	fallback Handler
	logger   *slog.Logger
}

// New creates a router with a built-in fallback so every canonical
// message type is always claimed by something.
func New(logger *slog.Logger) *Router {
	r := &Router{
		stats:    newStats(),
		fallback: &FallbackHandler{},
		logger:   logger.With("component", "router"),
	}
	return r
}

// AddHandler registers a handler at the given priority. Higher priority
// handlers are consulted first; equal priorities keep registration order.
func (r *Router) AddHandler(h Handler, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.regs = append(r.regs, registration{handler: h, priority: priority, order: r.nextOrd})
	r.nextOrd++
	r.rebuildLocked()
}

// RemoveHandler unregisters all handlers with the given name. It returns
// the number removed.
func (r *Router) RemoveHandler(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.regs[:0]
	removed := 0
	for _, reg := range r.regs {
		if reg.handler.Name() == name {
			removed++
			continue
		}
		kept = append(kept, reg)
	}
	r.regs = kept
	r.rebuildLocked()
	return removed
}

func (r *Router) rebuildLocked() {
	snap := make([]registration, len(r.regs))
	copy(snap, r.regs)
	sort.SliceStable(snap, func(i, j int) bool {
		if snap[i].priority != snap[j].priority {
			return snap[i].priority > snap[j].priority
		}
		return snap[i].order < snap[j].order
	})
	r.snapshot = snap
}

func (r *Router) handlers() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// HandlersFor returns the names of handlers that claim the given type,
// in dispatch order.
func (r *Router) HandlersFor(t protocol.MessageType) []string {
	var names []string
	for _, reg := range r.handlers() {
		if reg.handler.CanHandle(t) {
			names = append(names, reg.handler.Name())
		}
	}
	return names
}

// Route parses one raw frame and dispatches it.
//
// The boolean reports whether the message was processed (a handler ran
// without error, or an unknown type was acknowledged). Errors are only
// returned for structurally invalid frames (missing type, malformed
// timestamp), which the transport reports back to the client; handler
// failures are contained and counted instead.
func (r *Router) Route(ctx context.Context, userID string, conn Conn, raw []byte) (bool, error) {
	env, err := protocol.ParseEnvelope(raw)

	var unknown *protocol.UnknownTypeError
	if errors.As(err, &unknown) {
		// Tolerated: the envelope is structurally sound, just a type we
		// don't know. Acknowledge it so the client isn't left hanging.
		r.stats.record(protocol.TypeAck)
		ack := protocol.NewEnvelope(protocol.TypeAck, userID, env.ThreadID, map[string]any{
			"received_type": env.RawType,
		})
		if sendErr := conn.Send(ctx, ack); sendErr != nil {
			r.logger.Warn("ack send failed", "user_id", userID, "received_type", env.RawType, "error", sendErr)
		}
		return true, nil
	}
	if err != nil {
		r.stats.recordError()
		return false, fmt.Errorf("parse message: %w", err)
	}

	if env.UserID == "" {
		env.UserID = userID
	}
	req := &Request{UserID: userID, Conn: conn, Env: env}

	for _, reg := range r.handlers() {
		if !reg.handler.CanHandle(env.Type) {
			continue
		}
		// The per-type counter ticks once per dispatched message whether
		// or not the handler succeeds; failures count separately.
		herr := reg.handler.Handle(ctx, req)
		r.stats.record(env.Type)
		if herr != nil {
			r.stats.recordError()
			r.logger.Error("handler failed",
				"handler", reg.handler.Name(),
				"type", env.Type,
				"user_id", userID,
				"error", herr)
			return false, nil
		}
		return true, nil
	}

	// Canonical type nobody registered for: the built-in fallback acks it.
	ferr := r.fallback.Handle(ctx, req)
	r.stats.record(env.Type)
	if ferr != nil {
		r.stats.recordError()
		r.logger.Error("fallback failed", "type", env.Type, "user_id", userID, "error", ferr)
		return false, nil
	}
	return true, nil
}

// RouteBatch routes frames in order on one connection. Entries are
// independent: a structurally invalid or failed frame does not stop the
// rest of the batch. The result slice reports each frame's outcome.
func (r *Router) RouteBatch(ctx context.Context, userID string, conn Conn, frames [][]byte) []bool {
	results := make([]bool, len(frames))
	for i, raw := range frames {
		ok, err := r.Route(ctx, userID, conn, raw)
		if err != nil {
			r.logger.Warn("batch frame rejected", "user_id", userID, "index", i, "error", err)
		}
		results[i] = ok
	}
	return results
}

// Stats returns a point-in-time copy of routing counters.
func (r *Router) Stats() StatsSnapshot {
	snap := r.stats.snapshot()
	snap.Handlers = len(r.handlers())
	return snap
}
