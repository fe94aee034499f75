package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatcore-ai/chatcore/internal/agent"
	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// Emitter drives one agent turn and streams its lifecycle to a
// connection: AGENT_STARTED, AGENT_THINKING, TOOL_EXECUTING,
// TOOL_COMPLETED, AGENT_COMPLETED, strictly in that order.
type Emitter struct {
	Engine agent.Engine
	Logger *slog.Logger
}

// turn phases, entered at most once per run and only in order.
type phase int

const (
	phaseStart phase = iota
	phaseStarted
	phaseThinking
	phaseToolExecuting
	phaseToolCompleted
	phaseDone
	phaseFailed
)

// run is the per-turn emission state. It is confined to one goroutine.
type run struct {
	conn   Conn
	userID string
	turnID string
	phase  phase
	lastTS float64
}

// Run executes an agent turn against the engine and emits the five
// lifecycle events. AGENT_STARTED goes out before the engine plans so
// the client sees activity immediately; the rest follow the plan. A
// failed or disconnected send aborts the remainder of the sequence.
func (e *Emitter) Run(ctx context.Context, conn Conn, req agent.TurnRequest) error {
	if req.TurnID == "" {
		req.TurnID = agent.NewTurnID()
	}
	r := &run{conn: conn, userID: req.UserID, turnID: req.TurnID}

	started := protocol.AgentStarted{
		UserID:    req.UserID,
		TurnID:    req.TurnID,
		AgentType: e.Engine.Name(),
	}
	if err := r.emit(ctx, phaseStarted, protocol.TypeAgentStarted, &started.Timestamp, &started); err != nil {
		return err
	}

	turn, err := e.Engine.Plan(ctx, req)
	if err != nil {
		r.phase = phaseFailed
		if e.Logger != nil {
			e.Logger.Error("agent turn failed", "user_id", req.UserID, "turn_id", req.TurnID, "error", err)
		}
		return fmt.Errorf("plan turn: %w", err)
	}

	thinking := protocol.AgentThinking{
		UserID:    req.UserID,
		TurnID:    req.TurnID,
		Reasoning: turn.Reasoning,
		Step:      turn.Step,
		Progress:  turn.Progress,
	}
	if err := r.emit(ctx, phaseThinking, protocol.TypeAgentThinking, &thinking.Timestamp, &thinking); err != nil {
		return err
	}

	executing := protocol.ToolExecuting{
		UserID:         req.UserID,
		TurnID:         req.TurnID,
		ToolName:       turn.ToolName,
		ToolParameters: turn.ToolParams,
		ExecutionID:    agent.NewTurnID(),
	}
	if err := r.emit(ctx, phaseToolExecuting, protocol.TypeToolExecuting, &executing.Timestamp, &executing); err != nil {
		return err
	}

	completed := protocol.ToolCompleted{
		UserID:   req.UserID,
		TurnID:   req.TurnID,
		ToolName: turn.ToolName,
		Results:  turn.ToolResults,
		Success:  turn.ToolOK,
	}
	if err := r.emit(ctx, phaseToolCompleted, protocol.TypeToolCompleted, &completed.Timestamp, &completed); err != nil {
		return err
	}

	final := protocol.AgentCompleted{
		UserID:         req.UserID,
		TurnID:         req.TurnID,
		FinalResponse:  turn.Response,
		Success:        true,
		ProcessingTime: protocol.Now() - started.Timestamp,
	}
	return r.emit(ctx, phaseDone, protocol.TypeAgentCompleted, &final.Timestamp, &final)
}

// emit advances the run to next and sends one event. Phases only move
// forward; timestamps only move forward with them.
func (r *run) emit(ctx context.Context, next phase, t protocol.MessageType, ts *float64, payload any) error {
	if r.phase == phaseFailed {
		return fmt.Errorf("turn %s: already failed", r.turnID)
	}
	if next != r.phase+1 {
		return fmt.Errorf("turn %s: cannot enter phase %d from %d", r.turnID, next, r.phase)
	}
	if err := ctx.Err(); err != nil {
		r.phase = phaseFailed
		return err
	}
	if !r.conn.Connected() {
		r.phase = phaseFailed
		return fmt.Errorf("turn %s: connection closed", r.turnID)
	}

	stamp := protocol.Now()
	if stamp <= r.lastTS {
		stamp = r.lastTS + 1e-6
	}
	*ts = stamp

	env := protocol.NewEnvelope(t, r.userID, "", payload)
	env.RunID = r.turnID
	env.Timestamp = stamp
	if err := r.conn.Send(ctx, env); err != nil {
		r.phase = phaseFailed
		return fmt.Errorf("turn %s: send %s: %w", r.turnID, t, err)
	}

	r.phase = next
	r.lastTS = stamp
	return nil
}
