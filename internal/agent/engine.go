// Package agent defines the boundary to the agent/orchestration engine.
// The routing core does not know how agents execute; it hands the engine a
// turn request and reports the lifecycle events around the call.
package agent

import (
	"context"
)

// TurnRequest is one agent invocation on behalf of a user.
type TurnRequest struct {
	UserID   string
	ThreadID string
	TurnID   string
	Payload  map[string]any
}

// Turn is the engine's account of a completed invocation: what it reasoned,
// which tool it ran, and the final response. The emitter turns this into
// the agent lifecycle event sequence.
type Turn struct {
	AgentType   string
	Reasoning   string
	Step        int
	Progress    float64
	ToolName    string
	ToolParams  map[string]any
	ToolResults any
	ToolOK      bool
	Response    string
}

// Engine executes agent turns. Implementations may call out to an LLM
// orchestrator, a remote runtime, or anything else; the router only
// depends on this interface.
type Engine interface {
	// Name identifies the engine variant (reported as agent_type).
	Name() string
	// Plan executes one turn and returns its outcome. A returned error
	// aborts the lifecycle event sequence for the turn.
	Plan(ctx context.Context, req TurnRequest) (*Turn, error)
}
