package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ScriptedEngine is a deterministic local engine. It echoes the request
// through a single synthetic tool step, which is enough to drive the full
// lifecycle sequence without an external orchestrator. Deployments with a
// real agent backend replace it via hub wiring.
type ScriptedEngine struct {
	name string
}

// NewScriptedEngine creates a ScriptedEngine. An empty name defaults to "scripted".
func NewScriptedEngine(name string) *ScriptedEngine {
	if name == "" {
		name = "scripted"
	}
	return &ScriptedEngine{name: name}
}

func (e *ScriptedEngine) Name() string { return e.name }

// Plan synthesizes a turn from the request payload.
func (e *ScriptedEngine) Plan(ctx context.Context, req TurnRequest) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := ""
	if req.Payload != nil {
		if c, ok := req.Payload["content"].(string); ok {
			content = c
		}
	}
	content = strings.TrimSpace(content)

	query := content
	if query == "" {
		query = "(empty request)"
	}

	return &Turn{
		AgentType:   e.name,
		Reasoning:   fmt.Sprintf("processing request: %s", query),
		Step:        1,
		Progress:    0.5,
		ToolName:    "echo",
		ToolParams:  map[string]any{"input": query},
		ToolResults: map[string]any{"output": query},
		ToolOK:      true,
		Response:    fmt.Sprintf("processed: %s", query),
	}, nil
}

// NewTurnID returns a fresh turn identifier.
func NewTurnID() string {
	return uuid.New().String()
}
