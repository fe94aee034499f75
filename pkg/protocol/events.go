package protocol

// --- Agent lifecycle events ---
//
// During agent execution the server emits exactly five events, in order,
// over the requesting user's connection:
//
//	agent_started → agent_thinking → tool_executing → tool_completed → agent_completed
//
// Each carries the user and turn identifiers plus a numeric timestamp that
// never decreases within a turn. This sequence is the minimum viable signal
// of chat health; dashboards and clients key off it directly.

// GoldenPath returns the canonical agent event sequence, in emission order.
func GoldenPath() []MessageType {
	return []MessageType{
		TypeAgentStarted,
		TypeAgentThinking,
		TypeToolExecuting,
		TypeToolCompleted,
		TypeAgentCompleted,
	}
}

// AgentStarted signals that agent execution has begun for a turn.
type AgentStarted struct {
	UserID    string  `json:"user_id"`
	TurnID    string  `json:"turn_id"`
	AgentType string  `json:"agent_type"`
	Timestamp float64 `json:"timestamp"`
}

// AgentThinking carries the agent's reasoning progress.
type AgentThinking struct {
	UserID    string  `json:"user_id"`
	TurnID    string  `json:"turn_id"`
	Reasoning string  `json:"reasoning"`
	Step      int     `json:"step"`
	Progress  float64 `json:"progress"`
	Timestamp float64 `json:"timestamp"`
}

// ToolExecuting signals that a tool invocation is in flight.
type ToolExecuting struct {
	UserID         string         `json:"user_id"`
	TurnID         string         `json:"turn_id"`
	ToolName       string         `json:"tool_name"`
	ToolParameters map[string]any `json:"tool_parameters,omitempty"`
	ExecutionID    string         `json:"execution_id"`
	Timestamp      float64        `json:"timestamp"`
}

// ToolCompleted carries a finished tool invocation's results.
type ToolCompleted struct {
	UserID    string  `json:"user_id"`
	TurnID    string  `json:"turn_id"`
	ToolName  string  `json:"tool_name"`
	Results   any     `json:"results,omitempty"`
	Success   bool    `json:"success"`
	Timestamp float64 `json:"timestamp"`
}

// AgentCompleted terminates the sequence with the agent's final response.
type AgentCompleted struct {
	UserID         string  `json:"user_id"`
	TurnID         string  `json:"turn_id"`
	FinalResponse  string  `json:"final_response"`
	Success        bool    `json:"success"`
	ProcessingTime float64 `json:"processing_time"` // seconds
	Timestamp      float64 `json:"timestamp"`
}
