package domain

import (
	"encoding/json"
	"time"
)

// ExecutionConfig holds per-execution options.
type ExecutionConfig struct {
	StreamEvents            bool   `json:"stream_events"`
	SaveIntermediateResults bool   `json:"save_intermediate_results"`
	MaxParallelNodes        int    `json:"max_parallel_teams,omitempty"`
	TimeoutSeconds          int    `json:"timeout_seconds,omitempty"`
	Input                   string `json:"input,omitempty"`
}

// DefaultExecutionConfig returns the options an execute request starts from.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{StreamEvents: true}
}

// UnmarshalJSON decodes onto the defaults, so an omitted stream_events
// stays enabled.
func (c *ExecutionConfig) UnmarshalJSON(data []byte) error {
	type plain ExecutionConfig
	p := plain(DefaultExecutionConfig())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ExecutionConfig(p)
	return nil
}

// Execution is one run instance of a team.
type Execution struct {
	ExecutionID string          `json:"execution_id"`
	TeamID      string          `json:"team_id"`
	Status      ExecutionStatus `json:"status"`
	Config      ExecutionConfig `json:"config"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

// ExecutionNode is a sub-team (or agent) instance inside one execution.
type ExecutionNode struct {
	ExecutionID  string          `json:"execution_id"`
	NodeID       string          `json:"node_id"`
	Name         string          `json:"name"`
	Kind         NodeKind        `json:"kind"`
	Position     int             `json:"position"`
	Dependencies []string        `json:"dependencies"`
	Status       NodeStatus      `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	TeamID   string
	Statuses []ExecutionStatus
	Limit    int
	Offset   int
}

// Task is what an executor receives when a node is dispatched.
type Task struct {
	ExecutionID  string
	TeamID       string
	Node         ExecutionNode
	SubTeam      SubTeam
	Input        string
	Dependencies map[string]json.RawMessage
}
