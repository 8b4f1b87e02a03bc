package domain

import (
	"encoding/json"
	"time"
)

// CreateTeamRequest is the body of POST /teams.
type CreateTeamRequest struct {
	Name         string              `json:"team_name" yaml:"team_name"`
	Description  string              `json:"description,omitempty" yaml:"description,omitempty"`
	SubTeams     []SubTeam           `json:"sub_teams" yaml:"sub_teams"`
	Dependencies map[string][]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// ExecuteRequest is the body of POST /executions/:team_id/execute. Options
// may be flat or nested under execution_config.
type ExecuteRequest struct {
	ExecutionConfig
	Nested *ExecutionConfig `json:"execution_config,omitempty"`
}

// NewExecuteRequest returns a request carrying the default options.
func NewExecuteRequest() ExecuteRequest {
	return ExecuteRequest{ExecutionConfig: DefaultExecutionConfig()}
}

// UnmarshalJSON decodes the flat options and the nested execution_config
// separately; the embedded config's decoder would otherwise take over.
func (r *ExecuteRequest) UnmarshalJSON(data []byte) error {
	var flat ExecutionConfig
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	var wrapper struct {
		Nested *ExecutionConfig `json:"execution_config"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	r.ExecutionConfig = flat
	r.Nested = wrapper.Nested
	return nil
}

// Resolve returns the effective configuration.
func (r ExecuteRequest) Resolve() ExecutionConfig {
	if r.Nested != nil {
		cfg := *r.Nested
		if cfg.Input == "" {
			cfg.Input = r.Input
		}
		return cfg
	}
	return r.ExecutionConfig
}

// ExecuteResponse is returned when an execution is accepted.
type ExecuteResponse struct {
	ExecutionID string          `json:"execution_id"`
	TeamID      string          `json:"team_id"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	StreamURL   string          `json:"stream_url,omitempty"`
	TotalNodes  int             `json:"total_nodes"`
	Config      ExecutionConfig `json:"config"`
}

// ExecutionView is an execution with its node projection.
type ExecutionView struct {
	Execution
	Progress       int             `json:"progress"`
	NodesCompleted int             `json:"nodes_completed"`
	TotalNodes     int             `json:"total_nodes"`
	Nodes          []ExecutionNode `json:"nodes"`
}

// CancelResponse is returned after a cancellation request.
type CancelResponse struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message"`
}

// ExecutionResults collects node outputs of a finished execution.
type ExecutionResults struct {
	ExecutionID string                     `json:"execution_id"`
	TeamID      string                     `json:"team_id"`
	Status      ExecutionStatus            `json:"status"`
	Results     map[string]json.RawMessage `json:"results"`
	Errors      map[string]string          `json:"errors,omitempty"`
	EndedAt     *time.Time                 `json:"ended_at,omitempty"`
}

// EventPage is one page of an execution's event log.
type EventPage struct {
	ExecutionID string  `json:"execution_id"`
	Events      []Event `json:"events"`
	NextCursor  string  `json:"next_cursor,omitempty"`
	Terminal    bool    `json:"terminal"`
}

// TeamList is a page of teams.
type TeamList struct {
	Teams    []Team `json:"teams"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// ExecutionList is a page of executions.
type ExecutionList struct {
	Executions []Execution `json:"executions"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
}
