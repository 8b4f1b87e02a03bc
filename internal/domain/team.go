package domain

import "time"

// Team is a hierarchical team definition: sub-teams with dependency edges.
type Team struct {
	TeamID       string              `json:"team_id" yaml:"team_id"`
	Name         string              `json:"team_name" yaml:"team_name"`
	Description  string              `json:"description,omitempty" yaml:"description,omitempty"`
	SubTeams     []SubTeam           `json:"sub_teams" yaml:"sub_teams"`
	Dependencies map[string][]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Source       string              `json:"source,omitempty" yaml:"-"`
	CreatedAt    time.Time           `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time           `json:"updated_at" yaml:"-"`
}

// SubTeam is one schedulable unit of a team.
type SubTeam struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        NodeKind      `json:"kind,omitempty" yaml:"kind,omitempty"`
	Parallel    bool          `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Agents      []AgentConfig `json:"agent_configs" yaml:"agent_configs"`
}

// AgentConfig describes a single agent inside a sub-team.
type AgentConfig struct {
	AgentID      string    `json:"agent_id" yaml:"agent_id"`
	AgentName    string    `json:"agent_name" yaml:"agent_name"`
	LLM          LLMConfig `json:"llm_config" yaml:"llm_config"`
	SystemPrompt string    `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	UserPrompt   string    `json:"user_prompt,omitempty" yaml:"user_prompt,omitempty"`
}

// LLMConfig selects the model backing an agent.
type LLMConfig struct {
	Provider    string  `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// KindOf returns the node kind, defaulting to sub_team.
func (s SubTeam) KindOf() NodeKind {
	if s.Kind == "" {
		return NodeKindSubTeam
	}
	return s.Kind
}

// DependenciesOf merges the sub-team's inline edges with the team-level
// dependency map, preserving first-seen order.
func (t *Team) DependenciesOf(subTeamID string) []string {
	var deps []string
	seen := make(map[string]bool)
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				deps = append(deps, id)
			}
		}
	}
	for _, st := range t.SubTeams {
		if st.ID == subTeamID {
			add(st.DependsOn)
			break
		}
	}
	add(t.Dependencies[subTeamID])
	return deps
}

// SubTeam returns the sub-team with the given id.
func (t *Team) SubTeam(id string) (SubTeam, bool) {
	for _, st := range t.SubTeams {
		if st.ID == id {
			return st, true
		}
	}
	return SubTeam{}, false
}
