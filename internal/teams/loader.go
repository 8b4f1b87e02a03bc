// Package teams loads, validates and watches hierarchical team definitions.
package teams

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/graph"
)

// Extensions accepted for team files. JSON is valid YAML.
var Extensions = []string{".yaml", ".yml", ".json"}

// IsTeamFile reports whether path has a team file extension.
func IsTeamFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Parse decodes a YAML or JSON team definition.
func Parse(data []byte) (*domain.Team, error) {
	var team domain.Team
	if err := yaml.Unmarshal(data, &team); err != nil {
		return nil, domain.InvalidConfig("parse team: %v", err)
	}
	return &team, nil
}

// LoadFile reads and validates a team file. A file without team_id takes
// its id from the file name.
func LoadFile(path string) (*domain.Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read team file %s", path)
	}
	team, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if team.TeamID == "" {
		team.TeamID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	team.Source = path
	if err := Validate(team); err != nil {
		return nil, err
	}
	return team, nil
}

// LoadDir loads every team file directly under dir. Invalid files are
// returned as errors keyed by path; valid teams are still returned.
func LoadDir(dir string) ([]*domain.Team, map[string]error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read teams dir %s", dir)
	}
	var teams []*domain.Team
	failed := make(map[string]error)
	for _, entry := range entries {
		if entry.IsDir() || !IsTeamFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		team, err := LoadFile(path)
		if err != nil {
			failed[path] = err
			continue
		}
		teams = append(teams, team)
	}
	return teams, failed, nil
}

// Validate checks a team's shape and its dependency graph. Every failure is
// a *domain.ConfigurationError.
func Validate(team *domain.Team) error {
	if strings.TrimSpace(team.Name) == "" {
		return domain.InvalidConfig("team_name is required")
	}
	if len(team.SubTeams) == 0 {
		return domain.InvalidConfig("team %q has no sub_teams", team.Name)
	}
	for _, st := range team.SubTeams {
		switch st.KindOf() {
		case domain.NodeKindSubTeam, domain.NodeKindAgent:
		default:
			return domain.InvalidConfig("sub-team %q has unknown kind %q", st.ID, st.Kind)
		}
		if st.KindOf() == domain.NodeKindAgent && len(st.Agents) != 1 {
			return domain.InvalidConfig("agent node %q must have exactly one agent config", st.ID)
		}
		for _, a := range st.Agents {
			if a.AgentID == "" {
				return domain.InvalidConfig("sub-team %q has an agent without agent_id", st.ID)
			}
		}
	}
	for id := range team.Dependencies {
		if _, ok := team.SubTeam(id); !ok {
			return domain.InvalidConfig("dependencies reference undefined sub-team %q", id)
		}
	}
	_, err := graph.Build(graph.FromTeam(team))
	return err
}
