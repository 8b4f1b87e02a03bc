package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/teams"
)

// CreateTeam validates and registers a new team.
func (s *Service) CreateTeam(ctx context.Context, req domain.CreateTeamRequest) (*domain.Team, error) {
	now := s.now().UTC()
	team := &domain.Team{
		TeamID:       newTeamID(),
		Name:         req.Name,
		Description:  req.Description,
		SubTeams:     req.SubTeams,
		Dependencies: req.Dependencies,
		Source:       "api",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := teams.Validate(team); err != nil {
		return nil, err
	}
	if err := s.store.UpsertTeam(ctx, team); err != nil {
		return nil, errors.Wrap(err, "failed to create team")
	}
	return team, nil
}

// UpsertTeam registers a team under its own id, validating it first.
func (s *Service) UpsertTeam(ctx context.Context, team *domain.Team) error {
	if team.TeamID == "" {
		return domain.InvalidConfig("team_id is required")
	}
	if err := teams.Validate(team); err != nil {
		return err
	}
	return s.store.UpsertTeam(ctx, team)
}

// GetTeam returns a team or a NotFoundError.
func (s *Service) GetTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get team")
	}
	if team == nil {
		return nil, notFound("team", teamID)
	}
	return team, nil
}

// ListTeams returns one page of teams.
func (s *Service) ListTeams(ctx context.Context, page, pageSize int) (*domain.TeamList, error) {
	page, pageSize, offset := pageOffset(page, pageSize)
	list, total, err := s.store.ListTeams(ctx, pageSize, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list teams")
	}
	if list == nil {
		list = []domain.Team{}
	}
	return &domain.TeamList{Teams: list, Total: total, Page: page, PageSize: pageSize}, nil
}

// DeleteTeam removes a team. Past executions keep their rows and events.
func (s *Service) DeleteTeam(ctx context.Context, teamID string) (bool, error) {
	deleted, err := s.store.DeleteTeam(ctx, teamID)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete team")
	}
	return deleted, nil
}
