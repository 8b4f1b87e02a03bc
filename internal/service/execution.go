package service

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/graph"
	"github.com/catface996/aiops-executor/internal/log"
	"github.com/catface996/aiops-executor/internal/scheduler"
	"github.com/catface996/aiops-executor/internal/teams"
)

// Execute creates an execution of a team and starts it asynchronously. An
// invalid team is rejected before any row or event is written.
func (s *Service) Execute(ctx context.Context, teamID string, req domain.ExecuteRequest) (*domain.ExecuteResponse, error) {
	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if err := teams.Validate(team); err != nil {
		return nil, err
	}
	cfg := req.Resolve()
	if cfg.MaxParallelNodes < 0 || cfg.TimeoutSeconds < 0 {
		return nil, domain.InvalidConfig("max_parallel_teams and timeout_seconds must not be negative")
	}

	now := s.now().UTC()
	exec := &domain.Execution{
		ExecutionID: newExecutionID(),
		TeamID:      team.TeamID,
		Status:      domain.ExecutionStatusCreated,
		Config:      cfg,
		CreatedAt:   now,
	}
	nodes := materialize(exec.ExecutionID, team)

	if err := s.store.CreateExecution(ctx, exec, nodes); err != nil {
		return nil, errors.Wrap(err, "failed to create execution")
	}
	if _, err := s.scheduler.Start(ctx, scheduler.Plan{Execution: exec, Team: team, Nodes: nodes}); err != nil {
		if uerr := s.store.UpdateExecutionStatus(ctx, exec.ExecutionID, domain.ExecutionStatusFailed, err.Error(), s.now().UTC()); uerr != nil {
			log.WithExecution(exec.ExecutionID).WithError(uerr).Warn("Failed to mark unstartable execution")
		}
		return nil, err
	}

	resp := &domain.ExecuteResponse{
		ExecutionID: exec.ExecutionID,
		TeamID:      team.TeamID,
		Status:      "started",
		StartedAt:   now,
		TotalNodes:  len(nodes),
		Config:      cfg,
	}
	if cfg.StreamEvents {
		resp.StreamURL = "/executions/" + exec.ExecutionID + "/stream"
	}
	return resp, nil
}

// materialize turns sub-teams into pending execution nodes in declaration order.
func materialize(executionID string, team *domain.Team) []domain.ExecutionNode {
	nodes := make([]domain.ExecutionNode, 0, len(team.SubTeams))
	for i, st := range team.SubTeams {
		name := st.Name
		if name == "" {
			name = st.ID
		}
		deps := team.DependenciesOf(st.ID)
		if deps == nil {
			deps = []string{}
		}
		nodes = append(nodes, domain.ExecutionNode{
			ExecutionID:  executionID,
			NodeID:       st.ID,
			Name:         name,
			Kind:         st.KindOf(),
			Position:     i,
			Dependencies: deps,
			Status:       domain.NodeStatusPending,
		})
	}
	return nodes
}

// GetExecution returns an execution with its node projection.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionView, error) {
	exec, err := s.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nodes")
	}

	view := &domain.ExecutionView{Execution: *exec, Nodes: nodes, TotalNodes: len(nodes)}
	for _, n := range nodes {
		if n.Status.IsTerminal() {
			view.NodesCompleted++
		}
	}
	if view.TotalNodes > 0 {
		view.Progress = view.NodesCompleted * 100 / view.TotalNodes
	}
	return view, nil
}

// ListExecutions returns one page of executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, teamID string, statuses []domain.ExecutionStatus, page, pageSize int) (*domain.ExecutionList, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, domain.InvalidConfig("unknown execution status %q", st)
		}
	}
	page, pageSize, offset := pageOffset(page, pageSize)
	list, total, err := s.store.ListExecutions(ctx, domain.ExecutionFilter{
		TeamID:   teamID,
		Statuses: statuses,
		Limit:    pageSize,
		Offset:   offset,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	if list == nil {
		list = []domain.Execution{}
	}
	return &domain.ExecutionList{Executions: list, Total: total, Page: page, PageSize: pageSize}, nil
}

// Results returns node outputs once the execution is terminal.
func (s *Service) Results(ctx context.Context, executionID string) (*domain.ExecutionResults, error) {
	exec, err := s.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !exec.Status.IsTerminal() {
		return nil, domain.ErrNotFinished
	}
	nodes, err := s.store.ListNodes(ctx, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nodes")
	}

	res := &domain.ExecutionResults{
		ExecutionID: exec.ExecutionID,
		TeamID:      exec.TeamID,
		Status:      exec.Status,
		Results:     make(map[string]json.RawMessage),
		Errors:      make(map[string]string),
		EndedAt:     exec.EndedAt,
	}
	for _, n := range nodes {
		if len(n.Result) > 0 {
			res.Results[n.NodeID] = n.Result
		}
		if n.Error != "" {
			res.Errors[n.NodeID] = n.Error
		}
	}
	return res, nil
}

// Cancel requests cancellation of a running execution.
func (s *Service) Cancel(ctx context.Context, executionID string) (*domain.CancelResponse, error) {
	if err := s.scheduler.Cancel(ctx, executionID); err != nil {
		return nil, err
	}
	return &domain.CancelResponse{
		ExecutionID: executionID,
		Status:      domain.ExecutionStatusRunning,
		Message:     "cancellation requested",
	}, nil
}

// RecoverOrphans fails every execution a previous process left created or
// running. It must run before new executions are started.
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	filter := domain.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{domain.ExecutionStatusCreated, domain.ExecutionStatusRunning},
		Limit:    100,
	}
	recovered := 0
	seen := make(map[string]bool)
	for {
		// recovered rows leave the filter, so always read the first page
		list, _, err := s.store.ListExecutions(ctx, filter)
		if err != nil {
			return recovered, errors.Wrap(err, "failed to list orphaned executions")
		}
		progressed := false
		for i := range list {
			exec := &list[i]
			if seen[exec.ExecutionID] {
				continue
			}
			seen[exec.ExecutionID] = true
			progressed = true
			nodes, err := s.store.ListNodes(ctx, exec.ExecutionID)
			if err != nil {
				return recovered, errors.Wrapf(err, "failed to list nodes of %s", exec.ExecutionID)
			}
			if err := s.scheduler.Recover(ctx, exec, nodes); err != nil {
				return recovered, err
			}
			recovered++
		}
		if !progressed {
			return recovered, nil
		}
	}
}

// Validate checks a team definition without storing it.
func (s *Service) Validate(team *domain.Team) ([]string, error) {
	if err := teams.Validate(team); err != nil {
		return nil, err
	}
	return graph.New(graph.FromTeam(team)).TopologicalOrder()
}

func (s *Service) loadExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	if exec == nil {
		return nil, notFound("execution", executionID)
	}
	return exec, nil
}
