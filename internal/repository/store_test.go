package repository_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/repository"
	"github.com/catface996/aiops-executor/tests/helpers"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) repository.Store {
		return helpers.NewTestSQLiteStore(t)
	})
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) repository.Store {
		return helpers.NewTestPostgresStore(t)
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("teams", func(t *testing.T) { testTeams(t, newStore(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("event ordering", func(t *testing.T) { testEventOrdering(t, newStore(t)) })
	t.Run("event cursor", func(t *testing.T) { testEventCursor(t, newStore(t)) })
	t.Run("event position unique", func(t *testing.T) { testEventPositionUnique(t, newStore(t)) })
}

func sampleTeam(id string) *domain.Team {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Team{
		TeamID: id,
		Name:   "incident-response",
		SubTeams: []domain.SubTeam{
			{ID: "A", Name: "collect", Agents: []domain.AgentConfig{{AgentID: "a1", AgentName: "collector"}}},
			{ID: "B", Name: "triage", Agents: []domain.AgentConfig{{AgentID: "b1", AgentName: "triager"}}},
			{ID: "C", Name: "report", DependsOn: []string{"A", "B"}, Agents: []domain.AgentConfig{{AgentID: "c1", AgentName: "writer"}}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func createExecution(t *testing.T, s repository.Store, id string, createdAt time.Time) {
	t.Helper()
	exec := &domain.Execution{
		ExecutionID: id,
		TeamID:      "ht_team00001",
		Status:      domain.ExecutionStatusCreated,
		Config:      domain.ExecutionConfig{StreamEvents: true},
		CreatedAt:   createdAt,
	}
	nodes := []domain.ExecutionNode{
		{ExecutionID: id, NodeID: "A", Name: "collect", Kind: domain.NodeKindSubTeam, Position: 0, Status: domain.NodeStatusPending},
		{ExecutionID: id, NodeID: "B", Name: "triage", Kind: domain.NodeKindSubTeam, Position: 1, Status: domain.NodeStatusPending},
		{ExecutionID: id, NodeID: "C", Name: "report", Kind: domain.NodeKindSubTeam, Position: 2, Dependencies: []string{"A", "B"}, Status: domain.NodeStatusPending},
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec, nodes))
}

func testTeams(t *testing.T, s repository.Store) {
	ctx := context.Background()

	got, err := s.GetTeam(ctx, "ht_missing01")
	require.NoError(t, err)
	assert.Nil(t, got)

	team := sampleTeam("ht_team00001")
	require.NoError(t, s.UpsertTeam(ctx, team))

	got, err = s.GetTeam(ctx, team.TeamID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, team.Name, got.Name)
	require.Len(t, got.SubTeams, 3)
	assert.Equal(t, []string{"A", "B"}, got.SubTeams[2].DependsOn)

	team.Name = "renamed"
	require.NoError(t, s.UpsertTeam(ctx, team))
	teams, total, err := s.ListTeams(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, teams, 1)
	assert.Equal(t, "renamed", teams[0].Name)

	deleted, err := s.DeleteTeam(ctx, team.TeamID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteTeam(ctx, team.TeamID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testExecutions(t *testing.T, s repository.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	createExecution(t, s, "exec_000000000001", base)
	createExecution(t, s, "exec_000000000002", base.Add(time.Second))

	exec, err := s.GetExecution(ctx, "exec_000000000001")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionStatusCreated, exec.Status)
	assert.True(t, exec.Config.StreamEvents)
	assert.Nil(t, exec.StartedAt)

	missing, err := s.GetExecution(ctx, "exec_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateExecutionStatus(ctx, "exec_000000000001", domain.ExecutionStatusRunning, "", base))
	require.NoError(t, s.UpdateExecutionStatus(ctx, "exec_000000000001", domain.ExecutionStatusFailed, "boom", base.Add(2*time.Second)))
	exec, err = s.GetExecution(ctx, "exec_000000000001")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "boom", exec.Error)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.EndedAt)

	list, total, err := s.ListExecutions(ctx, domain.ExecutionFilter{TeamID: "ht_team00001"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "exec_000000000002", list[0].ExecutionID)

	list, total, err = s.ListExecutions(ctx, domain.ExecutionFilter{Statuses: []domain.ExecutionStatus{domain.ExecutionStatusFailed}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)

	nodes, err := s.ListNodes(ctx, "exec_000000000001")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"A", "B"}, nodes[2].Dependencies)

	ended := base.Add(time.Second)
	nodes[0].Status = domain.NodeStatusSucceeded
	nodes[0].StartedAt = &base
	nodes[0].EndedAt = &ended
	nodes[0].Result = json.RawMessage(`{"summary":"ok"}`)
	require.NoError(t, s.UpdateNode(ctx, &nodes[0]))

	nodes, err = s.ListNodes(ctx, "exec_000000000001")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusSucceeded, nodes[0].Status)
	assert.JSONEq(t, `{"summary":"ok"}`, string(nodes[0].Result))
	require.NotNil(t, nodes[0].EndedAt)
	assert.True(t, nodes[0].EndedAt.Equal(ended))
}

func appendEvent(t *testing.T, s repository.Store, execID string, ts time.Time, seq int64, typ domain.EventType, node string) {
	t.Helper()
	require.NoError(t, s.AppendEvent(context.Background(), &domain.Event{
		ExecutionID: execID,
		Timestamp:   ts,
		Sequence:    seq,
		Type:        typ,
		NodeID:      node,
		Payload:     json.RawMessage(`{}`),
	}))
}

// Two completions inside the same second are told apart only by sequence.
func testEventOrdering(t *testing.T, s repository.Store) {
	ctx := context.Background()
	execID := "exec_00000000000a"
	createExecution(t, s, execID, time.Now())

	pos, err := s.LastEventPosition(ctx, execID)
	require.NoError(t, err)
	assert.Nil(t, pos)

	sec := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	appendEvent(t, s, execID, sec, 0, domain.EventTypeExecutionStarted, "")
	appendEvent(t, s, execID, sec.Add(time.Second), 1, domain.EventTypeNodeSucceeded, "B")
	appendEvent(t, s, execID, sec.Add(time.Second), 0, domain.EventTypeNodeSucceeded, "A")
	appendEvent(t, s, execID, sec.Add(2*time.Second), 0, domain.EventTypeExecutionCompleted, "")

	events, err := s.ListEvents(ctx, execID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, domain.EventTypeExecutionStarted, events[0].Type)
	assert.Equal(t, "", events[0].NodeID)
	assert.Equal(t, "A", events[1].NodeID)
	assert.Equal(t, int64(0), events[1].Sequence)
	assert.Equal(t, "B", events[2].NodeID)
	assert.Equal(t, int64(1), events[2].Sequence)
	assert.True(t, events[1].Timestamp.Equal(events[2].Timestamp))
	assert.Equal(t, domain.EventTypeExecutionCompleted, events[3].Type)

	for i := 1; i < len(events); i++ {
		assert.True(t, events[i-1].Cursor().Less(events[i].Cursor()), "events out of order at %d", i)
	}

	pos, err = s.LastEventPosition(ctx, execID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Timestamp.Equal(sec.Add(2*time.Second)))
	assert.Equal(t, int64(0), pos.Sequence)
}

// A second writer reusing a position is rejected instead of interleaving.
func testEventPositionUnique(t *testing.T, s repository.Store) {
	ctx := context.Background()
	execID := "exec_00000000000d"
	createExecution(t, s, execID, time.Now())
	createExecution(t, s, "exec_00000000000e", time.Now())

	sec := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	appendEvent(t, s, execID, sec, 0, domain.EventTypeExecutionStarted, "")

	err := s.AppendEvent(ctx, &domain.Event{
		ExecutionID: execID,
		Timestamp:   sec,
		Sequence:    0,
		Type:        domain.EventTypeNodeStarted,
		NodeID:      "A",
		Payload:     json.RawMessage(`{}`),
	})
	assert.Error(t, err)

	// same position in another execution is fine
	appendEvent(t, s, "exec_00000000000e", sec, 0, domain.EventTypeExecutionStarted, "")

	events, err := s.ListEvents(ctx, execID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testEventCursor(t *testing.T, s repository.Store) {
	ctx := context.Background()
	execID := "exec_00000000000b"
	createExecution(t, s, execID, time.Now())
	createExecution(t, s, "exec_00000000000c", time.Now())

	sec := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := int64(0); i < 5; i++ {
		appendEvent(t, s, execID, sec, i, domain.EventTypeNodeStarted, "A")
	}
	appendEvent(t, s, execID, sec.Add(time.Second), 0, domain.EventTypeExecutionCompleted, "")
	appendEvent(t, s, "exec_00000000000c", sec, 0, domain.EventTypeExecutionStarted, "")

	all, err := s.ListEvents(ctx, execID, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)

	cursor := all[2].Cursor()
	suffix, err := s.ListEvents(ctx, execID, &cursor, 0)
	require.NoError(t, err)
	assert.Equal(t, all[3:], suffix)

	page, err := s.ListEvents(ctx, execID, nil, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	last := all[5].Cursor()
	rest, err := s.ListEvents(ctx, execID, &last, 0)
	require.NoError(t, err)
	assert.Empty(t, rest)
}
