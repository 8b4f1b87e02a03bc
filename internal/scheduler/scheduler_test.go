package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/eventlog"
	"github.com/catface996/aiops-executor/internal/repository"
	"github.com/catface996/aiops-executor/internal/scheduler"
	"github.com/catface996/aiops-executor/internal/state"
	"github.com/catface996/aiops-executor/tests/helpers"
)

type fixture struct {
	store *repository.SQLiteStore
	log   *eventlog.Log
	sched *scheduler.Scheduler
}

func newFixture(t *testing.T, exec scheduler.Executor, cfg scheduler.Config) *fixture {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	l := eventlog.New(store)
	return &fixture{store: store, log: l, sched: scheduler.New(store, l, exec, cfg)}
}

// nodes builds execution nodes from "id:dep,dep" specs.
func nodes(execID string, specs map[string][]string, order ...string) []domain.ExecutionNode {
	out := make([]domain.ExecutionNode, 0, len(order))
	for i, id := range order {
		out = append(out, domain.ExecutionNode{
			ExecutionID:  execID,
			NodeID:       id,
			Name:         "node " + id,
			Kind:         domain.NodeKindSubTeam,
			Position:     i,
			Dependencies: specs[id],
			Status:       domain.NodeStatusPending,
		})
	}
	return out
}

func (f *fixture) start(t *testing.T, execID string, cfg domain.ExecutionConfig, ns []domain.ExecutionNode) *scheduler.Handle {
	t.Helper()
	exec := &domain.Execution{
		ExecutionID: execID,
		TeamID:      "ht_test00001",
		Status:      domain.ExecutionStatusCreated,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateExecution(context.Background(), exec, ns))
	h, err := f.sched.Start(context.Background(), scheduler.Plan{Execution: exec, Nodes: ns})
	require.NoError(t, err)
	return h
}

func wait(t *testing.T, h *scheduler.Handle) domain.ExecutionStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := h.Wait(ctx)
	require.NoError(t, err, "execution did not finish")
	return status
}

func (f *fixture) events(t *testing.T, execID string) []domain.Event {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), execID, nil, 0)
	require.NoError(t, err)
	return events
}

func (f *fixture) waitForEvent(t *testing.T, execID string, typ domain.EventType, nodeID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		events, err := f.store.ListEvents(context.Background(), execID, nil, 0)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Type == typ && ev.NodeID == nodeID {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "missing %s for %q", typ, nodeID)
}

func kinds(events []domain.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.NodeID == "" {
			out = append(out, string(ev.Type))
		} else {
			out = append(out, string(ev.Type)+":"+ev.NodeID)
		}
	}
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// gate lets a test decide when and how each node finishes.
type gate struct {
	mu      sync.Mutex
	release map[string]chan error
	started chan string
}

func newGate(ids ...string) *gate {
	g := &gate{release: make(map[string]chan error), started: make(chan string, 64)}
	for _, id := range ids {
		g.release[id] = make(chan error, 1)
	}
	return g
}

func (g *gate) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	g.mu.Lock()
	ch := g.release[task.Node.NodeID]
	g.mu.Unlock()
	g.started <- task.Node.NodeID
	select {
	case err := <-ch:
		if err != nil {
			return nil, err
		}
		return json.RawMessage(fmt.Sprintf(`{"node":%q}`, task.Node.NodeID)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) finish(id string, err error) { g.release[id] <- err }

func (g *gate) awaitStarted(t *testing.T, ids ...string) {
	t.Helper()
	want := make(map[string]bool)
	for _, id := range ids {
		want[id] = true
	}
	timeout := time.After(5 * time.Second)
	for len(want) > 0 {
		select {
		case id := <-g.started:
			delete(want, id)
		case <-timeout:
			t.Fatalf("nodes never started: %v", want)
		}
	}
}

var abc = map[string][]string{"C": {"A", "B"}}

func TestIndependentNodesThenJoin(t *testing.T) {
	g := newGate("A", "B", "C")
	f := newFixture(t, g, scheduler.Config{MaxParallel: 4})
	h := f.start(t, "exec_abc000000001", domain.ExecutionConfig{}, nodes("exec_abc000000001", abc, "A", "B", "C"))

	g.awaitStarted(t, "A", "B")
	g.finish("A", nil)
	g.finish("B", nil)
	g.awaitStarted(t, "C")
	g.finish("C", nil)

	assert.Equal(t, domain.ExecutionStatusCompleted, wait(t, h))

	got := kinds(f.events(t, "exec_abc000000001"))
	require.Len(t, got, 8)
	assert.Equal(t, "execution_started", got[0])
	assert.Equal(t, "execution_completed", got[7])
	cStart := indexOf(got, "node_started:C")
	assert.Greater(t, cStart, indexOf(got, "node_succeeded:A"))
	assert.Greater(t, cStart, indexOf(got, "node_succeeded:B"))

	rows, err := f.store.ListNodes(context.Background(), "exec_abc000000001")
	require.NoError(t, err)
	for _, n := range rows {
		assert.Equal(t, domain.NodeStatusSucceeded, n.Status, n.NodeID)
	}
	exec, err := f.store.GetExecution(context.Background(), "exec_abc000000001")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
}

func TestFailedDependencySkipsJoin(t *testing.T) {
	g := newGate("A", "B", "C")
	f := newFixture(t, g, scheduler.Config{MaxParallel: 4})
	execID := "exec_abc000000002"
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, abc, "A", "B", "C"))

	g.awaitStarted(t, "A", "B")
	g.finish("B", nil)
	f.waitForEvent(t, execID, domain.EventTypeNodeSucceeded, "B")
	g.finish("A", errors.New("upstream unavailable"))

	assert.Equal(t, domain.ExecutionStatusFailed, wait(t, h))

	got := kinds(f.events(t, execID))
	assert.Equal(t, []string{
		"execution_started",
		"node_started:A",
		"node_started:B",
		"node_succeeded:B",
		"node_failed:A",
		"node_skipped:C",
		"execution_failed",
	}, got)

	events := f.events(t, execID)
	var skipped domain.NodeSkippedPayload
	require.NoError(t, json.Unmarshal(events[5].Payload, &skipped))
	assert.Equal(t, domain.ReasonDependencyFailed, skipped.Reason)
	assert.Equal(t, "A", skipped.Dependency)

	var failed domain.NodeFailedPayload
	require.NoError(t, json.Unmarshal(events[4].Payload, &failed))
	assert.Equal(t, domain.ReasonExecutorError, failed.Reason)
	assert.Contains(t, failed.Error, "upstream unavailable")
}

func TestSkipPropagatesTransitively(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		if task.Node.NodeID == "A" {
			return nil, &domain.NodeExecutionError{NodeID: "A", Reason: domain.ReasonPolicyDenied}
		}
		return json.RawMessage(`{}`), nil
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 2})
	execID := "exec_chain0000001"
	specs := map[string][]string{"B": {"A"}, "C": {"B"}}
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, specs, "A", "B", "C", "D"))

	assert.Equal(t, domain.ExecutionStatusFailed, wait(t, h))

	got := kinds(f.events(t, execID))
	assert.NotContains(t, got, "node_started:B")
	assert.NotContains(t, got, "node_started:C")
	assert.Contains(t, got, "node_skipped:B")
	assert.Contains(t, got, "node_skipped:C")
	assert.Contains(t, got, "node_succeeded:D")

	events := f.events(t, execID)
	for _, ev := range events {
		if ev.Type == domain.EventTypeNodeFailed {
			var p domain.NodeFailedPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			assert.Equal(t, domain.ReasonPolicyDenied, p.Reason)
		}
	}
}

func TestEveryNodeEndsTerminalAndReplayMatches(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		if task.Node.NodeID == "B" {
			return nil, errors.New("boom")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 3})
	execID := "exec_replay000001"
	specs := map[string][]string{"C": {"A"}, "D": {"B"}, "E": {"C", "D"}, "F": {"C"}}
	order := []string{"A", "B", "C", "D", "E", "F"}
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, specs, order...))

	final := wait(t, h)
	assert.Equal(t, domain.ExecutionStatusFailed, final)

	rows, err := f.store.ListNodes(context.Background(), execID)
	require.NoError(t, err)

	m, err := state.Replay(execID, order, state.Events(f.events(t, execID)))
	require.NoError(t, err)
	assert.Equal(t, final, m.Execution())
	for _, n := range rows {
		assert.True(t, n.Status.IsTerminal(), "node %s is %s", n.NodeID, n.Status)
		assert.Equal(t, n.Status, m.Node(n.NodeID), n.NodeID)
	}
	assert.Equal(t, domain.NodeStatusSucceeded, m.Node("F"))
	assert.Equal(t, domain.NodeStatusSkipped, m.Node("E"))
}

func TestDependencyResultsReachTask(t *testing.T) {
	var got map[string]json.RawMessage
	var mu sync.Mutex
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		if task.Node.NodeID == "C" {
			mu.Lock()
			got = task.Dependencies
			mu.Unlock()
		}
		return json.RawMessage(fmt.Sprintf(`{"from":%q}`, task.Node.NodeID)), nil
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 2})
	execID := "exec_deps00000001"
	h := f.start(t, execID, domain.ExecutionConfig{SaveIntermediateResults: true}, nodes(execID, abc, "A", "B", "C"))
	assert.Equal(t, domain.ExecutionStatusCompleted, wait(t, h))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"from":"A"}`, string(got["A"]))

	for _, ev := range f.events(t, execID) {
		if ev.Type == domain.EventTypeNodeSucceeded {
			var p domain.NodeSucceededPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			assert.NotEmpty(t, p.Result)
		}
	}
}

func TestCancelFailsRunningAndSkipsPending(t *testing.T) {
	g := newGate("A", "B")
	f := newFixture(t, g, scheduler.Config{MaxParallel: 2})
	execID := "exec_cancel000001"
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, map[string][]string{"B": {"A"}}, "A", "B"))

	g.awaitStarted(t, "A")
	require.NoError(t, f.sched.Cancel(context.Background(), execID))
	assert.Equal(t, domain.ExecutionStatusCancelled, wait(t, h))

	got := kinds(f.events(t, execID))
	assert.Equal(t, []string{
		"execution_started",
		"node_started:A",
		"node_failed:A",
		"node_skipped:B",
		"execution_cancelled",
	}, got)

	events := f.events(t, execID)
	var p domain.NodeFailedPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &p))
	assert.Equal(t, domain.ReasonCancelled, p.Reason)

	err := f.sched.Cancel(context.Background(), execID)
	assert.True(t, domain.IsAlreadyTerminal(err), "got %v", err)

	err = f.sched.Cancel(context.Background(), "exec_unknown")
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestNodeTimeoutIsFailure(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 1, NodeTimeout: 20 * time.Millisecond})
	execID := "exec_timeout00001"
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, nil, "A"))

	assert.Equal(t, domain.ExecutionStatusFailed, wait(t, h))
	events := f.events(t, execID)
	require.Len(t, events, 4)
	var p domain.NodeFailedPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &p))
	assert.Equal(t, domain.ReasonTimeout, p.Reason)
}

func TestNodeTimeoutWithExecutorIgnoringContext(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		time.Sleep(300 * time.Millisecond)
		return json.RawMessage(`{"late":true}`), nil
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 1, NodeTimeout: 20 * time.Millisecond})
	execID := "exec_timeout00002"
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, map[string][]string{"B": {"A"}}, "A", "B"))

	assert.Equal(t, domain.ExecutionStatusFailed, wait(t, h))
	events := f.events(t, execID)
	assert.Equal(t, []string{"execution_started", "node_started:A", "node_failed:A", "node_skipped:B", "execution_failed"}, kinds(events))
	var p domain.NodeFailedPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &p))
	assert.Equal(t, domain.ReasonTimeout, p.Reason)

	rows, err := f.store.ListNodes(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.NodeStatusFailed, rows[0].Status)
	assert.Empty(t, rows[0].Result)

	// the abandoned executor finishing later changes nothing
	time.Sleep(350 * time.Millisecond)
	assert.Len(t, f.events(t, execID), 5)
}

func TestNodeTimeoutWithExecutorThatNeverReturns(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		<-block
		return nil, nil
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 1, NodeTimeout: 20 * time.Millisecond})
	execID := "exec_timeout00003"
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, nil, "A"))

	assert.Equal(t, domain.ExecutionStatusFailed, wait(t, h))
	assert.Contains(t, kinds(f.events(t, execID)), "node_failed:A")
}

func TestExecutorPanicFailsNode(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		panic("nil agent")
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 1})
	execID := "exec_panic0000001"
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, nil, "A"))

	assert.Equal(t, domain.ExecutionStatusFailed, wait(t, h))
	assert.Contains(t, kinds(f.events(t, execID)), "node_failed:A")
}

func TestConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	})
	f := newFixture(t, exec, scheduler.Config{MaxParallel: 8})
	execID := "exec_limit0000001"
	order := []string{"n1", "n2", "n3", "n4", "n5", "n6"}
	h := f.start(t, execID, domain.ExecutionConfig{MaxParallelNodes: 2}, nodes(execID, nil, order...))

	assert.Equal(t, domain.ExecutionStatusCompleted, wait(t, h))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestConcurrentCompletionsGetUniquePositions(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	f := newFixture(t, exec, scheduler.Config{})
	execID := "exec_unique000001"
	order := make([]string, 20)
	for i := range order {
		order[i] = fmt.Sprintf("n%02d", i)
	}
	h := f.start(t, execID, domain.ExecutionConfig{}, nodes(execID, nil, order...))
	assert.Equal(t, domain.ExecutionStatusCompleted, wait(t, h))

	events := f.events(t, execID)
	require.Len(t, events, 2+2*len(order))
	seen := make(map[domain.Cursor]bool)
	for i, ev := range events {
		assert.False(t, seen[ev.Cursor()], "duplicate position %s", ev.Cursor())
		seen[ev.Cursor()] = true
		if i > 0 {
			assert.True(t, events[i-1].Cursor().Less(ev.Cursor()))
		}
	}
}

// flakyLog fails every append after the first n.
type flakyLog struct {
	*eventlog.Log
	remaining atomic.Int32
}

func (l *flakyLog) Append(ctx context.Context, executionID string, eventType domain.EventType, nodeID string, payload any) (domain.Event, error) {
	if l.remaining.Add(-1) < 0 {
		return domain.Event{}, errors.New("disk full")
	}
	return l.Log.Append(ctx, executionID, eventType, nodeID, payload)
}

func TestEventLogFailureHaltsExecution(t *testing.T) {
	var calls atomic.Int32
	exec := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	})
	store := helpers.NewTestSQLiteStore(t)
	l := &flakyLog{Log: eventlog.New(store)}
	l.remaining.Store(2)
	sched := scheduler.New(store, l, exec, scheduler.Config{MaxParallel: 1})

	execID := "exec_halt00000001"
	ns := nodes(execID, map[string][]string{"B": {"A"}}, "A", "B")
	e := &domain.Execution{ExecutionID: execID, TeamID: "ht_test00001", Status: domain.ExecutionStatusCreated, CreatedAt: time.Now()}
	require.NoError(t, store.CreateExecution(context.Background(), e, ns))
	h, err := sched.Start(context.Background(), scheduler.Plan{Execution: e, Nodes: ns})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionStatusFailed, wait(t, h))
	assert.Equal(t, int32(1), calls.Load(), "B must never be dispatched")

	events, err := store.ListEvents(context.Background(), execID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	row, err := store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, row.Status)
	assert.Contains(t, row.Error, domain.ReasonEventLogUnavailable)

	// no node row is left pending or running
	rows, err := store.ListNodes(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.NodeStatusFailed, rows[0].Status)
	assert.Equal(t, domain.ReasonEventLogUnavailable, rows[0].Error)
	require.NotNil(t, rows[0].EndedAt)
	assert.Equal(t, domain.NodeStatusSkipped, rows[1].Status)

	row, err = store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	require.NoError(t, sched.Recover(context.Background(), row, rows))
	rows, err = store.ListNodes(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusFailed, rows[0].Status)
	assert.Equal(t, domain.NodeStatusSkipped, rows[1].Status)
}

func TestStartRejectsCycleWithoutEvents(t *testing.T) {
	f := newFixture(t, scheduler.ExecutorFunc(nil), scheduler.Config{})
	execID := "exec_cycle0000001"
	ns := nodes(execID, map[string][]string{"A": {"B"}, "B": {"A"}}, "A", "B")
	_, err := f.sched.Start(context.Background(), scheduler.Plan{
		Execution: &domain.Execution{ExecutionID: execID},
		Nodes:     ns,
	})
	assert.True(t, domain.IsConfigurationError(err))
	assert.Empty(t, f.events(t, execID))
}

func TestRecoverOrphanedExecution(t *testing.T) {
	f := newFixture(t, scheduler.ExecutorFunc(nil), scheduler.Config{})
	ctx := context.Background()
	execID := "exec_orphan000001"
	ns := nodes(execID, map[string][]string{"B": {"A"}}, "A", "B")
	e := &domain.Execution{ExecutionID: execID, TeamID: "ht_test00001", Status: domain.ExecutionStatusCreated, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateExecution(ctx, e, ns))

	// simulate a process that died with A running
	_, err := f.log.Append(ctx, execID, domain.EventTypeExecutionStarted, "", nil)
	require.NoError(t, err)
	_, err = f.log.Append(ctx, execID, domain.EventTypeNodeStarted, "A", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateExecutionStatus(ctx, execID, domain.ExecutionStatusRunning, "", time.Now()))
	ns[0].Status = domain.NodeStatusRunning
	require.NoError(t, f.store.UpdateNode(ctx, &ns[0]))
	f.log.Release(execID)

	e, err = f.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	rows, err := f.store.ListNodes(ctx, execID)
	require.NoError(t, err)
	require.NoError(t, f.sched.Recover(ctx, e, rows))

	got := kinds(f.events(t, execID))
	assert.Equal(t, []string{"execution_started", "node_started:A", "node_failed:A", "node_skipped:B", "execution_failed"}, got)

	m, err := state.Replay(execID, []string{"A", "B"}, state.Events(f.events(t, execID)))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, m.Execution())

	e, err = f.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, e.Status)
	assert.Equal(t, domain.ReasonOrchestratorRestarted, e.Error)
}
