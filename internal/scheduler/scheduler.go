// Package scheduler drives executions: it dispatches ready nodes to an
// executor, records every transition in the event log and derives the
// terminal execution status.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/graph"
	"github.com/catface996/aiops-executor/internal/log"
)

// Executor runs one node. Implementations must honour ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task domain.Task) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Store is the row storage the scheduler writes status to.
type Store interface {
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, errMsg string, at time.Time) error
	UpdateNode(ctx context.Context, node *domain.ExecutionNode) error
}

// EventLog is the append side of the event log.
type EventLog interface {
	Append(ctx context.Context, executionID string, eventType domain.EventType, nodeID string, payload any) (domain.Event, error)
	Release(executionID string)
}

// Config holds scheduler defaults; executions may override both.
type Config struct {
	MaxParallel int
	NodeTimeout time.Duration
}

// Plan is everything needed to run an execution. Nodes must be in
// declaration order and already validated as a DAG.
type Plan struct {
	Execution *domain.Execution
	Team      *domain.Team
	Nodes     []domain.ExecutionNode
}

// Scheduler owns the dispatch loops of the executions started in this process.
type Scheduler struct {
	store    Store
	events   EventLog
	executor Executor
	cfg      Config
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a scheduler.
func New(store Store, events EventLog, executor Executor, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		events:   events,
		executor: executor,
		cfg:      cfg,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
}

// Start launches the dispatch loop of an execution and returns at once. The
// loop outlives ctx; use Cancel to stop it.
func (s *Scheduler) Start(ctx context.Context, plan Plan) (*Handle, error) {
	if plan.Execution == nil || len(plan.Nodes) == 0 {
		return nil, domain.InvalidConfig("execution has no nodes")
	}
	g, err := graph.Build(graph.FromExecutionNodes(plan.Nodes))
	if err != nil {
		return nil, err
	}

	execID := plan.Execution.ExecutionID
	s.mu.Lock()
	if _, ok := s.runs[execID]; ok {
		s.mu.Unlock()
		return nil, errors.Errorf("execution %s is already running", execID)
	}
	r := newRun(s, plan, g)
	s.runs[execID] = r
	s.mu.Unlock()

	go r.loop(context.WithoutCancel(ctx))
	return r.handle, nil
}

// Cancel requests cooperative cancellation. The loop observes the request
// before its next dispatch cycle; an execution that finishes first keeps
// its own terminal status.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	r, ok := s.runs[executionID]
	s.mu.Unlock()

	if ok {
		if status := r.handle.Status(); status.IsTerminal() {
			return &domain.AlreadyTerminalError{ExecutionID: executionID, Status: status}
		}
		r.requestCancel()
		return nil
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return errors.Wrapf(err, "load execution %s", executionID)
	}
	if exec == nil {
		return &domain.NotFoundError{Resource: "execution", ID: executionID}
	}
	if exec.Status.IsTerminal() {
		return &domain.AlreadyTerminalError{ExecutionID: executionID, Status: exec.Status}
	}
	// persisted as live but no loop in this process owns it
	return &domain.NotFoundError{Resource: "running execution", ID: executionID}
}

// Handle returns the handle of a live execution.
func (s *Scheduler) Handle(executionID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[executionID]
	if !ok {
		return nil, false
	}
	return r.handle, true
}

// Running returns the number of live dispatch loops.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown cancels every live execution and waits for the loops to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.runs))
	for _, r := range s.runs {
		r.requestCancel()
		handles = append(handles, r.handle)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Recover closes out an execution left created or running by a previous
// process: running nodes fail, pending nodes are skipped and the execution
// fails, all with reason orchestrator_restarted.
func (s *Scheduler) Recover(ctx context.Context, exec *domain.Execution, nodes []domain.ExecutionNode) error {
	if exec.Status.IsTerminal() {
		return nil
	}
	logger := log.WithExecution(exec.ExecutionID)
	defer s.events.Release(exec.ExecutionID)

	now := s.now().UTC()
	var c finishedCounts
	for i := range nodes {
		node := &nodes[i]
		switch node.Status {
		case domain.NodeStatusRunning:
			if _, err := s.events.Append(ctx, exec.ExecutionID, domain.EventTypeNodeFailed, node.NodeID,
				domain.NodeFailedPayload{Reason: domain.ReasonOrchestratorRestarted}); err != nil {
				return errors.Wrapf(err, "recover node %s", node.NodeID)
			}
			node.Status = domain.NodeStatusFailed
			node.Error = domain.ReasonOrchestratorRestarted
		case domain.NodeStatusPending:
			if _, err := s.events.Append(ctx, exec.ExecutionID, domain.EventTypeNodeSkipped, node.NodeID,
				domain.NodeSkippedPayload{Reason: domain.ReasonOrchestratorRestarted}); err != nil {
				return errors.Wrapf(err, "recover node %s", node.NodeID)
			}
			node.Status = domain.NodeStatusSkipped
		}
		c.add(node.Status)
		if node.EndedAt == nil && node.Status.IsTerminal() {
			node.EndedAt = &now
			if err := s.store.UpdateNode(ctx, node); err != nil {
				logger.WithError(err).WithField("node_id", node.NodeID).Warn("Failed to update recovered node")
			}
		}
	}

	if _, err := s.events.Append(ctx, exec.ExecutionID, domain.EventTypeExecutionFailed, "", domain.ExecutionFinishedPayload{
		Status:    domain.ExecutionStatusFailed,
		Succeeded: c.succeeded,
		Failed:    c.failed,
		Skipped:   c.skipped,
		Reason:    domain.ReasonOrchestratorRestarted,
	}); err != nil {
		return errors.Wrap(err, "recover execution")
	}
	if err := s.store.UpdateExecutionStatus(ctx, exec.ExecutionID, domain.ExecutionStatusFailed, domain.ReasonOrchestratorRestarted, now); err != nil {
		logger.WithError(err).Warn("Failed to update recovered execution")
	}
	logger.Info("Recovered orphaned execution")
	return nil
}

func (s *Scheduler) remove(executionID string) {
	s.mu.Lock()
	delete(s.runs, executionID)
	s.mu.Unlock()
}

type finishedCounts struct {
	succeeded, failed, skipped int
}

func (c *finishedCounts) add(status domain.NodeStatus) {
	switch status {
	case domain.NodeStatusSucceeded:
		c.succeeded++
	case domain.NodeStatusFailed:
		c.failed++
	case domain.NodeStatusSkipped:
		c.skipped++
	}
}

// Handle observes one execution started by this scheduler.
type Handle struct {
	ExecutionID string

	done   chan struct{}
	mu     sync.RWMutex
	status domain.ExecutionStatus
}

func newHandle(executionID string) *Handle {
	return &Handle{
		ExecutionID: executionID,
		done:        make(chan struct{}),
		status:      domain.ExecutionStatusCreated,
	}
}

// Done is closed when the dispatch loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the last status the loop reached.
func (h *Handle) Status() domain.ExecutionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Wait blocks until the loop exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (domain.ExecutionStatus, error) {
	select {
	case <-h.done:
		return h.Status(), nil
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
}

func (h *Handle) setStatus(status domain.ExecutionStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}
