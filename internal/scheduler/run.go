package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/graph"
	"github.com/catface996/aiops-executor/internal/log"
	"github.com/catface996/aiops-executor/internal/metrics"
	"github.com/catface996/aiops-executor/internal/state"
)

// completion is what a node goroutine reports back to the loop.
type completion struct {
	nodeID   string
	result   json.RawMessage
	err      error
	timedOut bool
	duration time.Duration
}

// run is the state of one execution's dispatch loop. Everything except
// cancelled and wake is owned by the loop goroutine.
type run struct {
	s       *Scheduler
	exec    *domain.Execution
	team    *domain.Team
	graph   *graph.Graph
	machine *state.Machine
	nodes   map[string]*domain.ExecutionNode
	handle  *Handle
	logger  *logrus.Entry

	limit       int64
	nodeTimeout time.Duration
	sem         *semaphore.Weighted
	completions chan completion
	inflight    map[string]context.CancelFunc
	started     map[string]time.Time
	results     map[string]json.RawMessage
	startedAt   time.Time

	cancelled atomic.Bool
	wake      chan struct{}
	halted    bool
}

func newRun(s *Scheduler, plan Plan, g *graph.Graph) *run {
	exec := *plan.Execution
	nodes := make(map[string]*domain.ExecutionNode, len(plan.Nodes))
	ids := make([]string, 0, len(plan.Nodes))
	for i := range plan.Nodes {
		n := plan.Nodes[i]
		nodes[n.NodeID] = &n
		ids = append(ids, n.NodeID)
	}

	limit := int64(s.cfg.MaxParallel)
	if exec.Config.MaxParallelNodes > 0 {
		limit = int64(exec.Config.MaxParallelNodes)
	}
	if limit <= 0 {
		limit = int64(len(ids))
	}
	timeout := s.cfg.NodeTimeout
	if exec.Config.TimeoutSeconds > 0 {
		timeout = time.Duration(exec.Config.TimeoutSeconds) * time.Second
	}

	return &run{
		s:           s,
		exec:        &exec,
		team:        plan.Team,
		graph:       g,
		machine:     state.NewMachine(exec.ExecutionID, ids),
		nodes:       nodes,
		handle:      newHandle(exec.ExecutionID),
		logger:      log.WithExecution(exec.ExecutionID).WithField("team_id", exec.TeamID),
		limit:       limit,
		nodeTimeout: timeout,
		sem:         semaphore.NewWeighted(limit),
		completions: make(chan completion, len(ids)),
		inflight:    make(map[string]context.CancelFunc),
		started:     make(map[string]time.Time),
		results:     make(map[string]json.RawMessage),
		wake:        make(chan struct{}, 1),
	}
}

func (r *run) requestCancel() {
	r.cancelled.Store(true)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) loop(ctx context.Context) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	metrics.ExecutionsRunning.Inc()
	defer func() {
		metrics.ExecutionsRunning.Dec()
		r.s.events.Release(r.exec.ExecutionID)
		r.s.remove(r.exec.ExecutionID)
		close(r.handle.done)
	}()

	if !r.begin(ctx) {
		return
	}

	for {
		if r.cancelled.Load() {
			r.cancelAll(ctx)
			return
		}

		r.dispatch(ctx, runCtx)
		if r.halted {
			return
		}

		if status, done := r.machine.Outcome(); done {
			r.finish(ctx, status, "")
			return
		}

		if len(r.inflight) == 0 {
			// nothing is running and nothing could be dispatched
			r.skipStranded(ctx)
			if r.halted {
				return
			}
			continue
		}

		select {
		case c := <-r.completions:
			r.complete(ctx, c)
			if r.halted {
				return
			}
		case <-r.wake:
		}
	}
}

func (r *run) begin(ctx context.Context) bool {
	r.startedAt = r.s.now().UTC()
	if err := r.machine.StartExecution(); err != nil {
		r.logger.WithError(err).Error("Execution cannot start")
		return false
	}
	if !r.emit(ctx, domain.EventTypeExecutionStarted, "", domain.ExecutionStartedPayload{
		TeamID:     r.exec.TeamID,
		TotalNodes: len(r.nodes),
		Config:     r.exec.Config,
	}) {
		return false
	}
	r.handle.setStatus(domain.ExecutionStatusRunning)
	if err := r.s.store.UpdateExecutionStatus(ctx, r.exec.ExecutionID, domain.ExecutionStatusRunning, "", r.startedAt); err != nil {
		r.logger.WithError(err).Warn("Failed to persist running status")
	}
	r.logger.WithField("nodes", len(r.nodes)).Info("Execution started")
	return true
}

// dispatch starts every ready node the concurrency limit admits, in
// declaration order.
func (r *run) dispatch(ctx, runCtx context.Context) {
	completed := make(map[string]bool)
	dispatched := make(map[string]bool)
	for id := range r.nodes {
		switch r.machine.Node(id) {
		case domain.NodeStatusSucceeded:
			completed[id] = true
			dispatched[id] = true
		case domain.NodeStatusPending:
		default:
			dispatched[id] = true
		}
	}

	for _, id := range r.graph.ReadyNodes(completed, dispatched) {
		if !r.sem.TryAcquire(1) {
			return
		}
		if !r.startNode(ctx, runCtx, id) {
			r.sem.Release(1)
			return
		}
	}
}

func (r *run) startNode(ctx, runCtx context.Context, id string) bool {
	node := r.nodes[id]
	if err := r.machine.StartNode(id); err != nil {
		r.logger.WithError(err).WithField("node_id", id).Error("Node cannot start")
		return false
	}
	if !r.emit(ctx, domain.EventTypeNodeStarted, id, domain.NodeStartedPayload{Name: node.Name, Kind: node.Kind}) {
		return false
	}

	now := r.s.now().UTC()
	r.started[id] = now
	node.Status = domain.NodeStatusRunning
	node.StartedAt = &now
	r.saveNode(ctx, node)

	task := domain.Task{
		ExecutionID:  r.exec.ExecutionID,
		TeamID:       r.exec.TeamID,
		Node:         *node,
		Input:        r.exec.Config.Input,
		Dependencies: make(map[string]json.RawMessage),
	}
	if r.team != nil {
		if st, ok := r.team.SubTeam(id); ok {
			task.SubTeam = st
		}
	}
	for _, dep := range r.graph.Dependencies(id) {
		if res, ok := r.results[dep]; ok {
			task.Dependencies[dep] = res
		}
	}

	var nodeCtx context.Context
	var cancel context.CancelFunc
	if r.nodeTimeout > 0 {
		nodeCtx, cancel = context.WithTimeout(runCtx, r.nodeTimeout)
	} else {
		nodeCtx, cancel = context.WithCancel(runCtx)
	}
	r.inflight[id] = cancel

	r.logger.WithField("node_id", id).Debug("Node dispatched")
	go r.execute(nodeCtx, task)
	return true
}

// execute reports exactly one completion for the node. The deadline is
// enforced here: an executor that outlives it is abandoned and its late
// result discarded.
func (r *run) execute(ctx context.Context, task domain.Task) {
	start := time.Now()
	done := make(chan completion, 1)
	go func() {
		c := completion{nodeID: task.Node.NodeID}
		defer func() {
			if p := recover(); p != nil {
				c.result = nil
				c.err = fmt.Errorf("executor panic: %v", p)
			}
			done <- c
		}()
		c.result, c.err = r.s.executor.Execute(ctx, task)
	}()

	var c completion
	select {
	case c = <-done:
	case <-ctx.Done():
		c = completion{nodeID: task.Node.NodeID, err: ctx.Err()}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.timedOut = true
		c.result = nil
		c.err = errors.Wrapf(context.DeadlineExceeded, "node %s timed out after %s", task.Node.NodeID, r.nodeTimeout)
	}
	c.duration = time.Since(start)
	r.completions <- c
}

func (r *run) complete(ctx context.Context, c completion) {
	cancel, ok := r.inflight[c.nodeID]
	if !ok {
		return
	}
	cancel()
	delete(r.inflight, c.nodeID)
	r.sem.Release(1)

	if r.cancelled.Load() {
		// the cancel path fails every running node; the result is discarded
		return
	}

	node := r.nodes[c.nodeID]
	logger := r.logger.WithField("node_id", c.nodeID)
	now := r.s.now().UTC()
	node.EndedAt = &now

	if c.err == nil {
		if err := r.machine.SucceedNode(c.nodeID); err != nil {
			logger.WithError(err).Error("Node cannot succeed")
			return
		}
		payload := domain.NodeSucceededPayload{DurationMs: c.duration.Milliseconds()}
		if r.exec.Config.SaveIntermediateResults {
			payload.Result = c.result
		}
		if !r.emit(ctx, domain.EventTypeNodeSucceeded, c.nodeID, payload) {
			return
		}
		r.results[c.nodeID] = c.result
		node.Status = domain.NodeStatusSucceeded
		node.Result = c.result
		r.saveNode(ctx, node)
		r.observeNode(node, c.duration)
		logger.WithField("duration_ms", c.duration.Milliseconds()).Info("Node succeeded")
		return
	}

	reason := domain.ReasonExecutorError
	var nodeErr *domain.NodeExecutionError
	switch {
	case c.timedOut:
		reason = domain.ReasonTimeout
	case errors.As(c.err, &nodeErr) && nodeErr.Reason != "":
		reason = nodeErr.Reason
	}
	if err := r.machine.FailNode(c.nodeID); err != nil {
		logger.WithError(err).Error("Node cannot fail")
		return
	}
	if !r.emit(ctx, domain.EventTypeNodeFailed, c.nodeID, domain.NodeFailedPayload{
		Reason:     reason,
		Error:      c.err.Error(),
		DurationMs: c.duration.Milliseconds(),
	}) {
		return
	}
	node.Status = domain.NodeStatusFailed
	node.Error = c.err.Error()
	r.saveNode(ctx, node)
	r.observeNode(node, c.duration)
	logger.WithError(c.err).WithField("reason", reason).Warn("Node failed")

	r.skipDescendants(ctx, c.nodeID)
}

// skipDescendants skips every pending node that transitively depends on id.
func (r *run) skipDescendants(ctx context.Context, id string) {
	for _, d := range r.graph.Descendants(id) {
		if r.machine.Node(d) != domain.NodeStatusPending {
			continue
		}
		if !r.skip(ctx, d, domain.NodeSkippedPayload{Reason: domain.ReasonDependencyFailed, Dependency: id}) {
			return
		}
	}
}

// skipStranded skips pending nodes that can never become ready.
func (r *run) skipStranded(ctx context.Context) {
	for _, id := range r.machine.NodesIn(domain.NodeStatusPending) {
		payload := domain.NodeSkippedPayload{Reason: domain.ReasonDependencyFailed}
		for _, dep := range r.graph.Dependencies(id) {
			if r.machine.Node(dep) != domain.NodeStatusSucceeded {
				payload.Dependency = dep
				break
			}
		}
		if !r.skip(ctx, id, payload) {
			return
		}
	}
}

func (r *run) skip(ctx context.Context, id string, payload domain.NodeSkippedPayload) bool {
	if err := r.machine.SkipNode(id); err != nil {
		r.logger.WithError(err).WithField("node_id", id).Error("Node cannot be skipped")
		return true
	}
	if !r.emit(ctx, domain.EventTypeNodeSkipped, id, payload) {
		return false
	}
	node := r.nodes[id]
	now := r.s.now().UTC()
	node.Status = domain.NodeStatusSkipped
	node.EndedAt = &now
	node.Error = payload.Reason
	r.saveNode(ctx, node)
	metrics.NodesTotal.WithLabelValues(string(domain.NodeStatusSkipped)).Inc()
	return true
}

// cancelAll fails running nodes and skips pending ones, then cancels the
// execution.
func (r *run) cancelAll(ctx context.Context) {
	r.logger.Info("Cancelling execution")
	now := r.s.now().UTC()

	for _, id := range r.machine.NodesIn(domain.NodeStatusRunning) {
		if cancel, ok := r.inflight[id]; ok {
			cancel()
			delete(r.inflight, id)
		}
		if err := r.machine.FailNode(id); err != nil {
			r.logger.WithError(err).WithField("node_id", id).Error("Node cannot fail")
			continue
		}
		var duration time.Duration
		if started, ok := r.started[id]; ok {
			duration = now.Sub(started)
		}
		if !r.emit(ctx, domain.EventTypeNodeFailed, id, domain.NodeFailedPayload{
			Reason:     domain.ReasonCancelled,
			DurationMs: duration.Milliseconds(),
		}) {
			return
		}
		node := r.nodes[id]
		node.Status = domain.NodeStatusFailed
		node.EndedAt = &now
		node.Error = domain.ReasonCancelled
		r.saveNode(ctx, node)
		r.observeNode(node, duration)
	}

	for _, id := range r.machine.NodesIn(domain.NodeStatusPending) {
		if !r.skip(ctx, id, domain.NodeSkippedPayload{Reason: domain.ReasonCancelled}) {
			return
		}
	}

	r.finish(ctx, domain.ExecutionStatusCancelled, domain.ReasonCancelled)
}

func (r *run) finish(ctx context.Context, status domain.ExecutionStatus, reason string) {
	if err := r.machine.FinishExecution(status); err != nil {
		r.logger.WithError(err).Error("Execution cannot finish")
		return
	}

	eventType := domain.EventTypeExecutionCompleted
	switch status {
	case domain.ExecutionStatusFailed:
		eventType = domain.EventTypeExecutionFailed
	case domain.ExecutionStatusCancelled:
		eventType = domain.EventTypeExecutionCancelled
	}

	counts := r.machine.Counts()
	duration := r.s.now().UTC().Sub(r.startedAt)
	if !r.emit(ctx, eventType, "", domain.ExecutionFinishedPayload{
		Status:     status,
		Succeeded:  counts.Succeeded,
		Failed:     counts.Failed,
		Skipped:    counts.Skipped,
		DurationMs: duration.Milliseconds(),
		Reason:     reason,
	}) {
		return
	}

	r.handle.setStatus(status)
	metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()

	errMsg := reason
	if status == domain.ExecutionStatusFailed && errMsg == "" {
		errMsg = fmt.Sprintf("%d node(s) failed", counts.Failed)
	}
	if err := r.s.store.UpdateExecutionStatus(ctx, r.exec.ExecutionID, status, errMsg, r.s.now().UTC()); err != nil {
		r.logger.WithError(err).Warn("Failed to persist terminal status")
	}
	r.logger.WithFields(logrus.Fields{
		"status":    status,
		"succeeded": counts.Succeeded,
		"failed":    counts.Failed,
		"skipped":   counts.Skipped,
	}).Info("Execution finished")
}

// emit appends an event. A failed append halts the loop: no further
// dispatches or events, in-flight nodes are cancelled, and the node and
// execution rows are closed out on a best-effort basis.
func (r *run) emit(ctx context.Context, eventType domain.EventType, nodeID string, payload any) bool {
	if _, err := r.s.events.Append(ctx, r.exec.ExecutionID, eventType, nodeID, payload); err != nil {
		r.halt(ctx, err)
		return false
	}
	return true
}

func (r *run) halt(ctx context.Context, cause error) {
	r.halted = true
	r.logger.WithError(cause).Error("Event log unavailable, halting execution")

	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}
	if !r.machine.Execution().IsTerminal() {
		_ = r.machine.FinishExecution(domain.ExecutionStatusFailed)
	}
	r.handle.setStatus(domain.ExecutionStatusFailed)
	metrics.ExecutionsTotal.WithLabelValues(string(domain.ExecutionStatusFailed)).Inc()

	// Node rows mirror the log, so a node whose transition could not be
	// appended still shows its last logged status. Close them out.
	now := r.s.now().UTC()
	for _, node := range r.nodes {
		switch node.Status {
		case domain.NodeStatusRunning:
			node.Status = domain.NodeStatusFailed
		case domain.NodeStatusPending:
			node.Status = domain.NodeStatusSkipped
		default:
			continue
		}
		node.EndedAt = &now
		node.Error = domain.ReasonEventLogUnavailable
		r.saveNode(ctx, node)
		metrics.NodesTotal.WithLabelValues(string(node.Status)).Inc()
	}

	msg := domain.ReasonEventLogUnavailable + ": " + cause.Error()
	if err := r.s.store.UpdateExecutionStatus(ctx, r.exec.ExecutionID, domain.ExecutionStatusFailed, msg, now); err != nil {
		r.logger.WithError(err).Warn("Failed to persist halted status")
	}
}

func (r *run) saveNode(ctx context.Context, node *domain.ExecutionNode) {
	if err := r.s.store.UpdateNode(ctx, node); err != nil {
		r.logger.WithError(err).WithField("node_id", node.NodeID).Warn("Failed to persist node status")
	}
}

func (r *run) observeNode(node *domain.ExecutionNode, d time.Duration) {
	metrics.NodesTotal.WithLabelValues(string(node.Status)).Inc()
	metrics.NodeDuration.WithLabelValues(string(node.Kind), string(node.Status)).Observe(d.Seconds())
}
