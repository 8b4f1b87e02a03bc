// Package state implements the execution and node lifecycles.
package state

import (
	"fmt"

	"github.com/catface996/aiops-executor/internal/domain"
)

// TransitionError reports a transition the lifecycle does not allow.
type TransitionError struct {
	Subject string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Subject, e.From, e.To)
}

// Counts summarizes node statuses.
type Counts struct {
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
}

// Terminal returns the number of finished nodes.
func (c Counts) Terminal() int { return c.Succeeded + c.Failed + c.Skipped }

// Machine tracks one execution and its nodes. Terminal states are final.
// It is not safe for concurrent use; the scheduler loop owns it.
type Machine struct {
	executionID string
	status      domain.ExecutionStatus
	order       []string
	nodes       map[string]domain.NodeStatus
}

// NewMachine returns a machine in created state with every node pending.
func NewMachine(executionID string, nodeIDs []string) *Machine {
	m := &Machine{
		executionID: executionID,
		status:      domain.ExecutionStatusCreated,
		order:       append([]string(nil), nodeIDs...),
		nodes:       make(map[string]domain.NodeStatus, len(nodeIDs)),
	}
	for _, id := range nodeIDs {
		m.nodes[id] = domain.NodeStatusPending
	}
	return m
}

// Execution returns the execution status.
func (m *Machine) Execution() domain.ExecutionStatus { return m.status }

// Node returns the status of a node, or "" if unknown.
func (m *Machine) Node(id string) domain.NodeStatus { return m.nodes[id] }

// NodesIn returns, in declaration order, the nodes currently in status.
func (m *Machine) NodesIn(status domain.NodeStatus) []string {
	var out []string
	for _, id := range m.order {
		if m.nodes[id] == status {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot copies the node statuses.
func (m *Machine) Snapshot() map[string]domain.NodeStatus {
	out := make(map[string]domain.NodeStatus, len(m.nodes))
	for k, v := range m.nodes {
		out[k] = v
	}
	return out
}

// Counts tallies node statuses.
func (m *Machine) Counts() Counts {
	var c Counts
	for _, s := range m.nodes {
		switch s {
		case domain.NodeStatusPending:
			c.Pending++
		case domain.NodeStatusRunning:
			c.Running++
		case domain.NodeStatusSucceeded:
			c.Succeeded++
		case domain.NodeStatusFailed:
			c.Failed++
		case domain.NodeStatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// StartExecution moves created -> running.
func (m *Machine) StartExecution() error {
	if m.status != domain.ExecutionStatusCreated {
		return m.execErr(domain.ExecutionStatusRunning)
	}
	m.status = domain.ExecutionStatusRunning
	return nil
}

// FinishExecution moves the execution into a terminal status. Failing or
// cancelling a created execution is allowed; completing one is not.
func (m *Machine) FinishExecution(to domain.ExecutionStatus) error {
	if !to.IsTerminal() || m.status.IsTerminal() {
		return m.execErr(to)
	}
	if m.status == domain.ExecutionStatusCreated && to == domain.ExecutionStatusCompleted {
		return m.execErr(to)
	}
	m.status = to
	return nil
}

// StartNode moves pending -> running.
func (m *Machine) StartNode(id string) error {
	return m.moveNode(id, domain.NodeStatusPending, domain.NodeStatusRunning)
}

// SucceedNode moves running -> succeeded.
func (m *Machine) SucceedNode(id string) error {
	return m.moveNode(id, domain.NodeStatusRunning, domain.NodeStatusSucceeded)
}

// FailNode moves running -> failed.
func (m *Machine) FailNode(id string) error {
	return m.moveNode(id, domain.NodeStatusRunning, domain.NodeStatusFailed)
}

// SkipNode moves pending -> skipped.
func (m *Machine) SkipNode(id string) error {
	return m.moveNode(id, domain.NodeStatusPending, domain.NodeStatusSkipped)
}

// Outcome returns the terminal execution status once every node has
// finished: failed if any node failed, completed otherwise.
func (m *Machine) Outcome() (domain.ExecutionStatus, bool) {
	c := m.Counts()
	if c.Pending > 0 || c.Running > 0 {
		return "", false
	}
	if c.Failed > 0 {
		return domain.ExecutionStatusFailed, true
	}
	return domain.ExecutionStatusCompleted, true
}

func (m *Machine) moveNode(id string, from, to domain.NodeStatus) error {
	cur, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q in execution %s", id, m.executionID)
	}
	if cur != from || m.status.IsTerminal() {
		return &TransitionError{Subject: "node " + id, From: string(cur), To: string(to)}
	}
	m.nodes[id] = to
	return nil
}

func (m *Machine) execErr(to domain.ExecutionStatus) error {
	return &TransitionError{Subject: "execution " + m.executionID, From: string(m.status), To: string(to)}
}
