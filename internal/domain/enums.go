// Package domain defines the core domain models for the executor.
package domain

// ExecutionStatus represents the status of an execution.
type ExecutionStatus string

const (
	ExecutionStatusCreated   ExecutionStatus = "created"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition can occur.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusCreated, ExecutionStatusRunning:
		return true
	}
	return s.IsTerminal()
}

// NodeStatus represents the status of a node within an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the node has finished.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return true
	}
	return false
}

// NodeKind selects the executor variant for a node.
type NodeKind string

const (
	NodeKindSubTeam NodeKind = "sub_team"
	NodeKindAgent   NodeKind = "agent"
)

// EventType represents the type of an execution event.
type EventType string

const (
	EventTypeExecutionStarted   EventType = "execution_started"
	EventTypeNodeStarted        EventType = "node_started"
	EventTypeNodeSucceeded      EventType = "node_succeeded"
	EventTypeNodeFailed         EventType = "node_failed"
	EventTypeNodeSkipped        EventType = "node_skipped"
	EventTypeExecutionCompleted EventType = "execution_completed"
	EventTypeExecutionFailed    EventType = "execution_failed"
	EventTypeExecutionCancelled EventType = "execution_cancelled"
)

// IsTerminal reports whether the event closes an execution.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTypeExecutionCompleted, EventTypeExecutionFailed, EventTypeExecutionCancelled:
		return true
	}
	return false
}

// Reasons carried in node_failed, node_skipped and execution_failed payloads.
const (
	ReasonExecutorError         = "executor_error"
	ReasonTimeout               = "timeout"
	ReasonCancelled             = "cancelled"
	ReasonDependencyFailed      = "dependency_failed"
	ReasonPolicyDenied          = "policy_denied"
	ReasonOrchestratorRestarted = "orchestrator_restarted"
	ReasonEventLogUnavailable   = "event_log_unavailable"
)

// LLM providers understood by the agent executor.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)
