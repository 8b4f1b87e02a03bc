package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/policy"
	"github.com/catface996/aiops-executor/internal/scheduler"
)

// Evaluator decides whether a node may run.
type Evaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// PolicyExecutor consults the dispatch policy before delegating.
type PolicyExecutor struct {
	next      scheduler.Executor
	evaluator Evaluator
	clients   ClientSource
}

// WithPolicy wraps next with a policy check. A nil evaluator disables it.
func WithPolicy(next scheduler.Executor, evaluator Evaluator, clients ClientSource) scheduler.Executor {
	if evaluator == nil {
		return next
	}
	return &PolicyExecutor{next: next, evaluator: evaluator, clients: clients}
}

// Execute implements scheduler.Executor.
func (e *PolicyExecutor) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	input := policy.Input{
		TeamID:      task.TeamID,
		ExecutionID: task.ExecutionID,
		NodeID:      task.Node.NodeID,
		Kind:        string(task.SubTeam.KindOf()),
		AgentCount:  len(task.SubTeam.Agents),
		Providers:   e.providers(task.SubTeam.Agents),
	}
	if task.Node.Kind != "" {
		input.Kind = string(task.Node.Kind)
	}

	decision, err := e.evaluator.Evaluate(ctx, input)
	if err != nil {
		return nil, &domain.NodeExecutionError{NodeID: task.Node.NodeID, Reason: domain.ReasonPolicyDenied, Err: err}
	}
	if !decision.Allowed() {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by dispatch policy"
		}
		return nil, &domain.NodeExecutionError{NodeID: task.Node.NodeID, Reason: domain.ReasonPolicyDenied, Err: fmt.Errorf("%s", reason)}
	}
	return e.next.Execute(ctx, task)
}

func (e *PolicyExecutor) providers(agents []domain.AgentConfig) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, a := range agents {
		p := a.LLM.Provider
		if e.clients != nil {
			p = e.clients.Resolve(p)
		}
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
