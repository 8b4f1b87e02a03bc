// Package executor runs team nodes against language models.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/scheduler"
)

// AgentResult is one agent's contribution to a node result.
type AgentResult struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Output    string `json:"output"`
	Tokens    int64  `json:"tokens,omitempty"`
}

// NodeResult is the JSON a node produces.
type NodeResult struct {
	NodeID  string        `json:"node_id"`
	Agents  []AgentResult `json:"agents"`
	Summary string        `json:"summary"`
}

// Router dispatches a task to the executor registered for its node kind.
type Router struct {
	routes   map[domain.NodeKind]scheduler.Executor
	fallback scheduler.Executor
}

// NewRouter creates a router whose unknown kinds go to fallback.
func NewRouter(fallback scheduler.Executor) *Router {
	return &Router{routes: make(map[domain.NodeKind]scheduler.Executor), fallback: fallback}
}

// Handle registers an executor for a kind.
func (r *Router) Handle(kind domain.NodeKind, e scheduler.Executor) *Router {
	r.routes[kind] = e
	return r
}

// Execute implements scheduler.Executor.
func (r *Router) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	kind := task.Node.Kind
	if kind == "" {
		kind = task.SubTeam.KindOf()
	}
	if e, ok := r.routes[kind]; ok {
		return e.Execute(ctx, task)
	}
	if r.fallback == nil {
		return nil, &domain.NodeExecutionError{NodeID: task.Node.NodeID, Reason: domain.ReasonExecutorError, Err: fmt.Errorf("no executor for kind %q", kind)}
	}
	return r.fallback.Execute(ctx, task)
}

// buildPrompt assembles the user turn for an agent from its configured
// prompt, the execution input, dependency outputs and earlier agents.
func buildPrompt(agent domain.AgentConfig, task domain.Task, previous []AgentResult) string {
	var b strings.Builder
	if agent.UserPrompt != "" {
		b.WriteString(agent.UserPrompt)
		b.WriteString("\n")
	}
	if task.Input != "" {
		fmt.Fprintf(&b, "\nTask input:\n%s\n", task.Input)
	}
	if len(task.Dependencies) > 0 {
		b.WriteString("\nResults from upstream sub-teams:\n")
		for _, dep := range slices.Sorted(maps.Keys(task.Dependencies)) {
			fmt.Fprintf(&b, "- %s: %s\n", dep, summarize(task.Dependencies[dep]))
		}
	}
	for _, p := range previous {
		fmt.Fprintf(&b, "\nOutput of %s:\n%s\n", p.AgentID, p.Output)
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "Carry out the work of %s.", task.Node.Name)
	}
	return strings.TrimSpace(b.String())
}

// summarize prefers the summary field of an upstream NodeResult.
func summarize(raw json.RawMessage) string {
	var r NodeResult
	if err := json.Unmarshal(raw, &r); err == nil && r.Summary != "" {
		return r.Summary
	}
	return string(raw)
}
