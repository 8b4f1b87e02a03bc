// Package policy evaluates the dispatch policy consulted before a node runs.
package policy

import (
	"context"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"
)

// Decisions a policy may return.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Input is what a dispatch policy sees about a node.
type Input struct {
	TeamID      string   `json:"team_id"`
	ExecutionID string   `json:"execution_id"`
	NodeID      string   `json:"node_id"`
	Kind        string   `json:"kind"`
	AgentCount  int      `json:"agent_count"`
	Providers   []string `json:"providers"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Allowed reports whether the node may run.
func (d Decision) Allowed() bool { return d.Decision != DecisionDeny }

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.dispatch_policy.decision"),
		rego.Module("dispatch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare rego")
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read policy %s", path)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the dispatch policy. The rule may yield either a bare
// decision string or an object {decision, reason}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to evaluate policy")
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// an undefined decision allows
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Decision: v}, nil
	case map[string]interface{}:
		d := Decision{Decision: DecisionAllow}
		if s, ok := v["decision"].(string); ok {
			d.Decision = s
		}
		if s, ok := v["reason"].(string); ok {
			d.Reason = s
		}
		return d, nil
	}
	return Decision{Decision: DecisionAllow, Reason: "unexpected return type"}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package dispatch_policy

default decision = {"decision": "allow"}

# A node must have someone to do the work.
decision = {"decision": "deny", "reason": "sub-team has no agents"} {
	input.kind == "sub_team"
	input.agent_count == 0
}

# Cap fan-out inside one sub-team.
decision = {"decision": "deny", "reason": "too many agents in one sub-team"} {
	input.agent_count > 32
}
`
