package executor

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/catface996/aiops-executor/internal/domain"
)

// SubTeamExecutor runs every agent of a sub-team, one after another or all
// at once when the sub-team is marked parallel.
type SubTeamExecutor struct {
	agents         *AgentExecutor
	maxConcurrency int
}

// NewSubTeamExecutor creates a sub-team executor. maxConcurrency bounds
// parallel agents; zero means one goroutine per agent.
func NewSubTeamExecutor(agents *AgentExecutor, maxConcurrency int) *SubTeamExecutor {
	return &SubTeamExecutor{agents: agents, maxConcurrency: maxConcurrency}
}

// Execute implements scheduler.Executor.
func (e *SubTeamExecutor) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	if len(task.SubTeam.Agents) == 0 {
		return nil, &domain.NodeExecutionError{NodeID: task.Node.NodeID, Reason: domain.ReasonExecutorError, Err: errors.New("sub-team has no agents")}
	}

	var results []AgentResult
	var err error
	if task.SubTeam.Parallel {
		results, err = e.parallel(ctx, task)
	} else {
		results, err = e.sequential(ctx, task)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(NodeResult{
		NodeID:  task.Node.NodeID,
		Agents:  results,
		Summary: summary(results, task.SubTeam.Parallel),
	})
}

// sequential feeds each agent the outputs of the agents before it.
func (e *SubTeamExecutor) sequential(ctx context.Context, task domain.Task) ([]AgentResult, error) {
	results := make([]AgentResult, 0, len(task.SubTeam.Agents))
	for _, agent := range task.SubTeam.Agents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.agents.runAgent(ctx, task, agent, results)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

type indexed struct {
	i   int
	res AgentResult
}

// parallel runs all agents concurrently; the first failure cancels the rest.
func (e *SubTeamExecutor) parallel(ctx context.Context, task domain.Task) ([]AgentResult, error) {
	p := pool.NewWithResults[indexed]().WithContext(ctx).WithCancelOnError().WithFirstError()
	if e.maxConcurrency > 0 {
		p = p.WithMaxGoroutines(e.maxConcurrency)
	}
	for i, agent := range task.SubTeam.Agents {
		p.Go(func(ctx context.Context) (indexed, error) {
			res, err := e.agents.runAgent(ctx, task, agent, nil)
			return indexed{i: i, res: res}, err
		})
	}
	out, err := p.Wait()
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(a, b int) bool { return out[a].i < out[b].i })
	results := make([]AgentResult, len(out))
	for i, r := range out {
		results[i] = r.res
	}
	return results, nil
}

// summary is the last agent's output for a pipeline and every output for a
// parallel sub-team.
func summary(results []AgentResult, parallel bool) string {
	if len(results) == 0 {
		return ""
	}
	if !parallel {
		return results[len(results)-1].Output
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.AgentID+": "+r.Output)
	}
	return strings.Join(parts, "\n")
}
