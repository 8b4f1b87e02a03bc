package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catface996/aiops-executor/internal/adapter/llm"
	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/policy"
	"github.com/catface996/aiops-executor/internal/scheduler"
)

// scriptedClient answers with the agent's system prompt and records prompts.
type scriptedClient struct {
	mu      sync.Mutex
	prompts []string
	fail    string
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	c.prompts = append(c.prompts, req.LastUserMessage())
	c.mu.Unlock()
	if c.fail != "" && req.System == c.fail {
		return nil, errors.New("rate limited")
	}
	return &llm.CompletionResponse{Provider: "scripted", Model: req.Model, Content: "out:" + req.System}, nil
}

type staticSource struct{ client llm.Client }

func (s staticSource) Client(string) (llm.Client, error) { return s.client, nil }
func (s staticSource) Resolve(p string) string {
	if p == "" {
		return "scripted"
	}
	return p
}

func agents(ids ...string) []domain.AgentConfig {
	out := make([]domain.AgentConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.AgentConfig{AgentID: id, SystemPrompt: id, UserPrompt: "do " + id})
	}
	return out
}

func decode(t *testing.T, raw json.RawMessage) NodeResult {
	t.Helper()
	var r NodeResult
	require.NoError(t, json.Unmarshal(raw, &r))
	return r
}

func TestSequentialSubTeamChainsOutputs(t *testing.T) {
	client := &scriptedClient{}
	e := NewSubTeamExecutor(NewAgentExecutor(staticSource{client}), 0)

	raw, err := e.Execute(context.Background(), domain.Task{
		Node:    domain.ExecutionNode{NodeID: "triage"},
		SubTeam: domain.SubTeam{ID: "triage", Agents: agents("a1", "a2")},
		Input:   "disk alert on db-1",
		Dependencies: map[string]json.RawMessage{
			"collect": json.RawMessage(`{"summary":"logs collected"}`),
		},
	})
	require.NoError(t, err)

	r := decode(t, raw)
	require.Len(t, r.Agents, 2)
	assert.Equal(t, "out:a2", r.Summary)

	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[0], "disk alert on db-1")
	assert.Contains(t, client.prompts[0], "collect: logs collected")
	assert.Contains(t, client.prompts[1], "Output of a1:\nout:a1")
}

func TestParallelSubTeamKeepsAgentOrder(t *testing.T) {
	client := &scriptedClient{delay: 20 * time.Millisecond}
	e := NewSubTeamExecutor(NewAgentExecutor(staticSource{client}), 0)

	raw, err := e.Execute(context.Background(), domain.Task{
		Node:    domain.ExecutionNode{NodeID: "scan"},
		SubTeam: domain.SubTeam{ID: "scan", Parallel: true, Agents: agents("a1", "a2", "a3", "a4")},
	})
	require.NoError(t, err)

	r := decode(t, raw)
	require.Len(t, r.Agents, 4)
	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		assert.Equal(t, id, r.Agents[i].AgentID)
	}
	assert.Greater(t, client.peak.Load(), int32(1))
	assert.True(t, strings.HasPrefix(r.Summary, "a1: out:a1"))
}

func TestParallelSubTeamBoundedAndFailing(t *testing.T) {
	client := &scriptedClient{delay: 10 * time.Millisecond, fail: "a3"}
	e := NewSubTeamExecutor(NewAgentExecutor(staticSource{client}), 2)

	_, err := e.Execute(context.Background(), domain.Task{
		Node:    domain.ExecutionNode{NodeID: "scan"},
		SubTeam: domain.SubTeam{ID: "scan", Parallel: true, Agents: agents("a1", "a2", "a3", "a4")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.LessOrEqual(t, client.peak.Load(), int32(2))
}

func TestSubTeamWithoutAgentsFails(t *testing.T) {
	e := NewSubTeamExecutor(NewAgentExecutor(staticSource{&scriptedClient{}}), 0)
	_, err := e.Execute(context.Background(), domain.Task{Node: domain.ExecutionNode{NodeID: "x"}})
	var nodeErr *domain.NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "x", nodeErr.NodeID)
}

func TestRouterPicksByKind(t *testing.T) {
	var hit string
	mk := func(name string) scheduler.Executor {
		return scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
			hit = name
			return json.RawMessage(`{}`), nil
		})
	}
	r := NewRouter(mk("fallback")).
		Handle(domain.NodeKindSubTeam, mk("sub_team")).
		Handle(domain.NodeKindAgent, mk("agent"))

	_, err := r.Execute(context.Background(), domain.Task{Node: domain.ExecutionNode{Kind: domain.NodeKindAgent}})
	require.NoError(t, err)
	assert.Equal(t, "agent", hit)

	_, err = r.Execute(context.Background(), domain.Task{})
	require.NoError(t, err)
	assert.Equal(t, "sub_team", hit)

	_, err = r.Execute(context.Background(), domain.Task{Node: domain.ExecutionNode{Kind: "tool"}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", hit)
}

func TestAgentExecutorWithMockClient(t *testing.T) {
	factory := llm.NewFactory(llm.FactoryConfig{Mode: llm.ModeMock})
	e := NewAgentExecutor(factory)

	raw, err := e.Execute(context.Background(), domain.Task{
		Node:    domain.ExecutionNode{NodeID: "solo", Kind: domain.NodeKindAgent},
		SubTeam: domain.SubTeam{ID: "solo", Kind: domain.NodeKindAgent, Agents: agents("a1")},
	})
	require.NoError(t, err)
	r := decode(t, raw)
	assert.Contains(t, r.Summary, "[MOCK]")
	assert.Equal(t, "mock", r.Agents[0].Provider)
}

func TestPolicyDenyFailsNode(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	var ran bool
	next := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		ran = true
		return json.RawMessage(`{}`), nil
	})
	e := WithPolicy(next, engine, staticSource{})

	_, err = e.Execute(context.Background(), domain.Task{
		Node:    domain.ExecutionNode{NodeID: "empty", Kind: domain.NodeKindSubTeam},
		SubTeam: domain.SubTeam{ID: "empty"},
	})
	var nodeErr *domain.NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, domain.ReasonPolicyDenied, nodeErr.Reason)
	assert.False(t, ran)

	_, err = e.Execute(context.Background(), domain.Task{
		Node:    domain.ExecutionNode{NodeID: "ok", Kind: domain.NodeKindSubTeam},
		SubTeam: domain.SubTeam{ID: "ok", Agents: agents("a1")},
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithPolicyNilEvaluator(t *testing.T) {
	next := scheduler.ExecutorFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) { return nil, nil })
	assert.NotNil(t, WithPolicy(next, nil, nil))
}
