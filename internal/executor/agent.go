package executor

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/catface996/aiops-executor/internal/adapter/llm"
	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/log"
)

// ClientSource hands out model clients by provider.
type ClientSource interface {
	Client(provider string) (llm.Client, error)
	Resolve(provider string) string
}

// AgentExecutor runs a node made of a single agent.
type AgentExecutor struct {
	clients ClientSource
}

// NewAgentExecutor creates an agent executor.
func NewAgentExecutor(clients ClientSource) *AgentExecutor {
	return &AgentExecutor{clients: clients}
}

// Execute runs the node's first agent.
func (e *AgentExecutor) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	if len(task.SubTeam.Agents) == 0 {
		return nil, &domain.NodeExecutionError{NodeID: task.Node.NodeID, Reason: domain.ReasonExecutorError, Err: errors.New("agent node has no agent config")}
	}
	res, err := e.runAgent(ctx, task, task.SubTeam.Agents[0], nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(NodeResult{NodeID: task.Node.NodeID, Agents: []AgentResult{res}, Summary: res.Output})
}

// runAgent performs one completion for agent.
func (e *AgentExecutor) runAgent(ctx context.Context, task domain.Task, agent domain.AgentConfig, previous []AgentResult) (AgentResult, error) {
	client, err := e.clients.Client(agent.LLM.Provider)
	if err != nil {
		return AgentResult{}, &domain.NodeExecutionError{NodeID: task.Node.NodeID, Reason: domain.ReasonExecutorError, Err: err}
	}

	log.WithExecution(task.ExecutionID).WithFields(logrus.Fields{
		"node_id":  task.Node.NodeID,
		"agent_id": agent.AgentID,
		"provider": e.clients.Resolve(agent.LLM.Provider),
	}).Debug("Invoking agent")

	resp, err := client.Complete(ctx, &llm.CompletionRequest{
		Model:       agent.LLM.Model,
		System:      agent.SystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: buildPrompt(agent, task, previous)}},
		Temperature: agent.LLM.Temperature,
		MaxTokens:   agent.LLM.MaxTokens,
	})
	if err != nil {
		return AgentResult{}, errors.Wrapf(err, "agent %s", agent.AgentID)
	}

	return AgentResult{
		AgentID:   agent.AgentID,
		AgentName: agent.AgentName,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Output:    resp.Content,
		Tokens:    resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}
