package llm

import (
	"context"
	"fmt"
)

// MockClient is a deterministic Client for tests and MOCK mode.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements Client interface.
var _ Client = (*MockClient)(nil)

// Complete echoes the last user message.
func (m *MockClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := m.generateMockResponse(req)
	return &CompletionResponse{
		Provider: "mock",
		Model:    req.Model,
		Content:  content,
		Usage: Usage{
			InputTokens:  m.estimateTokens(req),
			OutputTokens: int64(len(content) / 4),
		},
	}, nil
}

// generateMockResponse generates a mock response based on the request.
func (m *MockClient) generateMockResponse(req *CompletionRequest) string {
	last := req.LastUserMessage()
	if last == "" {
		return "[MOCK] This is a mock response from the LLM client."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(last, 100))
}

// estimateTokens provides a rough token count estimate.
func (m *MockClient) estimateTokens(req *CompletionRequest) int64 {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return int64(total)
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
