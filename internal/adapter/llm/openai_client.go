package llm

import (
	"context"

	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

// DefaultOpenAIModel is used when an agent names no model.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient calls the OpenAI Chat Completions API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client. An empty key falls back to the
// OPENAI_API_KEY environment variable read by the SDK.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	var opts []openaioption.RequestOption
	if apiKey != "" {
		opts = append(opts, openaioption.WithAPIKey(apiKey))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{client: &client}
}

var _ Client = (*OpenAIClient)(nil)

// Complete sends a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "openai api error")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	return &CompletionResponse{
		Provider: "openai",
		Model:    resp.Model,
		Content:  resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
