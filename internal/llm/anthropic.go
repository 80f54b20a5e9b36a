package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"rag-server/internal/model"
)

// AnthropicClient produces chat completions through the Anthropic Messages
// API. Anthropic offers no embeddings endpoint, so deployments using it
// still embed through OpenAI.
type AnthropicClient struct {
	client    anthropic.Client
	chatModel string
}

var _ Completer = (*AnthropicClient)(nil)

func NewAnthropicClient(apiKey, chatModel string) *AnthropicClient {
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		chatModel: chatModel,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (*Completion, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		// The Messages API requires max_tokens.
		maxTokens = 1024
	}
	temperature := opts.Temperature
	if temperature > 1 {
		// The Messages API caps temperature at 1.
		temperature = 1
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.chatModel),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &model.ProviderError{Provider: "anthropic", Err: fmt.Errorf("chat completion failed: %w", err)}
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Completion{
		Text:       text.String(),
		Model:      string(msg.Model),
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}
