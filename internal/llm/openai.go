package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"rag-server/internal/model"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL    string
	EmbedModel string
	ChatModel  string

	// Dimensions requests reduced-size vectors when positive.
	Dimensions int

	// MaxBatch caps how many texts go into one embeddings request.
	MaxBatch int
}

// OpenAIClient talks to the OpenAI API, or any compatible endpoint, for
// both embeddings and chat completions.
type OpenAIClient struct {
	client     openai.Client
	embedModel string
	chatModel  string
	dimensions int
	maxBatch   int
}

var (
	_ Embedder  = (*OpenAIClient)(nil)
	_ Completer = (*OpenAIClient)(nil)
)

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 100
	}

	return &OpenAIClient{
		client:     openai.NewClient(opts...),
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		dimensions: cfg.Dimensions,
		maxBatch:   maxBatch,
	}
}

func (c *OpenAIClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *OpenAIClient) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range splitBatches(texts, c.maxBatch) {
		vectors, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *OpenAIClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.embedModel),
	}
	if c.dimensions > 0 {
		params.Dimensions = openai.Int(int64(c.dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, c.wrap(fmt.Errorf("embeddings request failed: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, c.wrap(fmt.Errorf("embeddings response has %d vectors for %d inputs",
			len(resp.Data), len(texts)))
	}

	// Place each vector by its reported index rather than trusting slice order.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vectors) {
			return nil, c.wrap(fmt.Errorf("invalid embedding index %d", d.Index))
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vectors[d.Index] = vec
	}
	return vectors, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.chatModel),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.wrap(fmt.Errorf("chat completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, c.wrap(fmt.Errorf("chat completion returned no choices"))
	}

	return &Completion{
		Text:       resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}

func (c *OpenAIClient) wrap(err error) error {
	return &model.ProviderError{Provider: "openai", Err: err}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// splitBatches partitions texts into consecutive runs of at most max,
// preserving order.
func splitBatches(texts []string, max int) [][]string {
	if max <= 0 {
		max = 1
	}
	var batches [][]string
	for start := 0; start < len(texts); start += max {
		batches = append(batches, texts[start:min(start+max, len(texts))])
	}
	return batches
}
