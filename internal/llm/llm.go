// Package llm abstracts the embedding and chat completion providers behind
// small interfaces so the ingestion pipeline, search service, and answer
// orchestration never depend on a concrete SDK.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions tune a single completion call. Callers populate both
// fields; defaults live with the request parsing, not here.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
}

// Completion is the provider's answer plus accounting metadata.
type Completion struct {
	Text       string
	Model      string
	TokensUsed int
}

// Embedder converts text into fixed-length vectors.
type Embedder interface {
	// EmbedOne embeds a single text, typically a search query.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// EmbedMany embeds texts in input order, batching as required by the
	// provider. The result has one vector per input text.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer produces a chat completion for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (*Completion, error)
}
