// Package rag answers questions grounded in stored documents. The
// orchestrator retrieves relevant chunks through hybrid search, assembles
// them into a budgeted context block, and asks the chat provider to answer
// from that context alone, citing sources by label.
package rag

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"rag-server/internal/llm"
	"rag-server/internal/metrics"
	"rag-server/internal/search"
	"rag-server/internal/store"
)

// NoDocumentsAnswer is returned without calling the chat provider when
// retrieval finds nothing to ground an answer on.
const NoDocumentsAnswer = "I don't have any documents to answer your question. Please upload documents first using the /api/v1/documents/upload endpoint."

// previewChars caps the text_preview carried by each source.
const previewChars = 200

// Config tunes retrieval and context assembly. Zero values fall back to
// the defaults below.
type Config struct {
	TopK            int
	SemanticWeight  float64
	KeywordWeight   float64
	MaxContextChars int
}

// ChatRequest is one question, optionally continuing a conversation.
// History is passed to the provider unchanged; trimming it is the
// caller's business.
type ChatRequest struct {
	Query       string
	History     []llm.Message
	DocumentID  string
	TopK        int
	Temperature float64
	MaxTokens   int
}

// Source points back at one chunk the answer was grounded on. Index
// matches the [Source i] label used inside the prompt context.
type Source struct {
	Index            int     `json:"index"`
	DocumentID       string  `json:"document_id"`
	DocumentFilename string  `json:"document_filename"`
	ChunkIndex       int     `json:"chunk_index"`
	RelevanceScore   float64 `json:"relevance_score"`
	TextPreview      string  `json:"text_preview"`
}

// ChatResponse carries the answer plus the evidence behind it.
// ContextUsed counts the sources that actually fit the context budget.
type ChatResponse struct {
	Answer      string   `json:"answer"`
	Sources     []Source `json:"sources"`
	ContextUsed int      `json:"context_used"`
	Model       string   `json:"model"`
	TokensUsed  int      `json:"tokens_used"`
}

// Orchestrator wires retrieval to generation.
type Orchestrator struct {
	search          *search.Service
	completer       llm.Completer
	topK            int
	weights         search.Weights
	maxContextChars int
	log             zerolog.Logger
}

func NewOrchestrator(searcher *search.Service, completer llm.Completer, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.SemanticWeight == 0 && cfg.KeywordWeight == 0 {
		cfg.SemanticWeight, cfg.KeywordWeight = 0.7, 0.3
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 6000
	}
	return &Orchestrator{
		search:          searcher,
		completer:       completer,
		topK:            cfg.TopK,
		weights:         search.Weights{Semantic: cfg.SemanticWeight, Keyword: cfg.KeywordWeight},
		maxContextChars: cfg.MaxContextChars,
		log:             log.With().Str("component", "rag").Logger(),
	}
}

// Chat retrieves chunks for the query, grounds a completion on them, and
// reports which sources were used. When retrieval comes back empty the
// provider is never called and a fixed answer explains the situation.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = o.topK
	}

	results, err := o.search.Hybrid(ctx, req.Query, topK, o.weights, store.SearchFilter{DocumentID: req.DocumentID})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		o.log.Warn().Str("query", req.Query).Msg("no chunks retrieved, skipping completion")
		return &ChatResponse{
			Answer:  NoDocumentsAnswer,
			Sources: []Source{},
			Model:   "N/A",
		}, nil
	}

	contextText, included := assembleContext(results, o.maxContextChars)

	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt(contextText)})
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Query})

	completion, err := o.completer.Complete(ctx, messages, llm.CompletionOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	metrics.ChatTokens.Add(float64(completion.TokensUsed))

	o.log.Info().Str("query", req.Query).Int("retrieved", len(results)).Int("context_used", included).
		Int("tokens_used", completion.TokensUsed).Msg("chat answered")

	return &ChatResponse{
		Answer:      completion.Text,
		Sources:     buildSources(results[:included]),
		ContextUsed: included,
		Model:       completion.Model,
		TokensUsed:  completion.TokensUsed,
	}, nil
}

// assembleContext renders ranked results into labeled excerpts separated
// by blank lines, stopping before the excerpt that would push the total
// past maxChars. It returns the block and how many results made it in.
func assembleContext(results []search.Result, maxChars int) (string, int) {
	var parts []string
	total := 0
	for i, r := range results {
		part := fmt.Sprintf("[Source %d: %s]\n%s\n", i+1, r.DocumentName, r.Chunk.Text)
		if total+utf8.RuneCountInString(part) > maxChars {
			break
		}
		parts = append(parts, part)
		total += utf8.RuneCountInString(part)
	}
	return strings.Join(parts, "\n"), len(parts)
}

func buildSources(results []search.Result) []Source {
	sources := make([]Source, len(results))
	for i, r := range results {
		sources[i] = Source{
			Index:            i + 1,
			DocumentID:       r.Chunk.DocumentID,
			DocumentFilename: r.DocumentName,
			ChunkIndex:       r.Chunk.Index,
			RelevanceScore:   r.Score,
			TextPreview:      preview(r.Chunk.Text, previewChars),
		}
	}
	return sources
}

// preview cuts text to at most max characters, spending the last three on
// an ellipsis when it had to cut.
func preview(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
