// Package ingest turns uploaded documents into searchable chunks. A bounded
// worker pool drains a queue of document ids; each run claims its document
// through the status lifecycle so concurrent workers never process the same
// document twice.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"rag-server/internal/document"
	"rag-server/internal/llm"
	"rag-server/internal/metrics"
	"rag-server/internal/model"
	"rag-server/internal/store"
)

// Pipeline runs the ingestion steps for one document: claim, parse, clean,
// chunk, embed, persist, complete. Every failure after the claim records a
// failed status with the causal message and removes partial chunks.
type Pipeline struct {
	store    store.Store
	embedder llm.Embedder
	parser   *document.Parser
	cleaner  *document.Cleaner
	chunker  *document.Chunker
	timeout  time.Duration
	log      zerolog.Logger
}

func NewPipeline(st store.Store, embedder llm.Embedder, chunker *document.Chunker, timeout time.Duration, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:    st,
		embedder: embedder,
		parser:   document.NewParser(),
		cleaner:  document.NewCleaner(),
		chunker:  chunker,
		timeout:  timeout,
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Process ingests one document end to end. A rejected claim returns
// model.ErrInvalidTransition, meaning another worker owns the document or it
// already completed. All other errors have been recorded on the document as
// a failed status before they are returned.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := p.store.UpdateDocumentStatus(ctx, documentID, store.StatusUpdate{Status: model.StatusProcessing})
	if err != nil {
		metrics.IngestionRuns.WithLabelValues("conflict").Inc()
		return fmt.Errorf("failed to claim document %s: %w", documentID, err)
	}

	start := time.Now()
	stats, err := p.run(ctx, documentID)
	if err != nil {
		metrics.IngestionRuns.WithLabelValues("failed").Inc()
		p.fail(ctx, documentID, err)
		return err
	}

	metrics.IngestionRuns.WithLabelValues("completed").Inc()
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	p.log.Info().
		Str("document_id", documentID).
		Int("chunks", stats.ChunkCount).
		Int("characters", stats.CharacterCount).
		Dur("duration", time.Since(start)).
		Msg("document ingested")
	return nil
}

// run executes the steps between a successful claim and completion.
func (p *Pipeline) run(ctx context.Context, documentID string) (*model.ExtractionStats, error) {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	extraction, err := p.parser.Parse(doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("parse_error: %w", err)
	}

	text := p.cleaner.CleanText(extraction.Text)
	chunkTexts := p.chunker.Chunk(text)
	if len(chunkTexts) == 0 {
		return nil, errors.New("no_content")
	}

	vectors, err := p.embedder.EmbedMany(ctx, chunkTexts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunkTexts) {
		return nil, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunkTexts), len(vectors))
	}

	now := time.Now().UTC()
	chunks := make([]model.Chunk, len(chunkTexts))
	for i, t := range chunkTexts {
		chunks[i] = model.Chunk{
			ID:         model.ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Text:       t,
			Size:       len(t),
			Vector:     vectors[i],
			CreatedAt:  now,
		}
	}

	// A re-ingestion after failure reuses the deterministic chunk ids, so
	// whatever an earlier run left behind goes first.
	if err := p.store.DeleteChunks(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("failed to clear previous chunks: %w", err)
	}
	if err := p.store.CreateChunksBatch(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to persist chunks: %w", err)
	}

	stats := &model.ExtractionStats{
		ChunkCount:     len(chunks),
		CharacterCount: utf8.RuneCountInString(text),
		WordCount:      document.CountWords(text),
		PageCount:      extraction.PageCount,
	}
	err = p.store.UpdateDocumentStatus(ctx, doc.ID, store.StatusUpdate{
		Status: model.StatusCompleted,
		Stats:  stats,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete document: %w", err)
	}
	return stats, nil
}

// fail records the causal error on the document and removes partial chunks.
// It runs detached from the request deadline: the timeout that killed the
// run must not also block the failure record.
func (p *Pipeline) fail(parent context.Context, documentID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	err := p.store.UpdateDocumentStatus(ctx, documentID, store.StatusUpdate{
		Status:       model.StatusFailed,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		p.log.Error().Err(err).Str("document_id", documentID).Msg("failed to record ingestion failure")
		return
	}
	if err := p.store.DeleteChunks(ctx, documentID); err != nil {
		p.log.Error().Err(err).Str("document_id", documentID).Msg("failed to remove partial chunks")
	}
}
