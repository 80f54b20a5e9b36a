// Package store persists documents and chunks and answers vector and
// substring queries over them. Two implementations exist: an embedded
// BadgerDB store and a Postgres/pgvector store. Both enforce the document
// status lifecycle and the content-hash uniqueness rule.
package store

import (
	"context"

	"rag-server/internal/model"
)

// ListOptions page through documents ordered by upload time, newest first.
type ListOptions struct {
	Offset int
	Limit  int

	// Status filters to one lifecycle state when non-empty.
	Status model.ProcessingStatus
}

// StatusUpdate moves a document along its lifecycle. Stats, when non-nil,
// records the extraction counts; ErrorMessage is kept on failures and
// cleared otherwise.
type StatusUpdate struct {
	Status       model.ProcessingStatus
	ErrorMessage string
	Stats        *model.ExtractionStats
}

// SearchFilter narrows a search.
type SearchFilter struct {
	// DocumentID restricts results to one document when non-empty.
	DocumentID string

	// MinSimilarity drops vector results scoring below it.
	MinSimilarity float64
}

// ScoredChunk is a search hit. Matches is only populated by substring
// search.
type ScoredChunk struct {
	Chunk        model.Chunk
	DocumentName string
	Score        float64
	Matches      int
}

// Stats summarizes the searchable corpus. TotalDocuments counts completed
// documents only.
type Stats struct {
	TotalDocuments       int
	TotalChunks          int
	ChunksWithEmbeddings int
}

// Store is the persistence contract shared by the Badger and Postgres
// backends.
type Store interface {
	// CreateDocument persists a new document. A document with the same
	// content hash yields a DuplicateContentError carrying the existing id.
	CreateDocument(ctx context.Context, doc *model.Document) error

	// GetDocument returns the document or model.ErrNotFound.
	GetDocument(ctx context.Context, id string) (*model.Document, error)

	// GetDocumentByHash looks a document up by content hash, returning
	// model.ErrNotFound on a miss.
	GetDocumentByHash(ctx context.Context, hash string) (*model.Document, error)

	// ListDocuments returns one page plus the total count under the same
	// filter.
	ListDocuments(ctx context.Context, opts ListOptions) ([]model.Document, int, error)

	// UpdateDocumentStatus applies a lifecycle transition atomically,
	// returning model.ErrInvalidTransition when the move is not legal from
	// the document's current status. Completion stamps ProcessedAt.
	UpdateDocumentStatus(ctx context.Context, id string, update StatusUpdate) error

	// DeleteDocument removes the document, its chunks, and its stored file.
	DeleteDocument(ctx context.Context, id string) error

	// CreateChunksBatch persists all chunks or none of them.
	CreateChunksBatch(ctx context.Context, chunks []model.Chunk) error

	// GetChunks returns a document's chunks ordered by index.
	GetChunks(ctx context.Context, documentID string) ([]model.Chunk, error)

	// GetChunk returns one chunk by position or model.ErrNotFound.
	GetChunk(ctx context.Context, documentID string, index int) (*model.Chunk, error)

	// DeleteChunks removes a document's chunks. Deleting none is not an
	// error.
	DeleteChunks(ctx context.Context, documentID string) error

	// SearchVector returns up to k chunks by cosine similarity to the
	// query vector, highest first, honoring the filter.
	SearchVector(ctx context.Context, query []float32, k int, filter SearchFilter) ([]ScoredChunk, error)

	// SearchSubstring returns up to k chunks containing the query
	// case-insensitively, scored min(1, 0.2·occurrences), highest first
	// with ties broken by ascending (document id, chunk index).
	SearchSubstring(ctx context.Context, query string, k int, filter SearchFilter) ([]ScoredChunk, error)

	// Stats reports corpus totals.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// keywordScore converts a substring occurrence count into a relevance score
// saturating at 1 after five occurrences.
func keywordScore(occurrences int) float64 {
	score := 0.2 * float64(occurrences)
	if score > 1 {
		return 1
	}
	return score
}
