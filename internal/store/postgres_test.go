package store

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"rag-server/internal/model"
)

// newTestPostgresStore connects to the database named by TEST_DATABASE_URL
// and resets the schema. Without that variable the Postgres tests skip;
// everything they cover also runs against the Badger backend.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, 3)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	_, err = s.pool.Exec(ctx, `DROP TABLE IF EXISTS document_chunks; DROP TABLE IF EXISTS documents`)
	if err != nil {
		s.Close()
		t.Fatalf("Failed to reset schema: %v", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		s.Close()
		t.Fatalf("Failed to recreate schema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresDocumentLifecycle(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	doc := testDocument("doc-1", "hash-1", time.Now().UTC())
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	// Identical content is rejected with the existing id.
	err := s.CreateDocument(ctx, testDocument("doc-2", "hash-1", time.Now().UTC()))
	dup, ok := model.IsDuplicateContent(err)
	if !ok {
		t.Fatalf("Expected DuplicateContentError, got %v", err)
	}
	if dup.ExistingID != "doc-1" {
		t.Errorf("Expected existing id doc-1, got %s", dup.ExistingID)
	}

	got, err := s.GetDocumentByHash(ctx, "hash-1")
	if err != nil || got.ID != "doc-1" {
		t.Fatalf("GetDocumentByHash: got %+v, %v", got, err)
	}

	if err := s.UpdateDocumentStatus(ctx, "doc-1", StatusUpdate{Status: model.StatusProcessing}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	err = s.UpdateDocumentStatus(ctx, "doc-1", StatusUpdate{
		Status: model.StatusCompleted,
		Stats:  &model.ExtractionStats{ChunkCount: 2, CharacterCount: 40, WordCount: 8, PageCount: 1},
	})
	if err != nil {
		t.Fatalf("Completion failed: %v", err)
	}

	got, err = s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Status != model.StatusCompleted || got.ProcessedAt == nil || got.ChunkCount != 2 {
		t.Errorf("Unexpected completed document: %+v", got)
	}

	// Completed documents never change again.
	err = s.UpdateDocumentStatus(ctx, "doc-1", StatusUpdate{Status: model.StatusProcessing})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	err = s.UpdateDocumentStatus(ctx, "missing", StatusUpdate{Status: model.StatusProcessing})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	docs, total, err := s.ListDocuments(ctx, ListOptions{Status: model.StatusCompleted})
	if err != nil {
		t.Fatalf("ListDocuments failed: %v", err)
	}
	if total != 1 || len(docs) != 1 || docs[0].ID != "doc-1" {
		t.Errorf("Unexpected listing: total %d, docs %+v", total, docs)
	}

	if err := s.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if _, err := s.GetDocument(ctx, "doc-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected document gone, got %v", err)
	}
}

func TestPostgresChunksAndSearch(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b"} {
		if err := s.CreateDocument(ctx, testDocument(id, "hash-"+id, time.Now().UTC())); err != nil {
			t.Fatalf("CreateDocument %s failed: %v", id, err)
		}
	}
	if err := s.CreateChunksBatch(ctx, []model.Chunk{
		testChunk("doc-a", 0, "east apple", []float32{1, 0, 0}),
		testChunk("doc-a", 1, "north apple apple", []float32{0, 1, 0}),
		testChunk("doc-a", 2, "no embedding", nil),
	}); err != nil {
		t.Fatalf("CreateChunksBatch doc-a failed: %v", err)
	}
	if err := s.CreateChunksBatch(ctx, []model.Chunk{
		testChunk("doc-b", 0, "near east", []float32{0.9, 0.1, 0}),
	}); err != nil {
		t.Fatalf("CreateChunksBatch doc-b failed: %v", err)
	}

	chunks, err := s.GetChunks(ctx, "doc-a")
	if err != nil {
		t.Fatalf("GetChunks failed: %v", err)
	}
	if len(chunks) != 3 || chunks[0].Text != "east apple" || len(chunks[2].Vector) != 0 {
		t.Fatalf("Unexpected chunks: %+v", chunks)
	}

	chunk, err := s.GetChunk(ctx, "doc-a", 1)
	if err != nil || chunk.Text != "north apple apple" {
		t.Fatalf("GetChunk: got %+v, %v", chunk, err)
	}
	if _, err := s.GetChunk(ctx, "doc-a", 9); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	query := []float32{1, 0, 0}
	results, err := s.SearchVector(ctx, query, 3, SearchFilter{})
	if err != nil {
		t.Fatalf("SearchVector failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0].Chunk.Text != "east apple" || math.Abs(results[0].Score-1) > 1e-4 {
		t.Errorf("Unexpected best hit: %q score %v", results[0].Chunk.Text, results[0].Score)
	}
	if results[0].DocumentName != "doc-a.txt" {
		t.Errorf("Expected document name doc-a.txt, got %q", results[0].DocumentName)
	}

	results, err = s.SearchVector(ctx, query, 3, SearchFilter{MinSimilarity: 0.5})
	if err != nil {
		t.Fatalf("SearchVector failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 results above the floor, got %d", len(results))
	}

	results, err = s.SearchVector(ctx, query, 5, SearchFilter{DocumentID: "doc-b"})
	if err != nil {
		t.Fatalf("SearchVector failed: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.DocumentID != "doc-b" {
		t.Errorf("Unexpected scoped results: %+v", results)
	}

	hits, err := s.SearchSubstring(ctx, "Apple", 10, SearchFilter{})
	if err != nil {
		t.Fatalf("SearchSubstring failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 2 substring hits, got %d", len(hits))
	}
	if hits[0].Chunk.Index != 1 || hits[0].Matches != 2 || math.Abs(hits[0].Score-0.4) > 1e-9 {
		t.Errorf("Unexpected first hit: %+v", hits[0])
	}
	if hits[1].Chunk.Index != 0 || hits[1].Matches != 1 {
		t.Errorf("Unexpected second hit: %+v", hits[1])
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalChunks != 4 || stats.ChunksWithEmbeddings != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	if err := s.DeleteChunks(ctx, "doc-a"); err != nil {
		t.Fatalf("DeleteChunks failed: %v", err)
	}
	remaining, err := s.GetChunks(ctx, "doc-a")
	if err != nil || len(remaining) != 0 {
		t.Errorf("Expected chunks removed, got %d, %v", len(remaining), err)
	}
}
