package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"rag-server/internal/model"
)

// PostgresStore keeps documents and chunks in Postgres with pgvector
// embeddings; similarity search runs on an HNSW cosine index.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string, dimensions int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{pool: pool, dimensions: dimensions}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	file_type TEXT NOT NULL,
	file_size BIGINT NOT NULL,
	file_hash TEXT NOT NULL UNIQUE,
	storage_path TEXT NOT NULL DEFAULT '',
	character_count INTEGER NOT NULL DEFAULT 0,
	word_count INTEGER NOT NULL DEFAULT 0,
	page_count INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	processing_status TEXT NOT NULL
		CHECK (processing_status IN ('pending', 'processing', 'completed', 'failed')),
	error_message TEXT NOT NULL DEFAULT '',
	uploaded_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (processing_status);
CREATE INDEX IF NOT EXISTS documents_uploaded_at_idx ON documents (uploaded_at DESC);

CREATE TABLE IF NOT EXISTS document_chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	chunk_text TEXT NOT NULL,
	chunk_size INTEGER NOT NULL,
	embedding vector(%d),
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS document_chunks_document_idx ON document_chunks (document_id);
`, s.dimensions)

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Older pgvector builds lack the hnsw access method; they still answer
	// through a sequential scan.
	_, _ = s.pool.Exec(ctx, `
CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx ON document_chunks
	USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`)

	return nil
}

const documentColumns = `id, filename, file_type, file_size, file_hash, storage_path,
	character_count, word_count, page_count, chunk_count,
	processing_status, error_message, uploaded_at, processed_at, updated_at`

func scanDocument(row pgx.Row) (*model.Document, error) {
	var doc model.Document
	err := row.Scan(
		&doc.ID, &doc.Filename, &doc.FileType, &doc.FileSize, &doc.FileHash, &doc.StoragePath,
		&doc.CharacterCount, &doc.WordCount, &doc.PageCount, &doc.ChunkCount,
		&doc.Status, &doc.ErrorMessage, &doc.UploadedAt, &doc.ProcessedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &doc, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		doc.ID, doc.Filename, doc.FileType, doc.FileSize, doc.FileHash, doc.StoragePath,
		doc.CharacterCount, doc.WordCount, doc.PageCount, doc.ChunkCount,
		string(doc.Status), doc.ErrorMessage, doc.UploadedAt, doc.ProcessedAt, doc.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		var existingID string
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT id FROM documents WHERE file_hash = $1`, doc.FileHash).Scan(&existingID)
		if lookupErr == nil {
			return &model.DuplicateContentError{ExistingID: existingID}
		}
	}
	return fmt.Errorf("failed to create document: %w", err)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (s *PostgresStore) GetDocumentByHash(ctx context.Context, hash string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE file_hash = $1`, hash)
	return scanDocument(row)
}

func (s *PostgresStore) ListDocuments(ctx context.Context, opts ListOptions) ([]model.Document, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM documents WHERE ($1 = '' OR processing_status = $1)`,
		string(opts.Status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE ($1 = '' OR processing_status = $1)
ORDER BY uploaded_at DESC, id
OFFSET $2 LIMIT $3`,
		string(opts.Status), opts.Offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []model.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, total, nil
}

// transitionSources lists the statuses a document may move to target from,
// derived from the lifecycle rules.
func transitionSources(target model.ProcessingStatus) []string {
	all := []model.ProcessingStatus{
		model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed,
	}
	var sources []string
	for _, from := range all {
		if model.CanTransition(from, target) {
			sources = append(sources, string(from))
		}
	}
	return sources
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id string, update StatusUpdate) error {
	sources := transitionSources(update.Status)
	if len(sources) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", model.ErrInvalidTransition, update.Status)
	}

	var chunkCount, characterCount, wordCount, pageCount *int
	if update.Stats != nil {
		chunkCount = &update.Stats.ChunkCount
		characterCount = &update.Stats.CharacterCount
		wordCount = &update.Stats.WordCount
		pageCount = &update.Stats.PageCount
	}

	// The status predicate makes the transition check atomic; a concurrent
	// claim wins the row and this update touches nothing.
	tag, err := s.pool.Exec(ctx, `
UPDATE documents SET
	processing_status = $1,
	error_message = $2,
	updated_at = NOW(),
	processed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE processed_at END,
	chunk_count = COALESCE($3, chunk_count),
	character_count = COALESCE($4, character_count),
	word_count = COALESCE($5, word_count),
	page_count = COALESCE($6, page_count)
WHERE id = $7 AND processing_status = ANY($8)`,
		string(update.Status), update.ErrorMessage,
		chunkCount, characterCount, wordCount, pageCount,
		id, sources)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT processing_status FROM documents WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read document status: %w", err)
	}
	return fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, current, update.Status)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	var storagePath string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM documents WHERE id = $1 RETURNING storage_path`, id).Scan(&storagePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if storagePath != "" {
		// Best effort; a missing file is not an error.
		_ = os.Remove(storagePath)
	}
	return nil
}

func (s *PostgresStore) CreateChunksBatch(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	documentID := chunks[0].DocumentID
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk batch spans documents %s and %s", documentID, c.DocumentID)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
INSERT INTO document_chunks (id, document_id, chunk_index, chunk_text, chunk_size, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.DocumentID, c.Index, c.Text, c.Size, vectorArg(c.Vector), c.CreatedAt)
	}

	results := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return tx.Commit(ctx)
}

// vectorArg encodes a possibly-absent embedding; empty means NULL.
func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func (s *PostgresStore) GetChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, document_id, chunk_index, chunk_text, chunk_size, embedding, created_at
FROM document_chunks
WHERE document_id = $1
ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return chunks, nil
}

func (s *PostgresStore) GetChunk(ctx context.Context, documentID string, index int) (*model.Chunk, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, document_id, chunk_index, chunk_text, chunk_size, embedding, created_at
FROM document_chunks
WHERE document_id = $1 AND chunk_index = $2`, documentID, index)
	return scanChunk(row)
}

func scanChunk(row pgx.Row) (*model.Chunk, error) {
	var chunk model.Chunk
	var embedding *pgvector.Vector
	err := row.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Index, &chunk.Text, &chunk.Size,
		&embedding, &chunk.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	if embedding != nil {
		chunk.Vector = embedding.Slice()
	}
	return &chunk, nil
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, documentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchVector(ctx context.Context, query []float32, k int, filter SearchFilter) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT c.id, c.document_id, c.chunk_index, c.chunk_text, c.chunk_size, c.created_at,
	d.filename, 1 - (c.embedding <=> $1) AS similarity
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.embedding IS NOT NULL
	AND ($2 = '' OR c.document_id = $2)
	AND 1 - (c.embedding <=> $1) >= $3
ORDER BY c.embedding <=> $1, c.document_id, c.chunk_index
LIMIT $4`,
		pgvector.NewVector(query), filter.DocumentID, filter.MinSimilarity, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var r ScoredChunk
		err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Index, &r.Chunk.Text,
			&r.Chunk.Size, &r.Chunk.CreatedAt, &r.DocumentName, &r.Score)
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) SearchSubstring(ctx context.Context, query string, k int, filter SearchFilter) ([]ScoredChunk, error) {
	needle := strings.TrimSpace(query)
	if needle == "" || k <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT c.id, c.document_id, c.chunk_index, c.chunk_text, c.chunk_size, c.created_at, d.filename,
	(length(lower(c.chunk_text)) - length(replace(lower(c.chunk_text), lower($1), ''))) / length($1)
		AS occurrences
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE position(lower($1) in lower(c.chunk_text)) > 0
	AND ($2 = '' OR c.document_id = $2)
ORDER BY occurrences DESC, c.document_id, c.chunk_index
LIMIT $3`,
		needle, filter.DocumentID, k)
	if err != nil {
		return nil, fmt.Errorf("substring search failed: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var r ScoredChunk
		err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Index, &r.Chunk.Text,
			&r.Chunk.Size, &r.Chunk.CreatedAt, &r.DocumentName, &r.Matches)
		if err != nil {
			return nil, fmt.Errorf("substring search failed: %w", err)
		}
		r.Score = keywordScore(r.Matches)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("substring search failed: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
SELECT
	(SELECT COUNT(*) FROM documents WHERE processing_status = 'completed'),
	(SELECT COUNT(*) FROM document_chunks),
	(SELECT COUNT(*) FROM document_chunks WHERE embedding IS NOT NULL)`).
		Scan(&stats.TotalDocuments, &stats.TotalChunks, &stats.ChunksWithEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	return stats, nil
}
