// Package upload accepts incoming files and turns them into pending
// documents. Content is deduplicated by SHA-256 before anything is
// written, so repeated uploads of the same bytes converge on one document
// and at most one ingestion run.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rag-server/internal/model"
	"rag-server/internal/store"
)

// Enqueuer hands accepted documents to the ingestion workers. Enqueue
// reports false when the queue is full; the document then stays pending.
type Enqueuer interface {
	Enqueue(documentID string) bool
}

// Config bounds what the coordinator accepts. Extensions carry their dot,
// matching config.UploadConfig.
type Config struct {
	Dir               string
	MaxBytes          int64
	AllowedExtensions []string
}

// Receipt reports what an upload resolved to. Duplicate means the bytes
// were already known and Document is the earlier record.
type Receipt struct {
	Document  *model.Document
	Duplicate bool
}

// Coordinator validates, stores, and registers uploaded files.
type Coordinator struct {
	store    store.Store
	queue    Enqueuer
	dir      string
	maxBytes int64
	allowed  map[string]bool
	exts     []string
	log      zerolog.Logger
}

func NewCoordinator(st store.Store, queue Enqueuer, cfg Config, log zerolog.Logger) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	exts := make([]string, 0, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(ext)
		allowed[ext] = true
		exts = append(exts, ext)
	}
	return &Coordinator{
		store:    st,
		queue:    queue,
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		allowed:  allowed,
		exts:     exts,
		log:      log.With().Str("component", "upload").Logger(),
	}, nil
}

// Receive validates and stores one uploaded file, creates its pending
// document, and enqueues ingestion. size is the declared length; the
// actual bytes are still bounded while reading in case the declaration
// lies.
func (c *Coordinator) Receive(ctx context.Context, filename string, size int64, r io.Reader) (*Receipt, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !c.allowed[ext] {
		return nil, &model.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file type %q, allowed: %s", ext, strings.Join(c.exts, ", ")),
		}
	}
	if size > c.maxBytes {
		return nil, &model.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("file size %d exceeds the %d byte limit", size, c.maxBytes),
		}
	}

	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, &model.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("file exceeds the %d byte limit", c.maxBytes),
		}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	existing, err := c.store.GetDocumentByHash(ctx, hash)
	if err == nil {
		c.log.Info().Str("document_id", existing.ID).Str("filename", filename).Msg("duplicate upload")
		return &Receipt{Document: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate: %w", err)
	}

	// The path is hash-derived, so a concurrent upload of the same bytes
	// writes identical content here rather than conflicting.
	path := filepath.Join(c.dir, hash[:16]+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	now := time.Now().UTC()
	doc := &model.Document{
		ID:          newDocumentID(),
		Filename:    filename,
		FileType:    strings.TrimPrefix(ext, "."),
		FileSize:    int64(len(data)),
		FileHash:    hash,
		StoragePath: path,
		Status:      model.StatusPending,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateDocument(ctx, doc); err != nil {
		if dup, ok := model.IsDuplicateContent(err); ok {
			winner, err := c.store.GetDocument(ctx, dup.ExistingID)
			if err != nil {
				return nil, fmt.Errorf("failed to load duplicate document: %w", err)
			}
			return &Receipt{Document: winner, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	c.queue.Enqueue(doc.ID)
	c.log.Info().Str("document_id", doc.ID).Str("filename", filename).
		Int64("size", doc.FileSize).Msg("upload accepted")
	return &Receipt{Document: doc}, nil
}

func newDocumentID() string {
	id := uuid.New()
	return "doc_" + hex.EncodeToString(id[:])[:12]
}
