package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"rag-server/internal/model"
	"rag-server/internal/store"
)

type fakeQueue struct {
	ids  []string
	full bool
}

func (q *fakeQueue) Enqueue(documentID string) bool {
	if q.full {
		return false
	}
	q.ids = append(q.ids, documentID)
	return true
}

func newTestCoordinator(t *testing.T, queue *fakeQueue, maxBytes int64) (*Coordinator, store.Store) {
	t.Helper()
	st, err := store.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	coord, err := NewCoordinator(st, queue, Config{
		Dir:               filepath.Join(t.TempDir(), "uploads"),
		MaxBytes:          maxBytes,
		AllowedExtensions: []string{".txt", ".pdf"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return coord, st
}

func TestReceiveStoresDocument(t *testing.T) {
	queue := &fakeQueue{}
	coord, st := newTestCoordinator(t, queue, 1<<20)
	content := "hello world"

	receipt, err := coord.Receive(context.Background(), "notes.txt", int64(len(content)), strings.NewReader(content))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receipt.Duplicate {
		t.Error("Expected a fresh upload, got duplicate")
	}

	doc := receipt.Document
	if !strings.HasPrefix(doc.ID, "doc_") || len(doc.ID) != len("doc_")+12 {
		t.Errorf("Unexpected document id %q", doc.ID)
	}
	if doc.Filename != "notes.txt" || doc.FileType != "txt" {
		t.Errorf("Unexpected file identity: %s %s", doc.Filename, doc.FileType)
	}
	if doc.FileSize != int64(len(content)) {
		t.Errorf("Expected size %d, got %d", len(content), doc.FileSize)
	}

	sum := sha256.Sum256([]byte(content))
	wantHash := hex.EncodeToString(sum[:])
	if doc.FileHash != wantHash {
		t.Errorf("Expected hash %s, got %s", wantHash, doc.FileHash)
	}
	if filepath.Base(doc.StoragePath) != wantHash[:16]+".txt" {
		t.Errorf("Expected hash-derived storage name, got %s", doc.StoragePath)
	}
	stored, err := os.ReadFile(doc.StoragePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(stored) != content {
		t.Errorf("Stored bytes differ: %q", stored)
	}

	persisted, err := st.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if persisted.Status != model.StatusPending {
		t.Errorf("Expected pending status, got %s", persisted.Status)
	}

	if len(queue.ids) != 1 || queue.ids[0] != doc.ID {
		t.Errorf("Expected document enqueued once, got %v", queue.ids)
	}
}

func TestReceiveDeduplicatesByContent(t *testing.T) {
	queue := &fakeQueue{}
	coord, _ := newTestCoordinator(t, queue, 1<<20)
	ctx := context.Background()
	content := "identical bytes"

	first, err := coord.Receive(ctx, "original.txt", int64(len(content)), strings.NewReader(content))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// Same bytes under a different name still collapse to one document.
	second, err := coord.Receive(ctx, "renamed.txt", int64(len(content)), strings.NewReader(content))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !second.Duplicate {
		t.Error("Expected duplicate detection")
	}
	if second.Document.ID != first.Document.ID {
		t.Errorf("Expected document %s, got %s", first.Document.ID, second.Document.ID)
	}
	if second.Document.Filename != "original.txt" {
		t.Errorf("Expected the original filename, got %s", second.Document.Filename)
	}
	if len(queue.ids) != 1 {
		t.Errorf("Expected one ingestion run for identical bytes, got %d", len(queue.ids))
	}
}

func TestReceiveRejectsExtension(t *testing.T) {
	queue := &fakeQueue{}
	coord, st := newTestCoordinator(t, queue, 1<<20)

	_, err := coord.Receive(context.Background(), "binary.exe", 4, strings.NewReader("MZ.."))
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected validation error, got %v", err)
	}

	_, total, err := st.ListDocuments(context.Background(), store.ListOptions{})
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if total != 0 {
		t.Errorf("Expected no documents after rejection, got %d", total)
	}
	if len(queue.ids) != 0 {
		t.Errorf("Expected nothing enqueued, got %v", queue.ids)
	}
}

func TestReceiveRejectsOversize(t *testing.T) {
	queue := &fakeQueue{}
	coord, _ := newTestCoordinator(t, queue, 16)
	ctx := context.Background()

	content := strings.Repeat("x", 17)
	_, err := coord.Receive(ctx, "big.txt", int64(len(content)), strings.NewReader(content))
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected validation error for declared size, got %v", err)
	}

	// A lying size declaration is caught while reading.
	_, err = coord.Receive(ctx, "liar.txt", 8, strings.NewReader(content))
	if !errors.As(err, &ve) {
		t.Fatalf("Expected validation error for undeclared bytes, got %v", err)
	}
}

func TestReceiveUppercaseExtension(t *testing.T) {
	queue := &fakeQueue{}
	coord, _ := newTestCoordinator(t, queue, 1<<20)

	receipt, err := coord.Receive(context.Background(), "REPORT.TXT", 4, strings.NewReader("data"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receipt.Document.FileType != "txt" {
		t.Errorf("Expected normalized file type txt, got %s", receipt.Document.FileType)
	}
}

func TestReceiveFullQueueLeavesDocumentPending(t *testing.T) {
	queue := &fakeQueue{full: true}
	coord, st := newTestCoordinator(t, queue, 1<<20)

	receipt, err := coord.Receive(context.Background(), "stuck.txt", 5, strings.NewReader("words"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	doc, err := st.GetDocument(context.Background(), receipt.Document.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != model.StatusPending {
		t.Errorf("Expected the document to stay pending, got %s", doc.Status)
	}
}
