package model

import (
	"fmt"
	"time"
)

// ProcessingStatus tracks a document through its ingestion lifecycle.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a document may move from one status to
// another. The lifecycle is pending → processing → {completed, failed};
// a failed document may be re-claimed for another processing attempt,
// a completed document never changes again.
func CanTransition(from, to ProcessingStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusProcessing
	}
	return false
}

// Document is an ingested file. JSON tags are the persistence encoding used
// by the embedded store; HTTP responses use their own shapes.
type Document struct {
	ID             string           `json:"document_id"`
	Filename       string           `json:"filename"`
	FileType       string           `json:"file_type"`
	FileSize       int64            `json:"file_size"`
	FileHash       string           `json:"file_hash"`
	StoragePath    string           `json:"storage_path"`
	CharacterCount int              `json:"character_count"`
	WordCount      int              `json:"word_count"`
	PageCount      int              `json:"page_count"`
	ChunkCount     int              `json:"chunk_count"`
	Status         ProcessingStatus `json:"processing_status"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	UploadedAt     time.Time        `json:"uploaded_at"`
	ProcessedAt    *time.Time       `json:"processed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Chunk is one passage of a document's extracted text.
type Chunk struct {
	ID         string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Size       int       `json:"size"`
	Vector     []float32 `json:"vector,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkID derives the deterministic chunk identifier. Re-ingestion after a
// failure reuses the same ids.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("chunk_%s_%d", documentID, index)
}

// ExtractionStats carries the counts recorded when a document completes
// ingestion.
type ExtractionStats struct {
	ChunkCount     int
	CharacterCount int
	WordCount      int
	PageCount      int
}
