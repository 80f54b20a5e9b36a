package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rag-server/internal/model"
	"rag-server/internal/store"
)

// documentView is the document shape exposed by the API. It is the stored
// document minus internals like the storage path.
type documentView struct {
	DocumentID       string                 `json:"document_id"`
	Filename         string                 `json:"filename"`
	FileType         string                 `json:"file_type"`
	FileSize         int64                  `json:"file_size"`
	FileHash         string                 `json:"file_hash"`
	CharacterCount   int                    `json:"character_count"`
	WordCount        int                    `json:"word_count"`
	PageCount        int                    `json:"page_count"`
	ChunkCount       int                    `json:"chunk_count"`
	ProcessingStatus model.ProcessingStatus `json:"processing_status"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	UploadedAt       time.Time              `json:"uploaded_at"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`
}

func toDocumentView(doc *model.Document) documentView {
	return documentView{
		DocumentID:       doc.ID,
		Filename:         doc.Filename,
		FileType:         doc.FileType,
		FileSize:         doc.FileSize,
		FileHash:         doc.FileHash,
		CharacterCount:   doc.CharacterCount,
		WordCount:        doc.WordCount,
		PageCount:        doc.PageCount,
		ChunkCount:       doc.ChunkCount,
		ProcessingStatus: doc.Status,
		ErrorMessage:     doc.ErrorMessage,
		UploadedAt:       doc.UploadedAt,
		ProcessedAt:      doc.ProcessedAt,
	}
}

type uploadResponse struct {
	Success       bool         `json:"success"`
	Message       string       `json:"message"`
	DocumentID    string       `json:"document_id"`
	Filename      string       `json:"filename"`
	FileSize      int64        `json:"file_size"`
	FileHash      string       `json:"file_hash"`
	ChunksCreated int          `json:"chunks_created"`
	Metadata      documentView `json:"metadata"`
	Timestamp     time.Time    `json:"timestamp"`
}

type documentListResponse struct {
	Documents  []documentView `json:"documents"`
	TotalCount int            `json:"total_count"`
	Skip       int            `json:"skip"`
	Limit      int            `json:"limit"`
	Timestamp  time.Time      `json:"timestamp"`
}

type chunkView struct {
	ChunkID      string `json:"chunk_id"`
	ChunkIndex   int    `json:"chunk_index"`
	Text         string `json:"text"`
	Size         int    `json:"size"`
	HasEmbedding bool   `json:"has_embedding"`
}

type chunkListResponse struct {
	Success    bool        `json:"success"`
	DocumentID string      `json:"document_id"`
	ChunkCount int         `json:"chunk_count"`
	Chunks     []chunkView `json:"chunks"`
	Timestamp  time.Time   `json:"timestamp"`
}

type deleteResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	DocumentID string `json:"document_id"`
}

// handleUpload accepts a multipart upload, hands it to the coordinator and
// answers 201 for new content or 200 when the bytes were already known.
// Chunk counts are zero at accept time; ingestion fills them in later.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Slack on top of the content limit covers multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, &model.ValidationError{Field: "file", Message: "expected a multipart form with a \"file\" field"}, http.StatusServiceUnavailable)
		return
	}
	defer file.Close()

	receipt, err := s.uploads.Receive(r.Context(), header.Filename, header.Size, file)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}

	status := http.StatusCreated
	message := "Document uploaded successfully. Processing in background..."
	if receipt.Duplicate {
		status = http.StatusOK
		message = "Document already exists (duplicate detected)"
	}
	doc := receipt.Document
	writeJSON(w, status, uploadResponse{
		Success:       true,
		Message:       message,
		DocumentID:    doc.ID,
		Filename:      doc.Filename,
		FileSize:      doc.FileSize,
		FileHash:      doc.FileHash,
		ChunksCreated: doc.ChunkCount,
		Metadata:      toDocumentView(doc),
		Timestamp:     time.Now().UTC(),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	if skip < 0 {
		s.respondError(w, &model.ValidationError{Field: "skip", Message: "must be non-negative"}, http.StatusServiceUnavailable)
		return
	}
	if limit < 1 || limit > 100 {
		s.respondError(w, &model.ValidationError{Field: "limit", Message: "must be between 1 and 100"}, http.StatusServiceUnavailable)
		return
	}

	var status model.ProcessingStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = model.ProcessingStatus(raw)
		if !status.Valid() {
			s.respondError(w, &model.ValidationError{Field: "status", Message: "must be one of pending, processing, completed, failed"}, http.StatusServiceUnavailable)
			return
		}
	}

	docs, total, err := s.store.ListDocuments(r.Context(), store.ListOptions{Offset: skip, Limit: limit, Status: status})
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}

	views := make([]documentView, 0, len(docs))
	for i := range docs {
		views = append(views, toDocumentView(&docs[i]))
	}
	writeJSON(w, http.StatusOK, documentListResponse{
		Documents:  views,
		TotalCount: total,
		Skip:       skip,
		Limit:      limit,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentView(doc))
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	if _, err := s.store.GetDocument(r.Context(), id); err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	chunks, err := s.store.GetChunks(r.Context(), id)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}

	views := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, chunkView{
			ChunkID:      c.ID,
			ChunkIndex:   c.Index,
			Text:         c.Text,
			Size:         c.Size,
			HasEmbedding: len(c.Vector) > 0,
		})
	}
	writeJSON(w, http.StatusOK, chunkListResponse{
		Success:    true,
		DocumentID: id,
		ChunkCount: len(views),
		Chunks:     views,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	if err := s.store.DeleteDocument(r.Context(), id); err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{
		Success:    true,
		Message:    fmt.Sprintf("Document deleted successfully: %s", id),
		DocumentID: id,
	})
}
