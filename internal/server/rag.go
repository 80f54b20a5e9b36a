package server

import (
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"rag-server/internal/llm"
	"rag-server/internal/model"
	"rag-server/internal/rag"
	"rag-server/internal/search"
)

// ragChatRequest uses pointers for the tunables so an explicit zero can be
// told apart from an omitted field.
type ragChatRequest struct {
	Query               string        `json:"query"`
	ConversationHistory []llm.Message `json:"conversation_history"`
	DocumentID          string        `json:"document_id"`
	TopK                *int          `json:"top_k"`
	Temperature         *float64      `json:"temperature"`
	MaxTokens           *int          `json:"max_tokens"`
}

type ragChatResponse struct {
	Success     bool         `json:"success"`
	Query       string       `json:"query"`
	Answer      string       `json:"answer"`
	Sources     []rag.Source `json:"sources"`
	ContextUsed int          `json:"context_used"`
	Model       string       `json:"model"`
	TokensUsed  int          `json:"tokens_used"`
	Timestamp   time.Time    `json:"timestamp"`
}

type ragHealthResponse struct {
	Status                 string        `json:"status"`
	StoreConnected         bool          `json:"store_connected"`
	ChatProviderConfigured bool          `json:"chat_provider_configured"`
	EmbeddingReady         bool          `json:"embedding_ready"`
	Statistics             *search.Stats `json:"statistics"`
	Timestamp              time.Time     `json:"timestamp"`
}

func (s *Server) handleRAGChat(w http.ResponseWriter, r *http.Request) {
	var req ragChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, &model.ValidationError{Message: "invalid JSON body"}, http.StatusBadGateway)
		return
	}

	if req.Query == "" {
		s.respondError(w, &model.ValidationError{Field: "query", Message: "is required"}, http.StatusBadGateway)
		return
	}
	if utf8.RuneCountInString(req.Query) > 2000 {
		s.respondError(w, &model.ValidationError{Field: "query", Message: "must be at most 2000 characters"}, http.StatusBadGateway)
		return
	}

	// Absent top_k falls through as zero; the orchestrator applies its
	// configured default.
	topK := 0
	if req.TopK != nil {
		if *req.TopK < 1 || *req.TopK > 20 {
			s.respondError(w, &model.ValidationError{Field: "top_k", Message: "must be between 1 and 20"}, http.StatusBadGateway)
			return
		}
		topK = *req.TopK
	}
	temperature := 0.7
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			s.respondError(w, &model.ValidationError{Field: "temperature", Message: "must be between 0 and 2"}, http.StatusBadGateway)
			return
		}
		temperature = *req.Temperature
	}
	maxTokens := 500
	if req.MaxTokens != nil {
		if *req.MaxTokens < 50 || *req.MaxTokens > 2000 {
			s.respondError(w, &model.ValidationError{Field: "max_tokens", Message: "must be between 50 and 2000"}, http.StatusBadGateway)
			return
		}
		maxTokens = *req.MaxTokens
	}

	resp, err := s.rag.Chat(r.Context(), rag.ChatRequest{
		Query:       req.Query,
		History:     req.ConversationHistory,
		DocumentID:  req.DocumentID,
		TopK:        topK,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		s.respondError(w, err, http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, ragChatResponse{
		Success:     true,
		Query:       req.Query,
		Answer:      resp.Answer,
		Sources:     resp.Sources,
		ContextUsed: resp.ContextUsed,
		Model:       resp.Model,
		TokensUsed:  resp.TokensUsed,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Server) handleRAGChatStream(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "not_implemented",
		"Streaming is not yet implemented. Please use /api/v1/rag/chat")
}

// handleRAGHealth reports whether the pipeline can actually answer a
// question: the store is reachable, a chat provider is configured, and at
// least one embedded document exists.
func (s *Server) handleRAGHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.search.Stats(r.Context())
	storeConnected := err == nil
	if err != nil {
		s.log.Warn().Err(err).Msg("stats unavailable for health check")
		stats = &search.Stats{}
	}

	embeddingReady := stats.ChunksWithEmbeddings > 0
	ready := storeConnected && s.chatConfigured && stats.TotalDocuments > 0 && embeddingReady
	status := "healthy"
	if !ready {
		status = "not_ready"
	}

	writeJSON(w, http.StatusOK, ragHealthResponse{
		Status:                 status,
		StoreConnected:         storeConnected,
		ChatProviderConfigured: s.chatConfigured,
		EmbeddingReady:         embeddingReady,
		Statistics:             stats,
		Timestamp:              time.Now().UTC(),
	})
}
