package server

import (
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"rag-server/internal/llm"
	"rag-server/internal/metrics"
	"rag-server/internal/model"
)

// assistantSystemPrompt steers the plain chat endpoint, which answers from
// the model's own knowledge rather than uploaded documents.
const assistantSystemPrompt = "You are a helpful AI assistant. Provide clear, accurate, and helpful responses."

type chatRequest struct {
	Message             string        `json:"message"`
	ConversationHistory []llm.Message `json:"conversation_history"`
	Temperature         *float64      `json:"temperature"`
	MaxTokens           *int          `json:"max_tokens"`
}

type chatResponse struct {
	Response     string    `json:"response"`
	MessageCount int       `json:"message_count"`
	TokensUsed   int       `json:"tokens_used"`
	Model        string    `json:"model"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, &model.ValidationError{Message: "invalid JSON body"}, http.StatusBadGateway)
		return
	}

	if req.Message == "" {
		s.respondError(w, &model.ValidationError{Field: "message", Message: "is required"}, http.StatusBadGateway)
		return
	}
	if utf8.RuneCountInString(req.Message) > 4000 {
		s.respondError(w, &model.ValidationError{Field: "message", Message: "must be at most 4000 characters"}, http.StatusBadGateway)
		return
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
		if *req.MaxTokens < 1 || *req.MaxTokens > 4000 {
			s.respondError(w, &model.ValidationError{Field: "max_tokens", Message: "must be between 1 and 4000"}, http.StatusBadGateway)
			return
		}
		maxTokens = *req.MaxTokens
	}

	messages := make([]llm.Message, 0, len(req.ConversationHistory)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: assistantSystemPrompt})
	messages = append(messages, req.ConversationHistory...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})

	completion, err := s.completer.Complete(r.Context(), messages, llm.CompletionOptions{
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		s.respondError(w, err, http.StatusBadGateway)
		return
	}
	metrics.ChatTokens.Add(float64(completion.TokensUsed))

	writeJSON(w, http.StatusOK, chatResponse{
		Response:     completion.Text,
		MessageCount: len(messages),
		TokensUsed:   completion.TokensUsed,
		Model:        completion.Model,
		Timestamp:    time.Now().UTC(),
	})
}
