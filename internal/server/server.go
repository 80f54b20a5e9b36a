// Package server exposes the document, search, chat, and RAG operations
// over HTTP. Handlers translate between the JSON surface and the domain
// services; all policy lives in the services themselves.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"rag-server/internal/llm"
	"rag-server/internal/rag"
	"rag-server/internal/search"
	"rag-server/internal/store"
	"rag-server/internal/upload"
)

// Config carries the handler-level knobs lifted from the application config.
type Config struct {
	MaxUploadBytes int64
	SearchTopK     int
	SemanticWeight float64
	KeywordWeight  float64

	// ChatConfigured reports whether an LLM provider key is present. The
	// RAG health endpoint surfaces it; requests fail at the provider
	// boundary either way.
	ChatConfigured bool
}

type Server struct {
	store          store.Store
	search         *search.Service
	rag            *rag.Orchestrator
	uploads        *upload.Coordinator
	completer      llm.Completer
	maxUploadBytes int64
	searchTopK     int
	semanticWeight float64
	keywordWeight  float64
	chatConfigured bool
	log            zerolog.Logger
}

func New(st store.Store, searcher *search.Service, orchestrator *rag.Orchestrator, uploads *upload.Coordinator, completer llm.Completer, cfg Config, log zerolog.Logger) *Server {
	s := &Server{
		store:          st,
		search:         searcher,
		rag:            orchestrator,
		uploads:        uploads,
		completer:      completer,
		maxUploadBytes: cfg.MaxUploadBytes,
		searchTopK:     cfg.SearchTopK,
		semanticWeight: cfg.SemanticWeight,
		keywordWeight:  cfg.KeywordWeight,
		chatConfigured: cfg.ChatConfigured,
		log:            log.With().Str("component", "http").Logger(),
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = 10 << 20
	}
	if s.searchTopK <= 0 {
		s.searchTopK = 5
	}
	if s.semanticWeight == 0 && s.keywordWeight == 0 {
		s.semanticWeight = 0.7
		s.keywordWeight = 0.3
	}
	return s
}

// Routes builds the full router, including the operational endpoints that
// live outside the versioned API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Get("/", s.handleListDocuments)
			r.Get("/{documentID}", s.handleGetDocument)
			r.Get("/{documentID}/chunks", s.handleGetChunks)
			r.Delete("/{documentID}", s.handleDeleteDocument)
		})
		r.Route("/search", func(r chi.Router) {
			r.Get("/semantic", s.handleSemanticSearch)
			r.Get("/keyword", s.handleKeywordSearch)
			r.Get("/hybrid", s.handleHybridSearch)
			r.Get("/context", s.handleContextSearch)
			r.Get("/stats", s.handleSearchStats)
		})
		r.Route("/rag", func(r chi.Router) {
			r.Post("/chat", s.handleRAGChat)
			r.Post("/chat/stream", s.handleRAGChatStream)
			r.Get("/health", s.handleRAGHealth)
		})
		r.Post("/chat", s.handleChat)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
