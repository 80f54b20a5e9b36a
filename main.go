// Command rag-server runs a document question answering service: documents
// are uploaded over HTTP, ingested into chunks and embeddings in the
// background, and queried through semantic, keyword, and hybrid search or
// through retrieval-augmented chat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"rag-server/internal/config"
	"rag-server/internal/document"
	"rag-server/internal/ingest"
	"rag-server/internal/llm"
	"rag-server/internal/logging"
	"rag-server/internal/rag"
	"rag-server/internal/search"
	"rag-server/internal/server"
	"rag-server/internal/store"
	"rag-server/internal/upload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rag-server:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// A .env file is a development convenience; missing is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	st, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	embedder, completer := buildClients(cfg)

	chunker := document.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap)
	pipeline := ingest.NewPipeline(st, embedder, chunker, cfg.Ingest.Timeout, log)
	workers := ingest.NewWorkers(pipeline, cfg.Ingest.Workers, cfg.Ingest.QueueSize, log)
	workers.Start()

	uploads, err := upload.NewCoordinator(st, workers, upload.Config{
		Dir:               cfg.Upload.Dir,
		MaxBytes:          cfg.Upload.MaxBytes,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
	}, log)
	if err != nil {
		workers.Stop()
		return fmt.Errorf("upload dir: %w", err)
	}

	searcher := search.NewService(st, embedder, log)
	orchestrator := rag.NewOrchestrator(searcher, completer, rag.Config{
		TopK:            cfg.RAG.TopKDefault,
		SemanticWeight:  cfg.Search.SemanticWeight,
		KeywordWeight:   cfg.Search.KeywordWeight,
		MaxContextChars: cfg.RAG.MaxContextChars,
	}, log)

	srv := server.New(st, searcher, orchestrator, uploads, completer, server.Config{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		SearchTopK:     cfg.Search.TopKDefault,
		SemanticWeight: cfg.Search.SemanticWeight,
		KeywordWeight:  cfg.Search.KeywordWeight,
		ChatConfigured: chatConfigured(cfg),
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		workers.Stop()
		return err
	}

	// Stop accepting requests first, then let in-flight ingestion drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	workers.Stop()
	log.Info().Msg("stopped")
	return nil
}

// openStore picks Postgres when a database URL is configured and the
// embedded store otherwise.
func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.Store.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("using postgres store")
		return store.NewPostgresStore(ctx, cfg.Store.DatabaseURL, cfg.Embedding.Dimensions)
	}
	log.Info().Str("dir", cfg.Store.DataDir).Msg("using embedded store")
	return store.NewBadgerStore(cfg.Store.DataDir)
}

// buildClients wires the LLM providers. Embeddings always come from OpenAI;
// the chat side can be steered to Anthropic.
func buildClients(cfg *config.Config) (llm.Embedder, llm.Completer) {
	openaiClient := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		EmbedModel: cfg.OpenAI.EmbedModel,
		ChatModel:  cfg.OpenAI.ChatModel,
		Dimensions: cfg.Embedding.Dimensions,
		MaxBatch:   cfg.Embedding.MaxBatch,
	})

	var completer llm.Completer = openaiClient
	if cfg.Chat.Provider == "anthropic" {
		completer = llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.ChatModel)
	}
	return openaiClient, completer
}

func chatConfigured(cfg *config.Config) bool {
	if cfg.Chat.Provider == "anthropic" {
		return cfg.Anthropic.APIKey != ""
	}
	return cfg.OpenAI.APIKey != ""
}
