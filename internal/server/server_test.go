package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-server/internal/document"
	"rag-server/internal/ingest"
	"rag-server/internal/llm"
	"rag-server/internal/model"
	"rag-server/internal/rag"
	"rag-server/internal/search"
	"rag-server/internal/store"
	"rag-server/internal/upload"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type scriptedCompleter struct {
	completion llm.Completion
	err        error
	calls      int
	messages   []llm.Message
}

func (c *scriptedCompleter) Complete(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (*llm.Completion, error) {
	c.calls++
	c.messages = messages
	if c.err != nil {
		return nil, c.err
	}
	out := c.completion
	return &out, nil
}

type testEnv struct {
	ts        *httptest.Server
	store     store.Store
	completer *scriptedCompleter
}

// newTestEnv wires the real pipeline behind the HTTP surface: uploads are
// ingested by a worker, only the LLM clients are stubbed.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	embedder := stubEmbedder{}
	completer := &scriptedCompleter{completion: llm.Completion{
		Text:       "According to Source 1, the fox jumps over the dog.",
		Model:      "gpt-test",
		TokensUsed: 42,
	}}

	pipeline := ingest.NewPipeline(st, embedder, document.NewChunker(200, 40), 5*time.Second, zerolog.Nop())
	workers := ingest.NewWorkers(pipeline, 1, 8, zerolog.Nop())
	workers.Start()
	t.Cleanup(workers.Stop)

	coord, err := upload.NewCoordinator(st, workers, upload.Config{
		Dir:               filepath.Join(t.TempDir(), "uploads"),
		MaxBytes:          1 << 20,
		AllowedExtensions: []string{".txt", ".pdf"},
	}, zerolog.Nop())
	require.NoError(t, err)

	searcher := search.NewService(st, embedder, zerolog.Nop())
	orchestrator := rag.NewOrchestrator(searcher, completer, rag.Config{}, zerolog.Nop())

	srv := New(st, searcher, orchestrator, coord, completer, Config{ChatConfigured: true}, zerolog.Nop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, completer: completer}
}

func (e *testEnv) upload(t *testing.T, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/v1/documents/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// waitCompleted polls the store until background ingestion finishes.
func (e *testEnv) waitCompleted(t *testing.T, documentID string) *model.Document {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := e.store.GetDocument(context.Background(), documentID)
		if err == nil && doc.Status == model.StatusCompleted {
			return doc
		}
		if err == nil && doc.Status == model.StatusFailed {
			t.Fatalf("ingestion failed: %s", doc.ErrorMessage)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("document %s never completed", documentID)
	return nil
}

func (e *testEnv) uploadAndWait(t *testing.T, filename, content string) string {
	t.Helper()
	resp := e.upload(t, filename, content)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up struct {
		DocumentID string `json:"document_id"`
	}
	decodeBody(t, resp, &up)
	e.waitCompleted(t, up.DocumentID)
	return up.DocumentID
}

func TestUploadIngestSearchChatFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(t, "animals.txt", "The quick brown fox jumps over the lazy dog. Foxes sleep in dens at the forest edge.")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up struct {
		Success       bool   `json:"success"`
		Message       string `json:"message"`
		DocumentID    string `json:"document_id"`
		ChunksCreated int    `json:"chunks_created"`
		Metadata      struct {
			ProcessingStatus string `json:"processing_status"`
		} `json:"metadata"`
	}
	decodeBody(t, resp, &up)
	assert.True(t, up.Success)
	assert.True(t, strings.HasPrefix(up.DocumentID, "doc_"), "document id %q", up.DocumentID)
	assert.Equal(t, "Document uploaded successfully. Processing in background...", up.Message)
	assert.Zero(t, up.ChunksCreated, "chunks are counted by ingestion, not upload")
	assert.Equal(t, "pending", up.Metadata.ProcessingStatus)

	env.waitCompleted(t, up.DocumentID)

	// Document detail reflects the finished ingestion.
	var view struct {
		ProcessingStatus string `json:"processing_status"`
		ChunkCount       int    `json:"chunk_count"`
		CharacterCount   int    `json:"character_count"`
		WordCount        int    `json:"word_count"`
	}
	resp = env.get(t, "/api/v1/documents/"+up.DocumentID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &view)
	assert.Equal(t, "completed", view.ProcessingStatus)
	assert.GreaterOrEqual(t, view.ChunkCount, 1)
	assert.NotZero(t, view.CharacterCount)
	assert.NotZero(t, view.WordCount)

	// Chunks are listed with their embedding flag set.
	var chunks struct {
		Success    bool `json:"success"`
		ChunkCount int  `json:"chunk_count"`
		Chunks     []struct {
			ChunkID      string `json:"chunk_id"`
			ChunkIndex   int    `json:"chunk_index"`
			HasEmbedding bool   `json:"has_embedding"`
		} `json:"chunks"`
	}
	resp = env.get(t, "/api/v1/documents/"+up.DocumentID+"/chunks")
	decodeBody(t, resp, &chunks)
	require.GreaterOrEqual(t, chunks.ChunkCount, 1)
	require.Len(t, chunks.Chunks, chunks.ChunkCount)
	assert.True(t, chunks.Chunks[0].HasEmbedding)

	// Keyword search finds the fox.
	var kw struct {
		Success      bool   `json:"success"`
		SearchType   string `json:"search_type"`
		ResultsCount int    `json:"results_count"`
		Results      []struct {
			DocumentName   string  `json:"document_name"`
			RelevanceScore float64 `json:"relevance_score"`
			MatchCount     int     `json:"match_count"`
		} `json:"results"`
	}
	resp = env.get(t, "/api/v1/search/keyword?query=fox")
	decodeBody(t, resp, &kw)
	assert.Equal(t, "keyword", kw.SearchType)
	require.GreaterOrEqual(t, kw.ResultsCount, 1)
	assert.GreaterOrEqual(t, kw.Results[0].MatchCount, 1)
	assert.Equal(t, "animals.txt", kw.Results[0].DocumentName)

	// Hybrid echoes the default weights.
	var hy struct {
		Weights struct {
			Semantic float64 `json:"semantic"`
			Keyword  float64 `json:"keyword"`
		} `json:"weights"`
		Results []struct {
			CombinedScore float64 `json:"combined_score"`
			SemanticScore float64 `json:"semantic_score"`
		} `json:"results"`
	}
	resp = env.get(t, "/api/v1/search/hybrid?query=fox")
	decodeBody(t, resp, &hy)
	assert.Equal(t, 0.7, hy.Weights.Semantic)
	assert.Equal(t, 0.3, hy.Weights.Keyword)
	require.NotEmpty(t, hy.Results)
	assert.Greater(t, hy.Results[0].CombinedScore, 0.0)

	// RAG chat grounds the answer in the ingested document.
	var chat struct {
		Success     bool   `json:"success"`
		Answer      string `json:"answer"`
		Model       string `json:"model"`
		TokensUsed  int    `json:"tokens_used"`
		ContextUsed int    `json:"context_used"`
		Sources     []struct {
			Index            int    `json:"index"`
			DocumentFilename string `json:"document_filename"`
		} `json:"sources"`
	}
	resp = env.postJSON(t, "/api/v1/rag/chat", `{"query": "What does the fox do?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &chat)
	assert.Equal(t, env.completer.completion.Text, chat.Answer)
	assert.Equal(t, "gpt-test", chat.Model)
	assert.Equal(t, 42, chat.TokensUsed)
	assert.GreaterOrEqual(t, chat.ContextUsed, 1)
	require.NotEmpty(t, chat.Sources)
	assert.Equal(t, 1, chat.Sources[0].Index)
	assert.Equal(t, "animals.txt", chat.Sources[0].DocumentFilename)

	require.NotEmpty(t, env.completer.messages)
	system := env.completer.messages[0]
	assert.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "[Source 1: animals.txt]")

	// Delete tears everything down.
	resp = env.do(t, http.MethodDelete, "/api/v1/documents/"+up.DocumentID)
	var del struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeBody(t, resp, &del)
	assert.True(t, del.Success)
	assert.Contains(t, del.Message, up.DocumentID)

	resp = env.get(t, "/api/v1/documents/"+up.DocumentID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadDuplicateReturnsExisting(t *testing.T) {
	env := newTestEnv(t)
	content := "identical bytes both times"

	first := env.upload(t, "one.txt", content)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	var a struct {
		DocumentID string `json:"document_id"`
	}
	decodeBody(t, first, &a)

	second := env.upload(t, "two.txt", content)
	require.Equal(t, http.StatusOK, second.StatusCode, "duplicate content should come back 200")
	var b struct {
		Message    string `json:"message"`
		DocumentID string `json:"document_id"`
	}
	decodeBody(t, second, &b)
	assert.Equal(t, a.DocumentID, b.DocumentID)
	assert.Equal(t, "Document already exists (duplicate detected)", b.Message)
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(t, "malware.exe", "MZ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "validation_error", body.Error)

	// Not a multipart form at all.
	resp = env.postJSON(t, "/api/v1/documents/upload", `{"file": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.uploadAndWait(t, fmt.Sprintf("doc%d.txt", i), fmt.Sprintf("content number %d", i))
	}

	var list struct {
		Documents  []json.RawMessage `json:"documents"`
		TotalCount int               `json:"total_count"`
		Skip       int               `json:"skip"`
		Limit      int               `json:"limit"`
	}
	resp := env.get(t, "/api/v1/documents")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	assert.Equal(t, 3, list.TotalCount)
	assert.Len(t, list.Documents, 3)
	assert.Equal(t, 0, list.Skip)
	assert.Equal(t, 100, list.Limit)

	resp = env.get(t, "/api/v1/documents?limit=2&skip=1")
	decodeBody(t, resp, &list)
	assert.Equal(t, 3, list.TotalCount)
	assert.Len(t, list.Documents, 2)
	assert.Equal(t, 1, list.Skip)
	assert.Equal(t, 2, list.Limit)

	resp = env.get(t, "/api/v1/documents?status=failed")
	decodeBody(t, resp, &list)
	assert.Zero(t, list.TotalCount)

	for _, path := range []string{
		"/api/v1/documents?skip=-1",
		"/api/v1/documents?limit=0",
		"/api/v1/documents?limit=101",
		"/api/v1/documents?status=bogus",
		"/api/v1/documents?limit=abc",
	} {
		resp := env.get(t, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "GET %s", path)
		resp.Body.Close()
	}
}

func TestDocumentNotFound(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/documents/doc_missing"},
		{http.MethodGet, "/api/v1/documents/doc_missing/chunks"},
		{http.MethodDelete, "/api/v1/documents/doc_missing"},
	}
	for _, p := range paths {
		resp := env.do(t, p.method, p.path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", p.method, p.path)
		var body struct {
			Error string `json:"error"`
		}
		decodeBody(t, resp, &body)
		assert.Equal(t, "not_found", body.Error, "%s %s", p.method, p.path)
	}
}

func TestSearchValidation(t *testing.T) {
	env := newTestEnv(t)

	paths := []string{
		"/api/v1/search/semantic",
		"/api/v1/search/semantic?query=x&top_k=50",
		"/api/v1/search/semantic?query=x&top_k=abc",
		"/api/v1/search/semantic?query=x&min_similarity=1.5",
		"/api/v1/search/hybrid?query=x&semantic_weight=1.2",
		"/api/v1/search/hybrid?query=x&keyword_weight=-0.1",
		"/api/v1/search/context?query=x&context_window=9",
	}
	for _, path := range paths {
		resp := env.get(t, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "GET %s", path)
		resp.Body.Close()
	}
}

func TestSearchEmptyCorpus(t *testing.T) {
	env := newTestEnv(t)

	var envlp struct {
		Success      bool              `json:"success"`
		ResultsCount int               `json:"results_count"`
		Results      []json.RawMessage `json:"results"`
	}
	resp := env.get(t, "/api/v1/search/semantic?query=anything")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &envlp)
	assert.True(t, envlp.Success)
	assert.Zero(t, envlp.ResultsCount)
	assert.NotNil(t, envlp.Results, "results must be an empty array, not null")
}

func TestContextSearchEnvelope(t *testing.T) {
	env := newTestEnv(t)
	env.uploadAndWait(t, "long.txt", strings.Repeat("alpha beta gamma delta. ", 40))

	var envlp struct {
		SearchType    string `json:"search_type"`
		ContextWindow int    `json:"context_window"`
		Results       []struct {
			ChunkIndex int `json:"chunk_index"`
			Context    []struct {
				ChunkIndex int    `json:"chunk_index"`
				Position   string `json:"position"`
			} `json:"context"`
		} `json:"results"`
	}
	resp := env.get(t, "/api/v1/search/context?query=gamma&context_window=2&top_k=1")
	decodeBody(t, resp, &envlp)
	assert.Equal(t, "context", envlp.SearchType)
	assert.Equal(t, 2, envlp.ContextWindow)
	require.Len(t, envlp.Results, 1)
	require.NotEmpty(t, envlp.Results[0].Context, "a multi-chunk document must yield neighbors")
	for _, n := range envlp.Results[0].Context {
		want := "after"
		if n.ChunkIndex < envlp.Results[0].ChunkIndex {
			want = "before"
		}
		assert.Equal(t, want, n.Position, "neighbor %d", n.ChunkIndex)
	}
}

func TestSearchStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.uploadAndWait(t, "stats.txt", "a single document for the statistics endpoint")

	var body struct {
		Success    bool `json:"success"`
		Statistics struct {
			TotalDocuments       int     `json:"total_documents"`
			TotalChunks          int     `json:"total_chunks"`
			ChunksWithEmbeddings int     `json:"chunks_with_embeddings"`
			SearchablePercentage float64 `json:"searchable_percentage"`
		} `json:"statistics"`
	}
	resp := env.get(t, "/api/v1/search/stats")
	decodeBody(t, resp, &body)
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Statistics.TotalDocuments)
	assert.GreaterOrEqual(t, body.Statistics.TotalChunks, 1)
	assert.Equal(t, body.Statistics.TotalChunks, body.Statistics.ChunksWithEmbeddings)
	assert.Equal(t, 100.0, body.Statistics.SearchablePercentage)
}

func TestRAGChatValidation(t *testing.T) {
	env := newTestEnv(t)

	bodies := []string{
		`{}`,
		`not json`,
		fmt.Sprintf(`{"query": %q}`, strings.Repeat("a", 2001)),
		`{"query": "x", "top_k": 0}`,
		`{"query": "x", "top_k": 21}`,
		`{"query": "x", "temperature": 2.5}`,
		`{"query": "x", "max_tokens": 10}`,
		`{"query": "x", "max_tokens": 5000}`,
	}
	for _, body := range bodies {
		resp := env.postJSON(t, "/api/v1/rag/chat", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %.40q", body)
		resp.Body.Close()
	}
	assert.Zero(t, env.completer.calls, "invalid requests must not reach the provider")
}

func TestRAGChatEmptyCorpus(t *testing.T) {
	env := newTestEnv(t)

	var chat struct {
		Answer  string            `json:"answer"`
		Model   string            `json:"model"`
		Sources []json.RawMessage `json:"sources"`
	}
	resp := env.postJSON(t, "/api/v1/rag/chat", `{"query": "anything at all"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &chat)
	assert.Contains(t, chat.Answer, "don't have any documents")
	assert.Equal(t, "N/A", chat.Model)
	require.NotNil(t, chat.Sources, "sources must be an empty array, not null")
	assert.Empty(t, chat.Sources)
	assert.Zero(t, env.completer.calls)
}

func TestRAGChatProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.uploadAndWait(t, "doc.txt", "some ingested content about foxes")

	env.completer.err = &model.ProviderError{Provider: "openai", Err: errors.New("rate limited")}
	resp := env.postJSON(t, "/api/v1/rag/chat", `{"query": "foxes?"}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "provider_error", body.Error)
}

func TestRAGChatStreamNotImplemented(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/api/v1/rag/chat/stream", `{"query": "x"}`)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	var body struct {
		Message string `json:"message"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "Streaming is not yet implemented. Please use /api/v1/rag/chat", body.Message)
}

func TestRAGHealthTransitions(t *testing.T) {
	env := newTestEnv(t)

	var health struct {
		Status                 string `json:"status"`
		StoreConnected         bool   `json:"store_connected"`
		ChatProviderConfigured bool   `json:"chat_provider_configured"`
		EmbeddingReady         bool   `json:"embedding_ready"`
	}
	resp := env.get(t, "/api/v1/rag/health")
	decodeBody(t, resp, &health)
	assert.Equal(t, "not_ready", health.Status)
	assert.True(t, health.StoreConnected)
	assert.True(t, health.ChatProviderConfigured)
	assert.False(t, health.EmbeddingReady)

	env.uploadAndWait(t, "ready.txt", "one document makes the pipeline answerable")

	resp = env.get(t, "/api/v1/rag/health")
	decodeBody(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.EmbeddingReady)
}

func TestPlainChat(t *testing.T) {
	env := newTestEnv(t)

	body := `{"message": "hello", "conversation_history": [
		{"role": "user", "content": "hi"},
		{"role": "assistant", "content": "hello there"}
	]}`
	resp := env.postJSON(t, "/api/v1/chat", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat struct {
		Response     string `json:"response"`
		MessageCount int    `json:"message_count"`
		Model        string `json:"model"`
	}
	decodeBody(t, resp, &chat)
	assert.Equal(t, env.completer.completion.Text, chat.Response)
	assert.Equal(t, "gpt-test", chat.Model)
	// System prompt, two history turns, and the new message.
	assert.Equal(t, 4, chat.MessageCount)
	require.NotEmpty(t, env.completer.messages)
	assert.Equal(t, llm.RoleSystem, env.completer.messages[0].Role)

	for _, invalid := range []string{
		`{}`,
		`{"message": "x", "temperature": 3}`,
		`{"message": "x", "max_tokens": 0}`,
		fmt.Sprintf(`{"message": %q}`, strings.Repeat("a", 4001)),
	} {
		resp := env.postJSON(t, "/api/v1/chat", invalid)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %.40q", invalid)
		resp.Body.Close()
	}
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var health map[string]string
	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp = env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}
