package server

import (
	"net/http"
	"time"
	"unicode/utf8"

	"rag-server/internal/model"
	"rag-server/internal/search"
	"rag-server/internal/store"
)

type searchParams struct {
	query          string
	topK           int
	documentID     string
	minSimilarity  float64
	semanticWeight float64
	keywordWeight  float64
	contextWindow  int
}

// parseSearchParams validates the query parameters shared by the search
// endpoints. Weight and window parameters are parsed for every mode but
// only echoed where they apply.
func (s *Server) parseSearchParams(r *http.Request) (searchParams, error) {
	p := searchParams{
		query:      r.URL.Query().Get("query"),
		documentID: r.URL.Query().Get("document_id"),
	}
	if p.query == "" {
		return p, &model.ValidationError{Field: "query", Message: "is required"}
	}
	if utf8.RuneCountInString(p.query) > 1000 {
		return p, &model.ValidationError{Field: "query", Message: "must be at most 1000 characters"}
	}

	var err error
	if p.topK, err = queryInt(r, "top_k", s.searchTopK); err != nil {
		return p, err
	}
	if p.topK < 1 || p.topK > 20 {
		return p, &model.ValidationError{Field: "top_k", Message: "must be between 1 and 20"}
	}
	if p.minSimilarity, err = queryFloat(r, "min_similarity", 0); err != nil {
		return p, err
	}
	if p.minSimilarity < 0 || p.minSimilarity > 1 {
		return p, &model.ValidationError{Field: "min_similarity", Message: "must be between 0 and 1"}
	}
	if p.semanticWeight, err = queryFloat(r, "semantic_weight", s.semanticWeight); err != nil {
		return p, err
	}
	if p.semanticWeight < 0 || p.semanticWeight > 1 {
		return p, &model.ValidationError{Field: "semantic_weight", Message: "must be between 0 and 1"}
	}
	if p.keywordWeight, err = queryFloat(r, "keyword_weight", s.keywordWeight); err != nil {
		return p, err
	}
	if p.keywordWeight < 0 || p.keywordWeight > 1 {
		return p, &model.ValidationError{Field: "keyword_weight", Message: "must be between 0 and 1"}
	}
	if p.contextWindow, err = queryInt(r, "context_window", 1); err != nil {
		return p, err
	}
	if p.contextWindow < 0 || p.contextWindow > 3 {
		return p, &model.ValidationError{Field: "context_window", Message: "must be between 0 and 3"}
	}
	return p, nil
}

func (p searchParams) filter() store.SearchFilter {
	return store.SearchFilter{DocumentID: p.documentID, MinSimilarity: p.minSimilarity}
}

type searchWeights struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
}

// searchEnvelope wraps every search response. Weights appear only for
// hybrid modes and the window only for context searches.
type searchEnvelope struct {
	Success       bool           `json:"success"`
	Query         string         `json:"query"`
	SearchType    string         `json:"search_type"`
	Weights       *searchWeights `json:"weights,omitempty"`
	ContextWindow *int           `json:"context_window,omitempty"`
	ResultsCount  int            `json:"results_count"`
	Results       any            `json:"results"`
	Timestamp     time.Time      `json:"timestamp"`
}

type semanticResult struct {
	ChunkID         string  `json:"chunk_id"`
	DocumentID      string  `json:"document_id"`
	DocumentName    string  `json:"document_name"`
	ChunkIndex      int     `json:"chunk_index"`
	Text            string  `json:"text"`
	SimilarityScore float64 `json:"similarity_score"`
}

type keywordResult struct {
	ChunkID        string  `json:"chunk_id"`
	DocumentID     string  `json:"document_id"`
	DocumentName   string  `json:"document_name"`
	ChunkIndex     int     `json:"chunk_index"`
	Text           string  `json:"text"`
	RelevanceScore float64 `json:"relevance_score"`
	MatchCount     int     `json:"match_count"`
}

type hybridResult struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentName  string  `json:"document_name"`
	ChunkIndex    int     `json:"chunk_index"`
	Text          string  `json:"text"`
	CombinedScore float64 `json:"combined_score"`
	SemanticScore float64 `json:"semantic_score"`
	KeywordScore  float64 `json:"keyword_score"`
}

type contextResult struct {
	hybridResult
	Context []search.Neighbor `json:"context"`
}

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	p, err := s.parseSearchParams(r)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	results, err := s.search.Semantic(r.Context(), p.query, p.topK, p.filter())
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}

	views := make([]semanticResult, 0, len(results))
	for _, res := range results {
		views = append(views, semanticResult{
			ChunkID:         res.Chunk.ID,
			DocumentID:      res.Chunk.DocumentID,
			DocumentName:    res.DocumentName,
			ChunkIndex:      res.Chunk.Index,
			Text:            res.Chunk.Text,
			SimilarityScore: res.Score,
		})
	}
	writeJSON(w, http.StatusOK, searchEnvelope{
		Success:      true,
		Query:        p.query,
		SearchType:   "semantic",
		ResultsCount: len(views),
		Results:      views,
		Timestamp:    time.Now().UTC(),
	})
}

func (s *Server) handleKeywordSearch(w http.ResponseWriter, r *http.Request) {
	p, err := s.parseSearchParams(r)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	results, err := s.search.Keyword(r.Context(), p.query, p.topK, store.SearchFilter{DocumentID: p.documentID})
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}

	views := make([]keywordResult, 0, len(results))
	for _, res := range results {
		views = append(views, keywordResult{
			ChunkID:        res.Chunk.ID,
			DocumentID:     res.Chunk.DocumentID,
			DocumentName:   res.DocumentName,
			ChunkIndex:     res.Chunk.Index,
			Text:           res.Chunk.Text,
			RelevanceScore: res.Score,
			MatchCount:     res.Matches,
		})
	}
	writeJSON(w, http.StatusOK, searchEnvelope{
		Success:      true,
		Query:        p.query,
		SearchType:   "keyword",
		ResultsCount: len(views),
		Results:      views,
		Timestamp:    time.Now().UTC(),
	})
}

func (s *Server) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	p, err := s.parseSearchParams(r)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	results, err := s.search.Hybrid(r.Context(), p.query, p.topK,
		search.Weights{Semantic: p.semanticWeight, Keyword: p.keywordWeight}, p.filter())
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}

	views := make([]hybridResult, 0, len(results))
	for _, res := range results {
		views = append(views, toHybridResult(res))
	}
	writeJSON(w, http.StatusOK, searchEnvelope{
		Success:      true,
		Query:        p.query,
		SearchType:   "hybrid",
		Weights:      &searchWeights{Semantic: p.semanticWeight, Keyword: p.keywordWeight},
		ResultsCount: len(views),
		Results:      views,
		Timestamp:    time.Now().UTC(),
	})
}

func (s *Server) handleContextSearch(w http.ResponseWriter, r *http.Request) {
	p, err := s.parseSearchParams(r)
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	results, err := s.search.HybridWithContext(r.Context(), p.query, p.topK,
		p.contextWindow, search.Weights{Semantic: p.semanticWeight, Keyword: p.keywordWeight}, p.filter())
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}

	views := make([]contextResult, 0, len(results))
	for _, res := range results {
		neighbors := res.Context
		if neighbors == nil {
			neighbors = []search.Neighbor{}
		}
		views = append(views, contextResult{hybridResult: toHybridResult(res), Context: neighbors})
	}
	writeJSON(w, http.StatusOK, searchEnvelope{
		Success:       true,
		Query:         p.query,
		SearchType:    "context",
		ContextWindow: &p.contextWindow,
		ResultsCount:  len(views),
		Results:       views,
		Timestamp:     time.Now().UTC(),
	})
}

func toHybridResult(res search.Result) hybridResult {
	return hybridResult{
		ChunkID:       res.Chunk.ID,
		DocumentID:    res.Chunk.DocumentID,
		DocumentName:  res.DocumentName,
		ChunkIndex:    res.Chunk.Index,
		Text:          res.Chunk.Text,
		CombinedScore: res.Score,
		SemanticScore: res.SemanticScore,
		KeywordScore:  res.KeywordScore,
	}
}

func (s *Server) handleSearchStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.search.Stats(r.Context())
	if err != nil {
		s.respondError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success    bool          `json:"success"`
		Statistics *search.Stats `json:"statistics"`
		Timestamp  time.Time     `json:"timestamp"`
	}{true, stats, time.Now().UTC()})
}
