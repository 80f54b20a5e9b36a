// Package search ranks stored chunks against a query. It offers three
// modes over the same store: semantic (embedding similarity), keyword
// (substring occurrence), and hybrid (a weighted fusion of both). Context
// mode decorates hybrid hits with their neighboring chunks for display.
package search

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rag-server/internal/llm"
	"rag-server/internal/metrics"
	"rag-server/internal/model"
	"rag-server/internal/store"
)

// Hybrid fuses over more candidates than the caller asked for so a chunk
// strong in only one leg can still reach the merged top k.
const (
	candidateMultiplier = 4
	maxCandidates       = 40
)

// Weights control how much each leg contributes to a hybrid score. They
// are normalized to sum to 1 before scoring, so only their ratio matters.
type Weights struct {
	Semantic float64
	Keyword  float64
}

func (w Weights) validate() error {
	if w.Semantic < 0 || w.Keyword < 0 {
		return &model.ValidationError{Field: "weights", Message: "weights must be non-negative"}
	}
	if w.Semantic+w.Keyword <= 0 {
		return &model.ValidationError{Field: "weights", Message: "at least one weight must be positive"}
	}
	return nil
}

// Neighbor is a chunk adjacent to a hit within the requested window,
// tagged with which side of the hit it sits on. Neighbors are attached
// for display only and never enter ranking.
type Neighbor struct {
	Index    int    `json:"chunk_index"`
	Text     string `json:"text"`
	Position string `json:"position"`
}

// Result is one ranked chunk. Score carries the mode's primary score:
// similarity for semantic, relevance for keyword, and the weighted
// combination for hybrid. SemanticScore and KeywordScore are only
// populated by hybrid, Matches only by modes that ran the keyword leg.
type Result struct {
	Chunk         model.Chunk
	DocumentName  string
	Score         float64
	SemanticScore float64
	KeywordScore  float64
	Matches       int
	Context       []Neighbor
}

// Stats summarizes how searchable the stored corpus currently is.
type Stats struct {
	TotalDocuments           int     `json:"total_documents"`
	TotalChunks              int     `json:"total_chunks"`
	ChunksWithEmbeddings     int     `json:"chunks_with_embeddings"`
	SearchablePercentage     float64 `json:"searchable_percentage"`
	AverageChunksPerDocument float64 `json:"average_chunks_per_document"`
}

// Service answers search queries against a Store, using an Embedder to
// vectorize query text for the semantic leg.
type Service struct {
	store    store.Store
	embedder llm.Embedder
	log      zerolog.Logger
}

func NewService(st store.Store, embedder llm.Embedder, log zerolog.Logger) *Service {
	return &Service{
		store:    st,
		embedder: embedder,
		log:      log.With().Str("component", "search").Logger(),
	}
}

// Semantic embeds the query and returns the k nearest chunks by cosine
// similarity, most similar first.
func (s *Service) Semantic(ctx context.Context, query string, k int, filter store.SearchFilter) ([]Result, error) {
	metrics.Searches.WithLabelValues("semantic").Inc()

	vector, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.store.SearchVector(ctx, vector, k, filter)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			Chunk:        hit.Chunk,
			DocumentName: hit.DocumentName,
			Score:        round4(hit.Score),
		})
	}
	s.log.Debug().Str("query", query).Int("top_k", k).Int("results", len(results)).Msg("semantic search")
	return results, nil
}

// Keyword returns the k chunks with the most case-insensitive occurrences
// of the query text. The score saturates at 1.0 after five occurrences.
func (s *Service) Keyword(ctx context.Context, query string, k int, filter store.SearchFilter) ([]Result, error) {
	metrics.Searches.WithLabelValues("keyword").Inc()

	hits, err := s.store.SearchSubstring(ctx, query, k, filter)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			Chunk:        hit.Chunk,
			DocumentName: hit.DocumentName,
			Score:        round4(hit.Score),
			Matches:      hit.Matches,
		})
	}
	s.log.Debug().Str("query", query).Int("top_k", k).Int("results", len(results)).Msg("keyword search")
	return results, nil
}

// Hybrid runs the semantic and keyword legs concurrently over an expanded
// candidate set, unions the candidates by chunk, and ranks them by
// w.Semantic·semantic + w.Keyword·keyword with a missing leg scored 0.
// Equal scores break toward the lower (document_id, chunk_index).
func (s *Service) Hybrid(ctx context.Context, query string, k int, w Weights, filter store.SearchFilter) ([]Result, error) {
	metrics.Searches.WithLabelValues("hybrid").Inc()
	return s.hybrid(ctx, query, k, w, filter)
}

// HybridWithContext is Hybrid plus, for each hit, the chunks within
// window positions of it in the same document.
func (s *Service) HybridWithContext(ctx context.Context, query string, k, window int, w Weights, filter store.SearchFilter) ([]Result, error) {
	metrics.Searches.WithLabelValues("context").Inc()

	results, err := s.hybrid(ctx, query, k, w, filter)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		return results, nil
	}
	for i := range results {
		neighbors, err := s.neighbors(ctx, results[i].Chunk, window)
		if err != nil {
			return nil, err
		}
		results[i].Context = neighbors
	}
	return results, nil
}

func (s *Service) hybrid(ctx context.Context, query string, k int, w Weights, filter store.SearchFilter) ([]Result, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Result{}, nil
	}

	candidates := k * candidateMultiplier
	if candidates > maxCandidates {
		candidates = maxCandidates
	}

	var semHits, lexHits []store.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vector, err := s.embedder.EmbedOne(gctx, query)
		if err != nil {
			return err
		}
		semHits, err = s.store.SearchVector(gctx, vector, candidates, filter)
		return err
	})
	g.Go(func() error {
		var err error
		lexHits, err = s.store.SearchSubstring(gctx, query, candidates, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*Result, len(semHits)+len(lexHits))
	for _, hit := range semHits {
		merged[hit.Chunk.ID] = &Result{
			Chunk:         hit.Chunk,
			DocumentName:  hit.DocumentName,
			SemanticScore: round4(hit.Score),
		}
	}
	for _, hit := range lexHits {
		if r, ok := merged[hit.Chunk.ID]; ok {
			r.KeywordScore = round4(hit.Score)
			r.Matches = hit.Matches
			continue
		}
		merged[hit.Chunk.ID] = &Result{
			Chunk:        hit.Chunk,
			DocumentName: hit.DocumentName,
			KeywordScore: round4(hit.Score),
			Matches:      hit.Matches,
		}
	}

	ws := w.Semantic / (w.Semantic + w.Keyword)
	wk := w.Keyword / (w.Semantic + w.Keyword)

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		r.Score = round4(ws*r.SemanticScore + wk*r.KeywordScore)
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Chunk.DocumentID != results[j].Chunk.DocumentID {
			return results[i].Chunk.DocumentID < results[j].Chunk.DocumentID
		}
		return results[i].Chunk.Index < results[j].Chunk.Index
	})
	if len(results) > k {
		results = results[:k]
	}

	s.log.Debug().Str("query", query).Int("top_k", k).
		Int("semantic_candidates", len(semHits)).Int("keyword_candidates", len(lexHits)).
		Int("results", len(results)).Msg("hybrid search")
	return results, nil
}

func (s *Service) neighbors(ctx context.Context, chunk model.Chunk, window int) ([]Neighbor, error) {
	var out []Neighbor
	for offset := -window; offset <= window; offset++ {
		index := chunk.Index + offset
		if offset == 0 || index < 0 {
			continue
		}
		adjacent, err := s.store.GetChunk(ctx, chunk.DocumentID, index)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		position := "before"
		if offset > 0 {
			position = "after"
		}
		out = append(out, Neighbor{Index: adjacent.Index, Text: adjacent.Text, Position: position})
	}
	return out, nil
}

// Stats reports corpus counts plus two derived figures: the percentage of
// chunks carrying an embedding and the mean chunk count per document.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	raw, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		TotalDocuments:       raw.TotalDocuments,
		TotalChunks:          raw.TotalChunks,
		ChunksWithEmbeddings: raw.ChunksWithEmbeddings,
	}
	if raw.TotalChunks > 0 {
		out.SearchablePercentage = round2(float64(raw.ChunksWithEmbeddings) / float64(raw.TotalChunks) * 100)
	}
	if raw.TotalDocuments > 0 {
		out.AverageChunksPerDocument = round2(float64(raw.TotalChunks) / float64(raw.TotalDocuments))
	}
	return out, nil
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
