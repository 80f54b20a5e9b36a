package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"rag-server/internal/model"
)

// Key layout:
//
//	doc:<id>                     document JSON
//	dochash:<sha256>             document id owning that content hash
//	chunkgen:<docID>             generation tag of the visible chunk set
//	chunk:<docID>:<gen>:<index>  chunk JSON, index zero-padded to 6 digits
//
// Chunk batches are written under a fresh generation and become visible
// only when the single-key generation tag flips, so a batch is observable
// all-or-nothing no matter how many transactions the writes spanned.
const (
	docKeyPrefix   = "doc:"
	hashKeyPrefix  = "dochash:"
	genKeyPrefix   = "chunkgen:"
	chunkKeyPrefix = "chunk:"
)

func docKey(id string) []byte    { return []byte(docKeyPrefix + id) }
func hashKey(hash string) []byte { return []byte(hashKeyPrefix + hash) }
func genKey(docID string) []byte { return []byte(genKeyPrefix + docID) }

func chunkKey(docID, gen string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%06d", chunkKeyPrefix, docID, gen, index))
}
func chunkDocPrefix(docID string) []byte {
	return []byte(chunkKeyPrefix + docID + ":")
}
func chunkGenPrefix(docID, gen string) []byte {
	return []byte(chunkKeyPrefix + docID + ":" + gen + ":")
}

// BadgerStore is the embedded backend. Vector search runs against an
// in-memory HNSW graph rebuilt from persisted chunks at open; chunks
// deleted later simply miss during hydration.
type BadgerStore struct {
	db    *badger.DB
	index *hnswIndex
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	s := &BadgerStore{db: db, index: newHNSWIndex(defaultHNSWConfig())}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to rebuild vector index: %w", err)
	}
	return s, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying when optimistic
// concurrency control aborts it. The retry re-reads, so semantic checks
// (hash uniqueness, status transitions) are re-evaluated against the
// winner's writes.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	return s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(doc.FileHash))
		if err == nil {
			var existingID string
			if err := item.Value(func(val []byte) error {
				existingID = string(val)
				return nil
			}); err != nil {
				return err
			}
			return &model.DuplicateContentError{ExistingID: existingID}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(docKey(doc.ID), data); err != nil {
			return err
		}
		return txn.Set(hashKey(doc.FileHash), []byte(doc.ID))
	})
}

func (s *BadgerStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, docKey(id), &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BadgerStore) GetDocumentByHash(ctx context.Context, hash string) (*model.Document, error) {
	var doc model.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}

		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, docKey(id), &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BadgerStore) ListDocuments(ctx context.Context, opts ListOptions) ([]model.Document, int, error) {
	var docs []model.Document
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPrefix(txn, []byte(docKeyPrefix), func(_ []byte, val []byte) error {
			var doc model.Document
			if err := json.Unmarshal(val, &doc); err != nil {
				return err
			}
			if opts.Status != "" && doc.Status != opts.Status {
				return nil
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		}
		return docs[i].ID < docs[j].ID
	})

	total := len(docs)
	if opts.Offset >= len(docs) {
		return []model.Document{}, total, nil
	}
	docs = docs[opts.Offset:]
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, total, nil
}

func (s *BadgerStore) UpdateDocumentStatus(ctx context.Context, id string, update StatusUpdate) error {
	return s.update(func(txn *badger.Txn) error {
		var doc model.Document
		if err := getJSON(txn, docKey(id), &doc); err != nil {
			return err
		}
		if !model.CanTransition(doc.Status, update.Status) {
			return fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, doc.Status, update.Status)
		}

		now := time.Now().UTC()
		doc.Status = update.Status
		doc.ErrorMessage = update.ErrorMessage
		doc.UpdatedAt = now
		if update.Stats != nil {
			doc.ChunkCount = update.Stats.ChunkCount
			doc.CharacterCount = update.Stats.CharacterCount
			doc.WordCount = update.Stats.WordCount
			doc.PageCount = update.Stats.PageCount
		}
		if update.Status == model.StatusCompleted {
			doc.ProcessedAt = &now
		}

		data, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		return txn.Set(docKey(id), data)
	})
}

func (s *BadgerStore) DeleteDocument(ctx context.Context, id string) error {
	var doc model.Document
	err := s.update(func(txn *badger.Txn) error {
		if err := getJSON(txn, docKey(id), &doc); err != nil {
			return err
		}
		if err := txn.Delete(docKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(hashKey(doc.FileHash)); err != nil {
			return err
		}
		return txn.Delete(genKey(id))
	})
	if err != nil {
		return err
	}

	if err := s.sweepChunkData(id, ""); err != nil {
		return err
	}
	if doc.StoragePath != "" {
		// Best effort; a missing file is not an error.
		_ = os.Remove(doc.StoragePath)
	}
	return nil
}

func (s *BadgerStore) CreateChunksBatch(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	documentID := chunks[0].DocumentID
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk batch spans documents %s and %s", documentID, c.DocumentID)
		}
		if c.ID == "" || c.Index < 0 {
			return fmt.Errorf("chunk %d of document %s is malformed", c.Index, documentID)
		}
	}

	gen := strconv.FormatInt(time.Now().UnixNano(), 10)

	// 1. Write the batch under the new generation. These keys are not yet
	// reachable through the generation tag, so partial progress stays
	// invisible.
	if err := s.writeChunks(gen, chunks); err != nil {
		return err
	}

	// 2. Flip the tag in one transaction, re-checking the document exists.
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(docKey(documentID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return model.ErrNotFound
			}
			return err
		}
		return txn.Set(genKey(documentID), []byte(gen))
	})
	if err != nil {
		// Abandon the freshly written keys; sweeping keeps them from
		// accumulating.
		_ = s.sweepChunkData(documentID, "")
		return err
	}

	// 3. Old generations are unreachable now; clear them.
	if err := s.sweepChunkData(documentID, gen); err != nil {
		return err
	}

	for _, c := range chunks {
		if len(c.Vector) > 0 {
			s.index.add(c.ID, c.Vector)
		}
	}
	return nil
}

// writeChunks persists chunk values across as many transactions as badger
// requires for the batch size.
func (s *BadgerStore) writeChunks(gen string, chunks []model.Chunk) error {
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for _, c := range chunks {
		data, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %s: %w", c.ID, err)
		}
		key := chunkKey(c.DocumentID, gen, c.Index)

		if err := txn.Set(key, data); errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("failed to commit chunk batch: %w", err)
			}
			txn = s.db.NewTransaction(true)
			if err := txn.Set(key, data); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// sweepChunkData deletes every chunk key of the document except those of
// keep; keep == "" removes them all.
func (s *BadgerStore) sweepChunkData(documentID, keep string) error {
	keepPrefix := ""
	if keep != "" {
		keepPrefix = string(chunkGenPrefix(documentID, keep))
	}

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = chunkDocPrefix(documentID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if keepPrefix != "" && strings.HasPrefix(string(key), keepPrefix) {
				continue
			}
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan chunks: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for _, key := range stale {
		if err := txn.Delete(key); errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			if err := txn.Delete(key); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *BadgerStore) GetChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		gen, err := currentGen(txn, documentID)
		if err != nil || gen == "" {
			return err
		}
		return forEachPrefix(txn, chunkGenPrefix(documentID, gen), func(_ []byte, val []byte) error {
			var c model.Chunk
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			chunks = append(chunks, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return chunks, nil
}

func (s *BadgerStore) GetChunk(ctx context.Context, documentID string, index int) (*model.Chunk, error) {
	var chunk model.Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		gen, err := currentGen(txn, documentID)
		if err != nil {
			return err
		}
		if gen == "" {
			return model.ErrNotFound
		}
		return getJSON(txn, chunkKey(documentID, gen, index), &chunk)
	})
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (s *BadgerStore) DeleteChunks(ctx context.Context, documentID string) error {
	err := s.update(func(txn *badger.Txn) error {
		return txn.Delete(genKey(documentID))
	})
	if err != nil {
		return err
	}
	return s.sweepChunkData(documentID, "")
}

func (s *BadgerStore) SearchVector(ctx context.Context, query []float32, k int, filter SearchFilter) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	if filter.DocumentID != "" {
		return s.scanVector(query, k, filter)
	}

	// Over-fetch from the graph; tombstoned ids and the similarity floor
	// thin the candidates out.
	hits := s.index.search(query, k*2)
	if len(hits) == 0 {
		return nil, nil
	}

	var results []ScoredChunk
	err := s.db.View(func(txn *badger.Txn) error {
		names := map[string]string{}
		for _, hit := range hits {
			documentID, index, ok := splitChunkID(hit.id)
			if !ok {
				continue
			}
			gen, err := currentGen(txn, documentID)
			if err != nil || gen == "" {
				continue
			}
			var chunk model.Chunk
			if err := getJSON(txn, chunkKey(documentID, gen, index), &chunk); err != nil {
				continue // tombstoned
			}
			if len(chunk.Vector) == 0 {
				continue
			}

			// Score from the persisted vector, not the graph copy.
			score := cosineSimilarity(query, chunk.Vector)
			if score < filter.MinSimilarity {
				continue
			}
			name, err := s.documentName(txn, names, documentID)
			if err != nil {
				continue
			}
			results = append(results, ScoredChunk{Chunk: chunk, DocumentName: name, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	sortByScore(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// scanVector is the exact path used for document-scoped queries: a flat
// cosine scan over that document's chunks.
func (s *BadgerStore) scanVector(query []float32, k int, filter SearchFilter) ([]ScoredChunk, error) {
	var results []ScoredChunk
	err := s.db.View(func(txn *badger.Txn) error {
		name, err := s.documentName(txn, map[string]string{}, filter.DocumentID)
		if errors.Is(err, model.ErrNotFound) {
			return nil // unknown document, empty result
		}
		if err != nil {
			return err
		}
		gen, err := currentGen(txn, filter.DocumentID)
		if err != nil || gen == "" {
			return err
		}
		return forEachPrefix(txn, chunkGenPrefix(filter.DocumentID, gen), func(_ []byte, val []byte) error {
			var chunk model.Chunk
			if err := json.Unmarshal(val, &chunk); err != nil {
				return err
			}
			if len(chunk.Vector) == 0 {
				return nil
			}
			score := cosineSimilarity(query, chunk.Vector)
			if score < filter.MinSimilarity {
				return nil
			}
			results = append(results, ScoredChunk{Chunk: chunk, DocumentName: name, Score: score})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	sortByScore(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *BadgerStore) SearchSubstring(ctx context.Context, query string, k int, filter SearchFilter) ([]ScoredChunk, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" || k <= 0 {
		return nil, nil
	}

	var results []ScoredChunk
	err := s.db.View(func(txn *badger.Txn) error {
		documentIDs, err := s.visibleDocumentIDs(txn, filter.DocumentID)
		if err != nil {
			return err
		}
		names := map[string]string{}

		for _, documentID := range documentIDs {
			gen, err := currentGen(txn, documentID)
			if err != nil {
				return err
			}
			if gen == "" {
				continue
			}
			err = forEachPrefix(txn, chunkGenPrefix(documentID, gen), func(_ []byte, val []byte) error {
				var chunk model.Chunk
				if err := json.Unmarshal(val, &chunk); err != nil {
					return err
				}
				count := strings.Count(strings.ToLower(chunk.Text), needle)
				if count == 0 {
					return nil
				}
				name, err := s.documentName(txn, names, documentID)
				if err != nil {
					return nil
				}
				results = append(results, ScoredChunk{
					Chunk:        chunk,
					DocumentName: name,
					Score:        keywordScore(count),
					Matches:      count,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("substring search failed: %w", err)
	}

	sortByScore(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *BadgerStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		var documentIDs []string
		err := forEachPrefix(txn, []byte(docKeyPrefix), func(_ []byte, val []byte) error {
			var doc model.Document
			if err := json.Unmarshal(val, &doc); err != nil {
				return err
			}
			documentIDs = append(documentIDs, doc.ID)
			if doc.Status == model.StatusCompleted {
				stats.TotalDocuments++
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, documentID := range documentIDs {
			gen, err := currentGen(txn, documentID)
			if err != nil {
				return err
			}
			if gen == "" {
				continue
			}
			err = forEachPrefix(txn, chunkGenPrefix(documentID, gen), func(_ []byte, val []byte) error {
				var chunk model.Chunk
				if err := json.Unmarshal(val, &chunk); err != nil {
					return err
				}
				stats.TotalChunks++
				if len(chunk.Vector) > 0 {
					stats.ChunksWithEmbeddings++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}
	return stats, nil
}

// rebuildIndex loads every visible chunk vector into the HNSW graph.
func (s *BadgerStore) rebuildIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		documentIDs, err := s.visibleDocumentIDs(txn, "")
		if err != nil {
			return err
		}
		for _, documentID := range documentIDs {
			gen, err := currentGen(txn, documentID)
			if err != nil {
				return err
			}
			if gen == "" {
				continue
			}
			err = forEachPrefix(txn, chunkGenPrefix(documentID, gen), func(_ []byte, val []byte) error {
				var chunk model.Chunk
				if err := json.Unmarshal(val, &chunk); err != nil {
					return err
				}
				if len(chunk.Vector) > 0 {
					s.index.add(chunk.ID, chunk.Vector)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// visibleDocumentIDs lists document ids, or just the one named by scope.
func (s *BadgerStore) visibleDocumentIDs(txn *badger.Txn, scope string) ([]string, error) {
	if scope != "" {
		return []string{scope}, nil
	}
	var ids []string
	err := forEachPrefix(txn, []byte(genKeyPrefix), func(key []byte, _ []byte) error {
		ids = append(ids, string(key[len(genKeyPrefix):]))
		return nil
	})
	return ids, err
}

func (s *BadgerStore) documentName(txn *badger.Txn, cache map[string]string, documentID string) (string, error) {
	if name, ok := cache[documentID]; ok {
		return name, nil
	}
	var doc model.Document
	if err := getJSON(txn, docKey(documentID), &doc); err != nil {
		return "", err
	}
	cache[documentID] = doc.Filename
	return doc.Filename, nil
}

// currentGen reads the visible generation tag, "" when the document has no
// chunks.
func currentGen(txn *badger.Txn, documentID string) (string, error) {
	item, err := txn.Get(genKey(documentID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var gen string
	err = item.Value(func(val []byte) error {
		gen = string(val)
		return nil
	})
	return gen, err
}

// getJSON unmarshals the value at key, mapping a missing key to
// model.ErrNotFound.
func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func forEachPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// sortByScore orders hits by descending score, then ascending document id
// and chunk index for deterministic output.
func sortByScore(results []ScoredChunk) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Chunk.DocumentID != results[j].Chunk.DocumentID {
			return results[i].Chunk.DocumentID < results[j].Chunk.DocumentID
		}
		return results[i].Chunk.Index < results[j].Chunk.Index
	})
}

// splitChunkID recovers (document id, index) from the deterministic chunk
// id scheme chunk_<docID>_<index>; the index is the segment after the last
// underscore.
func splitChunkID(id string) (string, int, bool) {
	rest, ok := strings.CutPrefix(id, "chunk_")
	if !ok {
		return "", 0, false
	}
	sep := strings.LastIndex(rest, "_")
	if sep <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(rest[sep+1:])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return rest[:sep], index, true
}
