package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"rag-server/internal/model"
)

// Workers drain a bounded queue of document ids with a fixed number of
// goroutines. Enqueueing never blocks: when the queue is full the document
// simply stays pending and can be re-enqueued later.
type Workers struct {
	pipeline *Pipeline
	queue    chan string
	count    int
	wg       sync.WaitGroup
	log      zerolog.Logger
}

func NewWorkers(pipeline *Pipeline, count, queueSize int, log zerolog.Logger) *Workers {
	if count <= 0 {
		count = 1
	}
	if queueSize <= 0 {
		queueSize = count
	}
	return &Workers{
		pipeline: pipeline,
		queue:    make(chan string, queueSize),
		count:    count,
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

func (w *Workers) Start() {
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.run()
	}
	w.log.Info().Int("workers", w.count).Int("queue", cap(w.queue)).Msg("ingestion workers started")
}

// Stop closes the queue and waits for the workers to drain it. Callers must
// stop accepting uploads first; Enqueue after Stop panics.
func (w *Workers) Stop() {
	close(w.queue)
	w.wg.Wait()
}

// Enqueue hands a document to the pool without blocking and reports whether
// it was accepted. A rejected document stays pending.
func (w *Workers) Enqueue(documentID string) bool {
	select {
	case w.queue <- documentID:
		return true
	default:
		w.log.Warn().Str("document_id", documentID).Msg("ingestion queue full, document left pending")
		return false
	}
}

func (w *Workers) run() {
	defer w.wg.Done()
	for documentID := range w.queue {
		err := w.pipeline.Process(context.Background(), documentID)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrInvalidTransition):
			// Someone else claimed it, or it already completed.
			w.log.Debug().Str("document_id", documentID).Msg("skipping claimed document")
		default:
			w.log.Error().Err(err).Str("document_id", documentID).Msg("ingestion failed")
		}
	}
}
