package enrichment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/uncanny/store"
)

// Trigger embeds freshly saved experiences on a background worker pool.
type Trigger struct {
	enricher *Enricher
	queue    chan *store.Experience
	stopCh   chan struct{}
	wg       sync.WaitGroup
	workers  int
	timeout  time.Duration
}

// NewTrigger creates a trigger with the given number of workers.
func NewTrigger(enricher *Enricher, workers int) *Trigger {
	if workers <= 0 {
		workers = 3
	}
	return &Trigger{
		enricher: enricher,
		queue:    make(chan *store.Experience, 100),
		workers:  workers,
		stopCh:   make(chan struct{}),
		timeout:  30 * time.Second,
	}
}

// Start launches the workers.
func (t *Trigger) Start() {
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}
	slog.Info("enrichment: trigger started", "workers", t.workers)
}

// Stop stops the workers. Queued experiences are left to the backfill job.
func (t *Trigger) Stop() {
	close(t.stopCh)
	t.wg.Wait()
	slog.Info("enrichment: trigger stopped")
}

// TriggerAsync queues e without blocking for long. When the queue is full the
// experience is skipped and picked up by the next backfill.
func (t *Trigger) TriggerAsync(e *store.Experience) {
	select {
	case t.queue <- e:
	case <-time.After(50 * time.Millisecond):
		slog.Debug("enrichment: trigger skipped, queue full", "experience_id", e.ID)
	case <-t.stopCh:
	}
}

func (t *Trigger) worker(id int) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case e := <-t.queue:
			t.process(e, id)
		}
	}
}

func (t *Trigger) process(e *store.Experience, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	start := time.Now()
	if err := t.enricher.EmbedOne(ctx, e); err != nil {
		slog.Warn("enrichment: async embedding failed", "experience_id", e.ID, "worker", workerID, "error", err)
		return
	}
	slog.Debug("enrichment: embedded",
		"experience_id", e.ID,
		"worker", workerID,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}
