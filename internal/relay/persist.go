package relay

import (
	"context"
	"sync"
	"time"

	"github.com/edit-relay/backend/internal/logger"
	"github.com/edit-relay/backend/internal/protocol"
)

const (
	defaultPersistWorkers = 4
	persistQueueSize      = 1024
	persistTimeout        = 10 * time.Second
)

// Persister writes snapshots to the store through a small fixed worker pool,
// capping store pressure under write storms. Queued writes for the same doc
// coalesce: only the highest pending version is actually written.
type Persister struct {
	store Store

	mu      sync.Mutex
	pending map[string]protocol.SnapshotRecord
	closed  bool

	queue chan string
	wg    sync.WaitGroup
}

// NewPersister starts a persister with the given worker count (<=0 means
// the default of 4).
func NewPersister(store Store, workers int) *Persister {
	if workers <= 0 {
		workers = defaultPersistWorkers
	}
	p := &Persister{
		store:   store,
		pending: make(map[string]protocol.SnapshotRecord),
		queue:   make(chan string, persistQueueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue schedules an asynchronous snapshot write for docID. Records racing
// toward the same doc keep only the highest version. The channel send happens
// under p.mu so Close never closes the queue out from under a sender.
func (p *Persister) Enqueue(docID string, rec protocol.SnapshotRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	prev, queued := p.pending[docID]
	if !queued || rec.Version > prev.Version {
		p.pending[docID] = rec
	}
	if queued {
		return
	}

	select {
	case p.queue <- docID:
	default:
		// Queue saturated: drop and let the next accepted update retry.
		delete(p.pending, docID)
		logger.Warn("persist queue full, dropping snapshot for doc %s", docID)
	}
}

func (p *Persister) worker() {
	defer p.wg.Done()

	for docID := range p.queue {
		p.mu.Lock()
		rec, ok := p.pending[docID]
		delete(p.pending, docID)
		p.mu.Unlock()
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := p.store.SaveSnapshot(ctx, docID, rec)
		cancel()
		if err != nil {
			logger.Warn("failed to persist snapshot for doc %s: %v", docID, err)
		} else {
			logger.Debug("persisted snapshot for doc %s at version %d", docID, rec.Version)
		}
	}
}

// Close stops accepting work, drains everything already queued, and waits
// for the workers to finish.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	p.wg.Wait()
}
