package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edit-relay/backend/internal/logger"
	"github.com/edit-relay/backend/internal/protocol"
)

// Registry maps docId to its resident Document. First access loads the
// persisted snapshot; concurrent first-accessors are collapsed to a single
// load so they always observe the same Document instance.
type Registry struct {
	store Store

	mu   sync.RWMutex
	docs map[string]*Document

	group singleflight.Group
}

// NewRegistry creates an empty registry backed by the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		docs:  make(map[string]*Document),
	}
}

// GetOrLoad returns the document for docID, loading its snapshot from the
// store on first access. A store failure degrades to an empty ("", 0) seed
// with a warning; the next accepted edit re-persists.
func (r *Registry) GetOrLoad(ctx context.Context, docID string) *Document {
	r.mu.RLock()
	doc := r.docs[docID]
	r.mu.RUnlock()
	if doc != nil {
		return doc
	}

	v, _, _ := r.group.Do(docID, func() (interface{}, error) {
		r.mu.RLock()
		existing := r.docs[docID]
		r.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		d := newDocument(docID)
		rec, err := r.store.LoadSnapshot(ctx, docID)
		switch {
		case err != nil:
			logger.Warn("failed to load snapshot for doc %s, seeding empty: %v", docID, err)
		case rec != nil:
			d.seed(*rec)
			logger.Info("loaded snapshot for doc %s at version %d", docID, rec.Version)
		}

		r.mu.Lock()
		r.docs[docID] = d
		r.mu.Unlock()
		return d, nil
	})
	return v.(*Document)
}

// Get returns the resident document or nil.
func (r *Registry) Get(docID string) *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.docs[docID]
}

// Counts returns the number of resident documents and attached sessions.
func (r *Registry) Counts() (docs, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.docs {
		sessions += d.SessionCount()
	}
	return len(r.docs), sessions
}

// EvictIdle drops documents that have had no sessions and no activity for
// at least idle. Eviction has no correctness cost: the next attach reloads
// from the store.
func (r *Registry) EvictIdle(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for docID, d := range r.docs {
		if d.idleFor(idle) {
			delete(r.docs, docID)
			evicted++
			logger.Debug("evicted idle doc %s", docID)
		}
	}
	return evicted
}

// RunEvictor sweeps for idle documents every interval until ctx is done.
func (r *Registry) RunEvictor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(idle); n > 0 {
				logger.Info("evicted %d idle docs", n)
			}
		}
	}
}

// CloseAll force-closes every attached session; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	docs := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.RUnlock()

	for _, d := range docs {
		d.closeSessions()
	}
}

// FinalSnapshots returns the current state of every resident document,
// used for a best-effort flush at shutdown.
func (r *Registry) FinalSnapshots() map[string]protocol.SnapshotRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]protocol.SnapshotRecord, len(r.docs))
	for docID, d := range r.docs {
		out[docID] = d.Snapshot()
	}
	return out
}
