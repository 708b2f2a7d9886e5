// Package relaytest provides in-memory stand-ins for the snapshot store and
// the ops bus, so relay and client behavior can be tested end to end without
// a Redis instance.
package relaytest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edit-relay/backend/internal/protocol"
)

// Bus is an in-memory pub/sub bus. Publish delivers synchronously, in
// order, to every subscribed handler, including the publisher's own, which
// exercises the self-echo filter.
type Bus struct {
	mu       sync.Mutex
	handlers []func(channel string, payload []byte)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every published message.
func (b *Bus) Subscribe(h func(channel string, payload []byte)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish fans the payload out to all handlers.
func (b *Bus) Publish(channel string, payload []byte) {
	b.mu.Lock()
	handlers := make([]func(string, []byte), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(channel, append([]byte(nil), payload...))
	}
}

// KV is the shared snapshot keyspace. Stores on different replicas point at
// the same KV, the way replicas share one Redis.
type KV struct {
	mu        sync.Mutex
	snapshots map[string]protocol.SnapshotRecord
	loadCalls map[string]int
}

// NewKV creates an empty keyspace.
func NewKV() *KV {
	return &KV{
		snapshots: make(map[string]protocol.SnapshotRecord),
		loadCalls: make(map[string]int),
	}
}

// Seed installs a snapshot record directly, as if persisted earlier.
func (kv *KV) Seed(docID string, rec protocol.SnapshotRecord) {
	kv.mu.Lock()
	kv.snapshots[docID] = rec
	kv.mu.Unlock()
}

// Snapshot returns the stored record for docID.
func (kv *KV) Snapshot(docID string) (protocol.SnapshotRecord, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	rec, ok := kv.snapshots[docID]
	return rec, ok
}

// LoadCalls counts how many store loads hit this docID.
func (kv *KV) LoadCalls(docID string) int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.loadCalls[docID]
}

// Store implements relay.Store over a Bus and a KV. The Fail and Delay
// knobs must be set before the store is used concurrently.
type Store struct {
	bus *Bus
	kv  *KV

	FailLoad    bool
	FailSave    bool
	FailPublish bool
	LoadDelay   time.Duration
	SaveDelay   time.Duration

	mu        sync.Mutex
	saveCalls int
}

// NewStore binds a store to a bus and keyspace.
func NewStore(bus *Bus, kv *KV) *Store {
	return &Store{bus: bus, kv: kv}
}

// LoadSnapshot implements relay.Store.
func (s *Store) LoadSnapshot(ctx context.Context, docID string) (*protocol.SnapshotRecord, error) {
	if s.LoadDelay > 0 {
		time.Sleep(s.LoadDelay)
	}

	s.kv.mu.Lock()
	s.kv.loadCalls[docID]++
	rec, ok := s.kv.snapshots[docID]
	s.kv.mu.Unlock()

	if s.FailLoad {
		return nil, errors.New("store unavailable")
	}
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// SaveSnapshot implements relay.Store.
func (s *Store) SaveSnapshot(ctx context.Context, docID string, rec protocol.SnapshotRecord) error {
	if s.SaveDelay > 0 {
		time.Sleep(s.SaveDelay)
	}

	s.mu.Lock()
	s.saveCalls++
	s.mu.Unlock()

	if s.FailSave {
		return errors.New("store unavailable")
	}
	s.kv.Seed(docID, rec)
	return nil
}

// PublishOp implements relay.Store.
func (s *Store) PublishOp(ctx context.Context, docID string, payload []byte) error {
	if s.FailPublish {
		return errors.New("bus unavailable")
	}
	s.bus.Publish(protocol.OpsChannel(docID), payload)
	return nil
}

// SubscribeOps implements relay.Store.
func (s *Store) SubscribeOps(ctx context.Context, handler func(channel string, payload []byte)) error {
	s.bus.Subscribe(handler)
	return nil
}

// SaveCalls counts snapshot writes attempted through this store.
func (s *Store) SaveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}
