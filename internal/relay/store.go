package relay

import (
	"context"

	"github.com/edit-relay/backend/internal/protocol"
)

// Store is the slice of the snapshot store the relay depends on: snapshot
// load/persist plus the ops bus. *store.Client implements it; tests use an
// in-memory fake.
type Store interface {
	// LoadSnapshot returns the persisted record, or (nil, nil) on a miss.
	LoadSnapshot(ctx context.Context, docID string) (*protocol.SnapshotRecord, error)
	SaveSnapshot(ctx context.Context, docID string, rec protocol.SnapshotRecord) error
	// PublishOp sends an envelope on the document's ops channel.
	PublishOp(ctx context.Context, docID string, payload []byte) error
	// SubscribeOps registers a handler for every document's ops channel.
	SubscribeOps(ctx context.Context, handler func(channel string, payload []byte)) error
}
