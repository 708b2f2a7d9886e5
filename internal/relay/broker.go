package relay

import (
	"context"
	"encoding/json"

	"github.com/edit-relay/backend/internal/logger"
	"github.com/edit-relay/backend/internal/protocol"
)

// Broker bridges local documents with the cross-replica ops bus. It holds a
// single pattern subscription over every document's ops channel, drops this
// replica's own echoes, and applies remote envelopes to the local rooms.
type Broker struct {
	serverID  string
	registry  *Registry
	persister *Persister
	store     Store
}

// NewBroker wires a broker for one replica.
func NewBroker(serverID string, registry *Registry, persister *Persister, store Store) *Broker {
	return &Broker{
		serverID:  serverID,
		registry:  registry,
		persister: persister,
		store:     store,
	}
}

// Run subscribes to the ops pattern; handlers run until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	return b.store.SubscribeOps(ctx, func(channel string, payload []byte) {
		b.handle(ctx, channel, payload)
	})
}

func (b *Broker) handle(ctx context.Context, channel string, payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("dropping malformed envelope on %s: %v", channel, err)
		return
	}

	if env.ServerID == b.serverID {
		// Echo of our own publish.
		return
	}

	docID := protocol.DocIDFromChannel(channel)
	if docID == "" {
		docID = env.DocID
	}
	if docID == "" {
		logger.Warn("dropping envelope with no derivable docId on %s", channel)
		return
	}

	inner := []byte(env.Payload)
	fields, err := protocol.DecodeFields(inner)
	if err != nil {
		logger.Warn("dropping envelope with malformed payload for doc %s: %v", docID, err)
		return
	}
	text, hasText := fields.String("text")

	doc := b.registry.GetOrLoad(ctx, docID)
	if !doc.ApplyRemote(text, hasText, env.ServerVersion) {
		logger.Debug("ignoring stale remote op for doc %s: serverVersion=%d", docID, env.ServerVersion)
		return
	}

	b.persister.Enqueue(docID, doc.Snapshot())

	enhanced, err := protocol.Enhance(inner, env.ServerID, env.ServerVersion)
	if err != nil {
		enhanced = inner
	}
	doc.Fanout(enhanced, nil)
}
